package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"camcap/internal/camera"

	"go.uber.org/zap"
)

const (
	DefaultDevicePattern  = "/dev/video*"
	DefaultFFmpegPath     = "ffmpeg"
	DefaultCommandTimeout = 5 * time.Second
)

// commandRunner は外部コマンドを実行して標準出力を返す
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// V4L2Options は V4L2Provider の設定
type V4L2Options struct {
	DevicePattern  string
	FFmpegPath     string
	CommandTimeout time.Duration
}

// V4L2Provider は Linux の V4L2 デバイスを camera.Provider として扱う
// デバイス情報は v4l2-ctl、フレーム取得は ffmpeg を使用する
type V4L2Provider struct {
	logger  *zap.Logger
	pattern string
	ffmpeg  string
	timeout time.Duration
	run     commandRunner

	mu    sync.Mutex
	descs map[string]*camera.CameraDescriptor
	open  map[string]bool
}

// NewV4L2Provider は新しい V4L2Provider を作成する
func NewV4L2Provider(opts V4L2Options, logger *zap.Logger) *V4L2Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DevicePattern == "" {
		opts.DevicePattern = DefaultDevicePattern
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = DefaultFFmpegPath
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &V4L2Provider{
		logger:  logger.Named("v4l2"),
		pattern: opts.DevicePattern,
		ffmpeg:  opts.FFmpegPath,
		timeout: opts.CommandTimeout,
		run:     execRunner,
		descs:   make(map[string]*camera.CameraDescriptor),
		open:    make(map[string]bool),
	}
}

// CameraIDs は利用可能なデバイスのパスを番号順に返す
// 同じ物理カメラの複数チャンネルは最も小さい番号のみを残す
func (p *V4L2Provider) CameraIDs(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(p.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var ids []string
	colorCards := map[string]bool{}
	for _, dev := range matches {
		select {
		case <-ctx.Done():
			return ids, ctx.Err()
		default:
		}

		if !isDeviceAvailable(dev) {
			continue
		}
		formats, err := p.listFormats(ctx, dev)
		if err != nil {
			p.logger.Debug("フォーマット一覧の取得に失敗", zap.String("device", dev), zap.Error(err))
			continue
		}
		// メタデータ用のノードはフォーマットを持たない
		if len(formats) == 0 {
			continue
		}

		if hasColorFormat(formats) {
			if card := p.cardType(ctx, dev); card != "" {
				if colorCards[card] {
					p.logger.Debug("同じカメラの別チャンネルを除外", zap.String("device", dev), zap.String("card", card))
					continue
				}
				colorCards[card] = true
			}
		}

		p.mu.Lock()
		p.descs[dev] = buildDescriptor(dev, formats)
		p.mu.Unlock()
		ids = append(ids, dev)
	}
	return ids, nil
}

func (p *V4L2Provider) Characteristics(ctx context.Context, id string) (*camera.CameraDescriptor, error) {
	p.mu.Lock()
	desc, ok := p.descs[id]
	p.mu.Unlock()
	if ok {
		return cloneDescriptor(desc), nil
	}

	formats, err := p.listFormats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("デバイス情報の取得に失敗: %w", err)
	}
	desc = buildDescriptor(id, formats)
	p.mu.Lock()
	p.descs[id] = desc
	p.mu.Unlock()
	return cloneDescriptor(desc), nil
}

func (p *V4L2Provider) Open(ctx context.Context, id string, cb camera.DeviceCallbacks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.open[id] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraInUse, id)
	}
	p.open[id] = true
	p.mu.Unlock()

	dev := &v4l2Device{provider: p, path: id, cb: cb}
	go func() {
		if err := checkDevice(id); err != nil {
			cb.OnError(dev, err)
			return
		}
		p.logger.Info("デバイスをオープンしました", zap.String("device", id))
		cb.OnOpened(dev)
	}()
	return nil
}

func (p *V4L2Provider) NewFrameReader(size camera.Size, format camera.PixelFormat, maxFrames int) (camera.FrameReader, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("不正なフレームサイズ: %s", size)
	}
	if format != camera.PixelFormatYUV420 {
		return nil, fmt.Errorf("サポートされていないピクセルフォーマット: %s", format)
	}
	return newFrameReader(size, format, maxFrames), nil
}

func (p *V4L2Provider) listFormats(ctx context.Context, dev string) ([]videoFormat, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.run(ctx, "v4l2-ctl", "--device", dev, "--list-formats-ext")
	if err != nil {
		return nil, err
	}
	return parseFormats(string(out)), nil
}

func (p *V4L2Provider) cardType(ctx context.Context, dev string) string {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.run(ctx, "v4l2-ctl", "--device", dev, "--info")
	if err != nil {
		return ""
	}
	return parseCardType(string(out))
}

func (p *V4L2Provider) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, id)
}

// isDeviceAvailable はデバイスファイルが存在し読み取り可能かを返す
func isDeviceAvailable(dev string) bool {
	if extractDeviceNumber(dev) < 0 {
		return false
	}
	return checkDevice(dev) == nil
}

func checkDevice(dev string) error {
	file, err := os.OpenFile(dev, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("デバイスが利用できません: %w", err)
	}
	return file.Close()
}

type v4l2Device struct {
	provider *V4L2Provider
	path     string
	cb       camera.DeviceCallbacks

	mu      sync.Mutex
	closed  bool
	session *v4l2Session
}

func (d *v4l2Device) ID() string { return d.path }

func (d *v4l2Device) CreateCaptureSession(reader camera.FrameReader, cb camera.SessionCallbacks) error {
	fr, ok := reader.(*frameReader)
	if !ok {
		return ErrForeignReader
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDeviceClosed
	}
	prev := d.session
	s := &v4l2Session{device: d, reader: fr, cb: cb}
	d.session = s
	d.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go func() {
		if _, err := exec.LookPath(d.provider.ffmpeg); err != nil {
			cb.OnConfigureFailed(s, fmt.Errorf("ffmpeg が見つかりません: %w", err))
			return
		}
		cb.OnConfigured(s)
	}()
	return nil
}

func (d *v4l2Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		s.stop()
	}
	d.provider.release(d.path)
	go d.cb.OnClosed(d)
	return nil
}

type v4l2Session struct {
	device *v4l2Device
	reader *frameReader
	cb     camera.SessionCallbacks

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// SetRepeatingRequest は ffmpeg を起動し、rawvideo 出力をフレーム単位でリーダーに渡す
func (s *v4l2Session) SetRepeatingRequest(req camera.CaptureRequest) error {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}

	size := s.reader.Size()
	fps := req.FPSRange.Max
	if fps <= 0 {
		fps = defaultFPS
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx,
		s.device.provider.ffmpeg,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", size.String(),
		"-framerate", strconv.Itoa(fps),
		"-i", s.device.path,
		"-pix_fmt", "yuv420p",
		"-f", "rawvideo",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.readFrames(ctx, cmd, stdout, &stderr, size, done)

	s.device.provider.logger.Info("連続キャプチャを開始",
		zap.String("device", s.device.path),
		zap.String("request", req.ID.String()),
		zap.String("size", size.String()),
		zap.Int("fps", fps))
	return nil
}

func (s *v4l2Session) StopRepeating() error {
	s.stop()
	return nil
}

func (s *v4l2Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	go s.cb.OnClosed(s)
	return nil
}

func (s *v4l2Session) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// readFrames は ffmpeg の標準出力から1フレーム分ずつ読み出す
// 停止要求以外で ffmpeg が終了した場合はデバイスエラーとして通知する
func (s *v4l2Session) readFrames(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, size camera.Size, done chan struct{}) {
	defer close(done)

	frameLen := yuv420Len(size.Width, size.Height)
	var readErr error
	for {
		buf := make([]byte, frameLen)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			readErr = err
			break
		}
		s.reader.deliver(buf, size.Width, size.Height)
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return
	}
	err := readErr
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = waitErr
	}
	s.device.provider.logger.Warn("ffmpeg が終了しました",
		zap.String("device", s.device.path),
		zap.Error(err),
		zap.String("stderr", stderr.String()))
	s.device.cb.OnError(s.device, fmt.Errorf("フレームの読み取りに失敗: %w", errOrEOF(err)))
}

func errOrEOF(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}
