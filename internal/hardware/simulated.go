package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"camcap/internal/camera"

	"go.uber.org/zap"
)

var (
	ErrUnknownCamera   = errors.New("不明なカメラIDです")
	ErrCameraInUse     = errors.New("カメラは使用中です")
	ErrInjectedFailure = errors.New("シミュレーターで注入された障害")
	ErrForeignReader   = errors.New("このプロバイダーで作成されたリーダーではありません")
	ErrDeviceClosed    = errors.New("デバイスはクローズ済みです")
)

const defaultFPS = 30

// SimulatedCamera はシミュレーターのカメラ1台分の定義
type SimulatedCamera struct {
	Descriptor    camera.CameraDescriptor
	FailOpen      bool
	FailConfigure bool
}

// DefaultSimulatedCameras は前面・背面・深度専用・モノクロIRの4台を返す
func DefaultSimulatedCameras() []SimulatedCamera {
	colorFPS := []camera.FPSRange{{Min: 15, Max: 15}, {Min: 7, Max: 30}, {Min: 30, Max: 30}}
	return []SimulatedCamera{
		{Descriptor: camera.CameraDescriptor{
			ID:                "0",
			Facing:            camera.FacingFront,
			SensorOrientation: 270,
			OutputSizes: map[camera.PixelFormat][]camera.Size{
				camera.PixelFormatYUV420: {{Width: 1280, Height: 720}, {Width: 640, Height: 480}, {Width: 352, Height: 288}},
			},
			FPSRanges:    colorFPS,
			Capabilities: []camera.Capability{camera.CapabilityBackwardCompatible},
		}},
		{Descriptor: camera.CameraDescriptor{
			ID:                "1",
			Facing:            camera.FacingBack,
			SensorOrientation: 90,
			OutputSizes: map[camera.PixelFormat][]camera.Size{
				camera.PixelFormatYUV420: {{Width: 1920, Height: 1080}, {Width: 1280, Height: 720}, {Width: 640, Height: 480}},
			},
			FPSRanges:    colorFPS,
			Capabilities: []camera.Capability{camera.CapabilityBackwardCompatible},
		}},
		{Descriptor: camera.CameraDescriptor{
			ID:                "2",
			Facing:            camera.FacingBack,
			SensorOrientation: 90,
			OutputSizes: map[camera.PixelFormat][]camera.Size{
				camera.PixelFormatYUV420: {{Width: 640, Height: 480}},
			},
			FPSRanges:    []camera.FPSRange{{Min: 30, Max: 30}},
			Capabilities: []camera.Capability{camera.CapabilityDepthOutput},
		}},
		{Descriptor: camera.CameraDescriptor{
			ID:                "3",
			Facing:            camera.FacingExternal,
			SensorOrientation: 0,
			FPSRanges:         []camera.FPSRange{{Min: 15, Max: 15}},
			Capabilities:      []camera.Capability{camera.CapabilityBackwardCompatible},
		}},
	}
}

// SimulatedProvider は非同期コールバックを模倣する camera.Provider
type SimulatedProvider struct {
	logger  *zap.Logger
	latency time.Duration

	mu      sync.Mutex
	order   []string
	cameras map[string]*SimulatedCamera
	devices map[string]*simDevice
}

// NewSimulatedProvider はカタログとコールバック遅延を指定してシミュレーターを作成する
// cameras が空の場合は DefaultSimulatedCameras を使う
func NewSimulatedProvider(cameras []SimulatedCamera, latency time.Duration, logger *zap.Logger) *SimulatedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cameras) == 0 {
		cameras = DefaultSimulatedCameras()
	}
	p := &SimulatedProvider{
		logger:  logger.Named("simulator"),
		latency: latency,
		cameras: make(map[string]*SimulatedCamera, len(cameras)),
		devices: make(map[string]*simDevice),
	}
	for i := range cameras {
		cam := cameras[i]
		p.order = append(p.order, cam.Descriptor.ID)
		p.cameras[cam.Descriptor.ID] = &cam
	}
	return p
}

func (p *SimulatedProvider) CameraIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...), nil
}

func (p *SimulatedProvider) Characteristics(ctx context.Context, id string) (*camera.CameraDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cam, ok := p.cameras[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	return cloneDescriptor(&cam.Descriptor), nil
}

func (p *SimulatedProvider) Open(ctx context.Context, id string, cb camera.DeviceCallbacks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	cam, ok := p.cameras[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	if _, busy := p.devices[id]; busy {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraInUse, id)
	}
	dev := &simDevice{provider: p, id: id, cb: cb}
	p.devices[id] = dev
	failOpen := cam.FailOpen
	p.mu.Unlock()

	p.logger.Debug("デバイスをオープン中", zap.String("camera", id))
	p.after(func() {
		if failOpen {
			cb.OnError(dev, fmt.Errorf("オープンに失敗しました: %w", ErrInjectedFailure))
			return
		}
		cb.OnOpened(dev)
	})
	return nil
}

func (p *SimulatedProvider) NewFrameReader(size camera.Size, format camera.PixelFormat, maxFrames int) (camera.FrameReader, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("不正なフレームサイズ: %s", size)
	}
	if format != camera.PixelFormatYUV420 {
		return nil, fmt.Errorf("サポートされていないピクセルフォーマット: %s", format)
	}
	return newFrameReader(size, format, maxFrames), nil
}

// SetFailOpen は次回以降の Open を失敗させるかを設定する
func (p *SimulatedProvider) SetFailOpen(id string, fail bool) error {
	return p.update(id, func(cam *SimulatedCamera) { cam.FailOpen = fail })
}

// SetFailConfigure は次回以降のセッション生成を失敗させるかを設定する
func (p *SimulatedProvider) SetFailConfigure(id string, fail bool) error {
	return p.update(id, func(cam *SimulatedCamera) { cam.FailConfigure = fail })
}

// Disconnect はオープン中のデバイスの切断を通知する
func (p *SimulatedProvider) Disconnect(id string) error {
	p.mu.Lock()
	dev, ok := p.devices[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("オープンされていないカメラです: %s", id)
	}
	p.logger.Info("デバイスの切断を通知", zap.String("camera", id))
	p.after(func() { dev.cb.OnDisconnected(dev) })
	return nil
}

// OpenDevices はオープン中のデバイス数を返す
func (p *SimulatedProvider) OpenDevices() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

func (p *SimulatedProvider) update(id string, fn func(cam *SimulatedCamera)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cam, ok := p.cameras[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	fn(cam)
	return nil
}

func (p *SimulatedProvider) failConfigure(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cam, ok := p.cameras[id]
	return ok && cam.FailConfigure
}

func (p *SimulatedProvider) release(dev *simDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.devices[dev.id] == dev {
		delete(p.devices, dev.id)
	}
}

// after はコールバックを別ゴルーチンで遅延実行する
func (p *SimulatedProvider) after(fn func()) {
	if p.latency <= 0 {
		go fn()
		return
	}
	time.AfterFunc(p.latency, fn)
}

func cloneDescriptor(d *camera.CameraDescriptor) *camera.CameraDescriptor {
	out := *d
	out.OutputSizes = make(map[camera.PixelFormat][]camera.Size, len(d.OutputSizes))
	for f, sizes := range d.OutputSizes {
		out.OutputSizes[f] = append([]camera.Size(nil), sizes...)
	}
	out.FPSRanges = append([]camera.FPSRange(nil), d.FPSRanges...)
	out.Capabilities = append([]camera.Capability(nil), d.Capabilities...)
	return &out
}

type simDevice struct {
	provider *SimulatedProvider
	id       string
	cb       camera.DeviceCallbacks

	mu      sync.Mutex
	closed  bool
	session *simSession
}

func (d *simDevice) ID() string { return d.id }

func (d *simDevice) CreateCaptureSession(reader camera.FrameReader, cb camera.SessionCallbacks) error {
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
	s := &simSession{device: d, reader: fr, cb: cb}
	d.session = s
	d.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	fail := d.provider.failConfigure(d.id)
	d.provider.after(func() {
		if fail {
			cb.OnConfigureFailed(s, fmt.Errorf("セッションの構成に失敗しました: %w", ErrInjectedFailure))
			return
		}
		cb.OnConfigured(s)
	})
	return nil
}

func (d *simDevice) Close() error {
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
	d.provider.release(d)
	d.provider.logger.Debug("デバイスをクローズ中", zap.String("camera", d.id))
	d.provider.after(func() { d.cb.OnClosed(d) })
	return nil
}

type simSession struct {
	device *simDevice
	reader *frameReader
	cb     camera.SessionCallbacks

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *simSession) SetRepeatingRequest(req camera.CaptureRequest) error {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}
	fps := req.FPSRange.Max
	if fps <= 0 {
		fps = defaultFPS
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.generate(ctx, fps, done)

	s.device.provider.logger.Debug("連続キャプチャを開始",
		zap.String("camera", s.device.id),
		zap.String("request", req.ID.String()),
		zap.Int("fps", fps),
		zap.String("size", s.reader.Size().String()))
	return nil
}

func (s *simSession) StopRepeating() error {
	s.stop()
	return nil
}

func (s *simSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.device.provider.after(func() { s.cb.OnClosed(s) })
	return nil
}

func (s *simSession) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// generate は fps の間隔で合成フレームをリーダーに渡す
func (s *simSession) generate(ctx context.Context, fps int, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	size := s.reader.Size()
	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			s.reader.deliver(syntheticFrame(size.Width, size.Height, seq), size.Width, size.Height)
		}
	}
}

// syntheticFrame は斜めに流れるグラデーションの I420 フレームを生成する
func syntheticFrame(width, height, seq int) []byte {
	buf := make([]byte, yuv420Len(width, height))
	for y := 0; y < height; y++ {
		row := buf[y*width : (y+1)*width]
		for x := range row {
			row[x] = byte(x + y + seq*4)
		}
	}
	for i := width * height; i < len(buf); i++ {
		buf[i] = 128
	}
	return buf
}
