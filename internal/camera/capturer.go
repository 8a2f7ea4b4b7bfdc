package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options は Capturer の設定
type Options struct {
	Resolution          Resolution
	FrameRate           FrameRate
	Facing              Facing
	Mirror              bool
	MaxFrames           int
	OrientationInterval time.Duration

	// CallbackTimeout が正の値なら、Setup / CreateSession / Closing で
	// コールバックが来ないまま経過した場合に Error へ遷移する
	CallbackTimeout time.Duration
}

// DefaultOptions は既定の設定を返す
func DefaultOptions() Options {
	return Options{
		Resolution:          ResolutionMedium,
		FrameRate:           FrameRate30,
		Facing:              FacingFront,
		Mirror:              true,
		MaxFrames:           3,
		OrientationInterval: DefaultOrientationInterval,
	}
}

// Status は Capturer の現在の状態
type Status struct {
	State             string            `json:"state"`
	CameraIndex       int               `json:"camera_index"`
	CameraID          string            `json:"camera_id,omitempty"`
	Capturing         bool              `json:"capturing"`
	Cycling           bool              `json:"cycling"`
	WorkerRunning     bool              `json:"worker_running"`
	Rotation          int               `json:"rotation"`
	Frames            FrameStats        `json:"frames"`
	RepeatingRequests int64             `json:"repeating_requests"`
	SessionActive     bool              `json:"session_active"`
	RequestID         string            `json:"request_id,omitempty"`
	QueuedTasks       int               `json:"queued_tasks"`
	Faults            uint64            `json:"faults"`
	LastError         string            `json:"last_error,omitempty"`
	Pending           map[string]string `json:"pending,omitempty"`
}

// Capturer はキャプチャデバイスのライフサイクル状態機械
//
// 公開コマンドは mu で直列化される。ハードウェアのコールバックはワーカーに投入され、
// ワーカー上でも mu を取得して状態を進める。コマンドはコールバックを待たず、
// 即座に実行できなければ保留スロットに積んで戻る。
type Capturer struct {
	provider    Provider
	selector    *Selector
	orientation *OrientationTracker
	device      *DeviceSession
	sessions    *SessionManager
	pipeline    *FramePipeline
	recovery    *ErrorRecovery
	guard       CycleGuard
	observer    Observer
	opts        Options
	logger      *zap.Logger

	state  atomic.Int32
	index  atomic.Int32
	active atomic.Pointer[CameraDescriptor]
	worker atomic.Pointer[Worker]

	mu         sync.Mutex
	reader     FrameReader
	fps        FPSRange
	announce   bool
	outbox     []func()
	timeoutGen uint64
	runCtx     context.Context
	cancel     context.CancelFunc
}

// New は Capturer を作成し、希望の向きのカメラとフレームリーダーを選択する
// カメラが見つからない場合、Init は ErrCameraIndexUnresolved を返す
func New(ctx context.Context, provider Provider, display DisplayRotation, sink FrameSink, observer Observer, opts Options, logger *zap.Logger) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = Observers{}
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = 3
	}
	logger = logger.Named("capturer")

	c := &Capturer{
		provider: provider,
		selector: NewSelector(provider, PixelFormatYUV420),
		device:   NewDeviceSession(provider),
		sessions: NewSessionManager(logger),
		observer: observer,
		opts:     opts,
		logger:   logger,
	}
	c.orientation = NewOrientationTracker(display, opts.OrientationInterval, logger)
	c.recovery = NewErrorRecovery(&c.guard, logger)
	c.pipeline = NewFramePipeline(sink, c.orientation, opts.Mirror, c.State, c.active.Load, logger)
	c.state.Store(int32(StateClosed))
	c.index.Store(NotFound)

	_ = c.withLock(func() error {
		idx, err := c.selector.SelectCamera(ctx, opts.Facing)
		if err != nil {
			return c.failLocked(err)
		}
		if idx == NotFound {
			c.logger.Warn("利用可能なカメラがない")
			return nil
		}
		c.index.Store(int32(idx))
		return c.initFrameReaderLocked(ctx)
	})
	return c
}

// State は現在の状態を返す
func (c *Capturer) State() CameraState {
	return CameraState(c.state.Load())
}

// CameraIndex は選択中のカメラのインデックスを返す
func (c *Capturer) CameraIndex() int {
	return int(c.index.Load())
}

// IsCaptureStarted はキャプチャ中かを返す
func (c *Capturer) IsCaptureStarted() bool {
	return c.State() == StateCapture
}

// Cycling はカメラ切替が進行中かを返す
func (c *Capturer) Cycling() bool {
	return c.guard.Active()
}

// CaptureSettings はパブリッシャーに公開するキャプチャ設定を返す
// リーダー未確保時の幅・高さは -1
func (c *Capturer) CaptureSettings() CaptureSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CaptureSettings{
		FPS:               c.opts.FrameRate.FPS(),
		Width:             -1,
		Height:            -1,
		PixelFormat:       PixelFormatYUV420,
		ExpectedDelay:     0,
		MirrorLocalRender: c.opts.Mirror,
	}
	if c.reader != nil {
		size := c.reader.Size()
		s.Width, s.Height = size.Width, size.Height
	}
	return s
}

// Status は状態と統計をまとめて返す
func (c *Capturer) Status() Status {
	c.mu.Lock()
	cameraID := c.device.CameraID()
	pending := c.device.Pending.Snapshot()
	sessionActive := c.sessions.Active() != nil
	req, built := c.sessions.Request()
	c.mu.Unlock()

	st := Status{
		State:             c.State().String(),
		CameraIndex:       c.CameraIndex(),
		CameraID:          cameraID,
		Capturing:         c.IsCaptureStarted(),
		Cycling:           c.guard.Active(),
		Rotation:          c.orientation.RotationFor(c.active.Load()),
		Frames:            c.pipeline.Stats(),
		RepeatingRequests: c.sessions.Submitted(),
		SessionActive:     sessionActive,
		Faults:            c.recovery.Faults(),
		Pending:           pending,
	}
	if built {
		st.RequestID = req.ID.String()
	}
	if w := c.worker.Load(); w != nil {
		st.WorkerRunning = w.Running()
		st.QueuedTasks = w.Pending()
	}
	if _, err := c.recovery.Last(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Init はワーカーと回転ポーリングを開始し、デバイスのオープンを要求して Setup に遷移する
func (c *Capturer) Init(ctx context.Context) error {
	return c.withLock(func() error {
		if c.index.Load() == NotFound {
			err := newFault(FaultState, "init", ErrCameraIndexUnresolved)
			c.logger.Warn("カメラ未選択のため初期化できない", zap.Error(err))
			return err
		}

		switch st := c.State(); st {
		case StateClosed, StateError:
		default:
			err := stateFault("init", st)
			c.logger.Warn("初期化済みのため無視", zap.Error(err))
			return err
		}

		c.ensureWorkerLocked()
		c.orientation.Start(c.worker.Load())
		c.device.Pending.Reset()
		c.active.Store(nil)

		if c.State() == StateError && c.device.Opening() {
			c.logger.Warn("応答のないオープン要求を放棄", zap.String("camera", c.device.CameraID()))
			c.device.Abandon()
		}
		if c.State() == StateError && c.device.IsOpen() {
			// 前回のデバイスを閉じてから開き直す
			c.setStateLocked(StateClosing)
			c.device.Pending.Set(SlotAfterClosed, Action{Kind: ActionReopen})
			c.armTimeoutLocked(StateClosing)
			if err := c.device.Close(); err != nil {
				return c.failLocked(err)
			}
			return nil
		}
		if c.reader == nil {
			if err := c.initFrameReaderLocked(ctx); err != nil {
				return err
			}
		}
		return c.openLocked(ctx)
	})
}

// StartCapture はキャプチャを開始する。状態に応じて即時実行か保留を選ぶ
func (c *Capturer) StartCapture(ctx context.Context) error {
	return c.withLock(func() error {
		return c.startCaptureLocked(ctx)
	})
}

// StopCapture はキャプチャを停止する。どの経路でも最終的にクローズ完了通知で Closed に至る
func (c *Capturer) StopCapture(ctx context.Context) error {
	return c.withLock(func() error {
		return c.stopCaptureLocked()
	})
}

// Destroy は回転ポーリングとワーカーを停止し、フレームリーダーを解放する
// キャプチャ中は実行できない。Observer のコールバック内から呼んではならない
func (c *Capturer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if st := c.State(); st == StateCapture {
		c.mu.Unlock()
		err := newFault(FaultState, "destroy", ErrCapturing)
		c.logger.Warn("キャプチャ中のため破棄できない", zap.Error(err))
		return err
	}
	c.orientation.Stop()
	c.timeoutGen++
	w := c.worker.Swap(nil)
	c.mu.Unlock()

	// ワーカー上のタスクも mu を取るため、ロックを外して待つ
	if w != nil {
		w.Stop()
	}

	return c.withLock(func() error {
		if c.cancel != nil {
			c.cancel()
			c.runCtx, c.cancel = nil, nil
		}
		if c.reader == nil {
			return nil
		}
		r := c.reader
		c.reader = nil
		if err := r.Close(); err != nil {
			return newFault(FaultResource, "destroy", fmt.Errorf("フレームリーダーの解放に失敗: %w", err))
		}
		c.logger.Info("キャプチャを破棄")
		return nil
	})
}

// CycleCamera は次に使えるカメラへ切り替える。切替中の呼び出しは何もしない
func (c *Capturer) CycleCamera(ctx context.Context) error {
	if !c.guard.TryAcquire() {
		c.logger.Debug("カメラ切替が進行中のため無視")
		return nil
	}
	return c.withLock(func() error {
		next, err := c.selector.NextUsableIndex(ctx, c.CameraIndex())
		if err != nil {
			return c.failLocked(err)
		}
		if next == NotFound {
			return c.failLocked(newFault(FaultAccess, "cycle_camera", ErrNoUsableCamera))
		}
		return c.swapLocked(ctx, next)
	})
}

// SwapCamera は指定インデックスのカメラへ切り替える
// キャプチャ中であれば停止し、クローズ後に開き直してキャプチャを再開する
func (c *Capturer) SwapCamera(ctx context.Context, index int) error {
	return c.withLock(func() error {
		ids, err := c.provider.CameraIDs(ctx)
		if err != nil {
			return c.failLocked(newFault(FaultAccess, "swap_camera", fmt.Errorf("カメラ一覧の取得に失敗: %w", err)))
		}
		if index < 0 || index >= len(ids) {
			return newFault(FaultState, "swap_camera", fmt.Errorf("インデックス %d は範囲外 (カメラ数 %d): %w", index, len(ids), ErrCameraIndexUnresolved))
		}
		return c.swapLocked(ctx, index)
	})
}

func (c *Capturer) swapLocked(ctx context.Context, index int) error {
	old := c.State()
	c.logger.Info("カメラを切り替え",
		zap.Int("from", c.CameraIndex()),
		zap.Int("to", index),
		zap.Stringer("state", old),
	)

	switch old {
	case StateCapture:
		if err := c.stopCaptureLocked(); err != nil {
			return err
		}
		c.index.Store(int32(index))
		c.device.Pending.Set(SlotAfterClosed, Action{Kind: ActionReopen, Resume: true})
	case StateClosed:
		c.index.Store(int32(index))
		if w := c.worker.Load(); w == nil || !w.Running() {
			// 未初期化。リーダーだけ選び直す
			if err := c.initFrameReaderLocked(ctx); err != nil {
				return err
			}
			break
		}
		if err := c.reopenLocked(ctx, true); err != nil {
			return err
		}
	case StateError:
		c.index.Store(int32(index))
		c.device.Pending.Reset()
		c.ensureWorkerLocked()
		c.orientation.Start(c.worker.Load())
		if c.device.Opening() {
			c.logger.Warn("応答のないオープン要求を放棄", zap.String("camera", c.device.CameraID()))
			c.device.Abandon()
		}
		if c.device.IsOpen() {
			c.setStateLocked(StateClosing)
			c.device.Pending.Set(SlotAfterClosed, Action{Kind: ActionReopen, Resume: true})
			c.armTimeoutLocked(StateClosing)
			if err := c.device.Close(); err != nil {
				return c.failLocked(err)
			}
			break
		}
		c.setStateLocked(StateClosed)
		if err := c.reopenLocked(ctx, true); err != nil {
			return err
		}
	case StateClosing:
		c.index.Store(int32(index))
		if a := c.device.Pending.Peek(SlotAfterClosed); !(a.Kind == ActionReopen && a.Resume) {
			c.device.Pending.Clear(SlotAfterClosed)
		}
	default:
		// 開いているデバイスは次のクローズまで使い続ける
		c.index.Store(int32(index))
		c.device.Pending.Clear(SlotAfterClosed)
	}

	c.announce = true
	if !c.sessionExpectedLocked() {
		c.completeChangeLocked()
	}
	return nil
}

// sessionExpectedLocked はこの後セッション設定完了通知が来る見込みかを返す
func (c *Capturer) sessionExpectedLocked() bool {
	switch c.State() {
	case StateCreateSession:
		return true
	case StateSetup:
		return c.device.Pending.Peek(SlotAfterOpened).Kind == ActionStartCapture
	case StateClosing:
		a := c.device.Pending.Peek(SlotAfterClosed)
		return a.Kind == ActionReopen && a.Resume
	default:
		return false
	}
}

// completeChangeLocked は切替を完了し、カメラ変更を通知する
func (c *Capturer) completeChangeLocked() {
	c.guard.Release()
	if !c.announce {
		return
	}
	c.announce = false
	index := c.CameraIndex()
	c.emit(func() { c.observer.OnCameraChanged(index) })
}

func (c *Capturer) startCaptureLocked(ctx context.Context) error {
	switch st := c.State(); st {
	case StateClosing:
		c.device.Pending.Set(SlotAfterClosed, Action{Kind: ActionReopen, Resume: true})
		c.logger.Debug("クローズ完了後に再オープンして開始")
		return nil
	case StateClosed:
		if w := c.worker.Load(); w == nil || !w.Running() {
			return newFault(FaultState, "start_capture", ErrNotInitialized)
		}
		return c.reopenLocked(ctx, true)
	default:
		return c.scheduleStartLocked()
	}
}

func (c *Capturer) scheduleStartLocked() error {
	switch st := c.State(); st {
	case StateOpen:
		return c.createSessionLocked()
	case StateSetup:
		c.device.Pending.Set(SlotAfterOpened, Action{Kind: ActionStartCapture})
		c.logger.Debug("オープン完了後にキャプチャを開始")
		return nil
	case StateCreateSession:
		c.logger.Debug("セッション生成は要求済み")
		return nil
	default:
		err := stateFault("start_capture", st)
		c.logger.Warn("キャプチャを開始できない", zap.Error(err))
		return err
	}
}

func (c *Capturer) stopCaptureLocked() error {
	switch st := c.State(); st {
	case StateCapture:
		err := c.sessions.Stop()
		c.active.Store(nil)
		if err != nil {
			return c.failLocked(err)
		}
		c.setStateLocked(StateClosing)
		c.armTimeoutLocked(StateClosing)
		return nil
	case StateOpen:
		c.setStateLocked(StateClosing)
		c.armTimeoutLocked(StateClosing)
		if err := c.device.Close(); err != nil {
			return c.failLocked(err)
		}
		return nil
	case StateSetup:
		c.device.Pending.Set(SlotAfterOpened, Action{Kind: ActionCloseDevice})
		c.logger.Debug("オープン完了後にクローズ")
		return nil
	case StateCreateSession:
		c.device.Pending.Set(SlotAfterSessionConfigured, Action{Kind: ActionCloseSession})
		c.logger.Debug("セッション設定完了後にクローズ")
		return nil
	case StateClosing:
		// 後から来たコマンドが優先される
		if a, ok := c.device.Pending.Take(SlotAfterClosed); ok {
			c.logger.Debug("保留中の再オープンを取り消し", zap.Stringer("action", a.Kind))
		}
		return nil
	case StateClosed:
		return nil
	default:
		err := stateFault("stop_capture", st)
		c.logger.Warn("キャプチャを停止できない", zap.Error(err))
		return err
	}
}

// reopenLocked はフレームリーダーを選び直してデバイスを開く。resume ならキャプチャ開始も予約する
func (c *Capturer) reopenLocked(ctx context.Context, resume bool) error {
	if err := c.initFrameReaderLocked(ctx); err != nil {
		return err
	}
	if err := c.openLocked(ctx); err != nil {
		return err
	}
	if resume {
		return c.scheduleStartLocked()
	}
	return nil
}

func (c *Capturer) openLocked(ctx context.Context) error {
	id, err := c.selector.CameraID(ctx, c.CameraIndex())
	if err != nil {
		return c.failLocked(err)
	}
	fps, err := c.selector.SelectFPSRange(ctx, id, c.opts.FrameRate.FPS())
	if err != nil {
		return c.failLocked(err)
	}
	desc, err := c.provider.Characteristics(ctx, id)
	if err != nil {
		return c.failLocked(newFault(FaultAccess, "open_device", fmt.Errorf("カメラ %s の情報取得に失敗: %w", id, err)))
	}
	c.fps = fps
	c.active.Store(desc)

	c.setStateLocked(StateSetup)
	if err := c.device.Open(ctx, id, func(gen uint64) DeviceCallbacks {
		return deviceCallbacks{c: c, gen: gen}
	}); err != nil {
		return c.failLocked(err)
	}
	c.armTimeoutLocked(StateSetup)
	c.logger.Info("カメラのオープンを要求",
		zap.String("camera", id),
		zap.Stringer("facing", desc.Facing),
		zap.Stringer("fps", fps),
	)
	return nil
}

func (c *Capturer) initFrameReaderLocked(ctx context.Context) error {
	id, err := c.selector.CameraID(ctx, c.CameraIndex())
	if err != nil {
		return c.failLocked(err)
	}
	want := c.opts.Resolution.Size()
	size, err := c.selector.SelectPreferredSize(ctx, id, want.Width, want.Height)
	if err != nil {
		return c.failLocked(err)
	}
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("フレームリーダーの解放に失敗", zap.Error(err))
		}
		c.reader = nil
	}
	reader, err := c.provider.NewFrameReader(size, PixelFormatYUV420, c.opts.MaxFrames)
	if err != nil {
		return c.failLocked(newFault(FaultAccess, "init_reader", fmt.Errorf("フレームリーダーの確保に失敗 (%s): %w", size, err)))
	}
	reader.SetFrameListener(c.onFrame)
	c.reader = reader
	c.logger.Debug("フレームリーダーを確保", zap.String("camera", id), zap.Stringer("size", size))
	return nil
}

func (c *Capturer) createSessionLocked() error {
	dev := c.device.Handle()
	if dev == nil {
		return newFault(FaultState, "create_session", fmt.Errorf("デバイスが開かれていない"))
	}
	req := BuildRequest(c.active.Load(), c.reader, c.fps)
	c.setStateLocked(StateCreateSession)
	callbacks := func(gen uint64) SessionCallbacks { return sessionCallbacks{c: c, gen: gen} }
	if err := c.sessions.Create(dev, c.reader, req, callbacks); err != nil {
		return c.failLocked(err)
	}
	c.armTimeoutLocked(StateCreateSession)
	return nil
}

func (c *Capturer) runActionLocked(a Action) {
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	c.logger.Debug("保留アクションを実行", zap.Stringer("action", a.Kind), zap.Bool("resume", a.Resume))

	var err error
	switch a.Kind {
	case ActionStartCapture:
		err = c.scheduleStartLocked()
	case ActionReopen:
		err = c.reopenLocked(ctx, a.Resume)
	case ActionCloseDevice:
		c.setStateLocked(StateClosing)
		c.armTimeoutLocked(StateClosing)
		if cerr := c.device.Close(); cerr != nil {
			err = c.failLocked(cerr)
		}
	case ActionCloseSession:
		err = c.stopCaptureLocked()
	}
	if err != nil {
		c.logger.Warn("保留アクションが失敗", zap.Stringer("action", a.Kind), zap.Error(err))
	}
}

// failLocked は ErrorRecovery を通して Error に遷移し、err をそのまま返す
func (c *Capturer) failLocked(err error) error {
	prev := c.State()
	c.setStateLocked(StateError)
	c.announce = false
	if c.recovery.Handle(prev, err) {
		c.emit(func() { c.observer.OnCaptureError(err) })
	}
	return err
}

func (c *Capturer) setStateLocked(to CameraState) {
	from := CameraState(c.state.Swap(int32(to)))
	c.timeoutGen++
	if from == to {
		return
	}
	c.logger.Debug("状態遷移", zap.Stringer("from", from), zap.Stringer("to", to))
	if so, ok := c.observer.(StateObserver); ok {
		c.emit(func() { so.OnStateChanged(from, to) })
	}
}

func (c *Capturer) armTimeoutLocked(expect CameraState) {
	if c.opts.CallbackTimeout <= 0 {
		return
	}
	w := c.worker.Load()
	if w == nil {
		return
	}
	gen := c.timeoutGen
	w.PostDelayed("callback.timeout", c.opts.CallbackTimeout, func() {
		_ = c.withLock(func() error {
			if gen != c.timeoutGen || c.State() != expect {
				return nil
			}
			return c.failLocked(newFault(FaultAccess, "watchdog",
				fmt.Errorf("状態 %s で %s 待機: %w", expect, c.opts.CallbackTimeout, ErrCallbackTimeout)))
		})
	})
}

func (c *Capturer) ensureWorkerLocked() {
	if w := c.worker.Load(); w != nil && w.Running() {
		return
	}
	w := NewWorker("camera", c.logger, c.handlePanic)
	w.Start()
	c.worker.Store(w)
	if c.cancel == nil {
		c.runCtx, c.cancel = context.WithCancel(context.Background())
	}
}

func (c *Capturer) handlePanic(task string, err error) {
	_ = c.withLock(func() error {
		return c.failLocked(newFault(FaultUnexpected, task, err))
	})
}

// emit は通知をロック解放後に配送するため保留する
func (c *Capturer) emit(fn func()) {
	c.outbox = append(c.outbox, fn)
}

// withLock は mu の下で fn を実行し、解放後に保留された通知を配送する
func (c *Capturer) withLock(fn func() error) error {
	c.mu.Lock()
	defer func() {
		out := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		for _, n := range out {
			n()
		}
	}()
	return fn()
}

// post はハードウェアのコールバックをワーカーに投入する
func (c *Capturer) post(name string, fn func()) {
	w := c.worker.Load()
	if w == nil || !w.Post(name, fn) {
		c.logger.Warn("ワーカー停止中のため通知を破棄", zap.String("event", name))
	}
}

func (c *Capturer) onFrame(frame RawFrame) {
	w := c.worker.Load()
	if w == nil || !w.Post("frame", func() { c.pipeline.Process(frame) }) {
		frame.Release()
	}
}

func (c *Capturer) handleOpened(gen uint64, dev Device) {
	_ = c.withLock(func() error {
		if !c.device.Current(gen) || !c.device.Attach(dev) {
			c.logger.Warn("要求していないデバイスのオープン通知", zap.String("camera", dev.ID()))
			return dev.Close()
		}
		if c.State() == StateError {
			c.device.Pending.Clear(SlotAfterOpened)
			c.logger.Debug("Error 状態のためオープン後の処理を行わない", zap.String("camera", dev.ID()))
			return nil
		}
		c.setStateLocked(StateOpen)
		c.logger.Info("カメラをオープン", zap.String("camera", dev.ID()))
		if a, ok := c.device.Pending.Take(SlotAfterOpened); ok {
			c.runActionLocked(a)
		}
		return nil
	})
}

func (c *Capturer) handleDisconnected(gen uint64, dev Device) {
	_ = c.withLock(func() error {
		if !c.device.Current(gen) || !c.device.Owns(dev) {
			return nil
		}
		c.logger.Warn("カメラが切断された", zap.String("camera", dev.ID()))
		c.device.Pending.Clear(SlotAfterClosed)
		if st := c.State(); st != StateError && st != StateClosing {
			c.setStateLocked(StateClosing)
		}
		if err := c.device.CloseDevice(dev); err != nil {
			return c.failLocked(err)
		}
		return nil
	})
}

func (c *Capturer) handleDeviceError(gen uint64, dev Device, cause error) {
	_ = c.withLock(func() error {
		if !c.device.Current(gen) || !c.device.Owns(dev) {
			return nil
		}
		err := c.failLocked(newFault(FaultAccess, "device", fmt.Errorf("カメラ %s でエラー: %w", dev.ID(), cause)))
		if cerr := c.device.CloseDevice(dev); cerr != nil {
			c.logger.Warn("エラー後のクローズに失敗", zap.Error(cerr))
		}
		return err
	})
}

func (c *Capturer) handleClosed(gen uint64, dev Device) {
	_ = c.withLock(func() error {
		if !c.device.Current(gen) || !c.device.Owns(dev) {
			return nil
		}
		c.device.Detach()
		c.sessions.Reset()
		c.logger.Info("カメラをクローズ", zap.String("camera", dev.ID()))

		if c.State() == StateError {
			c.device.Pending.Clear(SlotAfterClosed)
			return nil
		}
		c.setStateLocked(StateClosed)
		if a, ok := c.device.Pending.Take(SlotAfterClosed); ok {
			c.runActionLocked(a)
		}
		if !c.sessionExpectedLocked() && (c.guard.Active() || c.announce) {
			c.completeChangeLocked()
		}
		return nil
	})
}

func (c *Capturer) handleConfigured(gen uint64, s Session) {
	_ = c.withLock(func() error {
		if !c.sessions.Current(gen) {
			c.logger.Warn("古いセッションの設定完了通知")
			return s.Close()
		}
		if st := c.State(); st != StateCreateSession {
			c.logger.Warn("想定外のセッション設定完了通知", zap.Stringer("state", st))
			return s.Close()
		}
		c.setStateLocked(StateCapture)
		if err := c.sessions.Commit(s); err != nil {
			c.device.Pending.Clear(SlotAfterSessionConfigured)
			return c.failLocked(err)
		}
		c.logger.Info("キャプチャを開始", zap.Int("camera_index", c.CameraIndex()))
		if a, ok := c.device.Pending.Take(SlotAfterSessionConfigured); ok {
			c.runActionLocked(a)
		}
		if c.guard.Active() || c.announce {
			c.completeChangeLocked()
		}
		return nil
	})
}

func (c *Capturer) handleConfigureFailed(gen uint64, s Session, cause error) {
	_ = c.withLock(func() error {
		if !c.sessions.Current(gen) {
			c.logger.Debug("古いセッションの設定失敗通知を無視", zap.Error(cause))
			return nil
		}
		c.device.Pending.Clear(SlotAfterSessionConfigured)
		if cause == nil {
			cause = errors.New("原因不明")
		}
		return c.failLocked(newFault(FaultConfiguration, "configure_session", fmt.Errorf("セッション設定に失敗: %w", cause)))
	})
}

func (c *Capturer) handleSessionClosed(gen uint64, s Session) {
	_ = c.withLock(func() error {
		c.sessions.Detach(s)
		if !c.sessions.Current(gen) || !c.device.IsOpen() {
			return nil
		}
		switch st := c.State(); st {
		case StateCapture, StateCreateSession, StateOpen:
			c.setStateLocked(StateClosing)
			c.armTimeoutLocked(StateClosing)
		}
		if err := c.device.Close(); err != nil {
			return c.failLocked(err)
		}
		return nil
	})
}

// deviceCallbacks は1回のオープン要求に紐づくコールバック
type deviceCallbacks struct {
	c   *Capturer
	gen uint64
}

func (cb deviceCallbacks) OnOpened(dev Device) {
	cb.c.post("device.opened", func() { cb.c.handleOpened(cb.gen, dev) })
}

func (cb deviceCallbacks) OnDisconnected(dev Device) {
	cb.c.post("device.disconnected", func() { cb.c.handleDisconnected(cb.gen, dev) })
}

func (cb deviceCallbacks) OnError(dev Device, err error) {
	cb.c.post("device.error", func() { cb.c.handleDeviceError(cb.gen, dev, err) })
}

func (cb deviceCallbacks) OnClosed(dev Device) {
	cb.c.post("device.closed", func() { cb.c.handleClosed(cb.gen, dev) })
}

type sessionCallbacks struct {
	c   *Capturer
	gen uint64
}

func (cb sessionCallbacks) OnConfigured(s Session) {
	cb.c.post("session.configured", func() { cb.c.handleConfigured(cb.gen, s) })
}

func (cb sessionCallbacks) OnConfigureFailed(s Session, err error) {
	cb.c.post("session.configure_failed", func() { cb.c.handleConfigureFailed(cb.gen, s, err) })
}

func (cb sessionCallbacks) OnClosed(s Session) {
	cb.c.post("session.closed", func() { cb.c.handleSessionClosed(cb.gen, s) })
}
