package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultOrientationInterval は画面回転のポーリング間隔
const DefaultOrientationInterval = 750 * time.Millisecond

// OrientationTracker は画面回転を一定間隔でポーリングしてキャッシュする
// ポーリングはワーカー上で実行されるため、フレーム毎の同期問い合わせは発生しない
type OrientationTracker struct {
	display  DisplayRotation
	interval time.Duration
	logger   *zap.Logger

	rotation atomic.Int32

	mu      sync.Mutex
	worker  *Worker
	running bool
	gen     uint64
}

// NewOrientationTracker は OrientationTracker を作成する。interval が0以下なら既定値を使う
func NewOrientationTracker(display DisplayRotation, interval time.Duration, logger *zap.Logger) *OrientationTracker {
	if interval <= 0 {
		interval = DefaultOrientationInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrientationTracker{
		display:  display,
		interval: interval,
		logger:   logger,
	}
}

// Start は worker 上でポーリングを開始する。すでに動作中なら何もしない
func (t *OrientationTracker) Start(w *Worker) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running && t.worker == w {
		return
	}
	t.gen++
	t.worker = w
	t.running = true
	gen := t.gen
	w.Post("orientation.poll", func() { t.poll(gen) })
}

// Stop はポーリングを停止する
func (t *OrientationTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	t.gen++
	t.worker = nil
}

// Rotation はキャッシュされた画面回転（度）を返す
func (t *OrientationTracker) Rotation() int {
	return int(t.rotation.Load())
}

// Refresh は画面回転を即座に読み直す
func (t *OrientationTracker) Refresh() {
	if t.display == nil {
		return
	}
	cur := int32(t.display.Rotation())
	if prev := t.rotation.Swap(cur); prev != cur {
		t.logger.Debug("画面回転を更新", zap.Int32("from", prev), zap.Int32("to", cur))
	}
}

// RotationFor はカメラの向きとセンサー角を加味したフレームの回転角を返す
func (t *OrientationTracker) RotationFor(desc *CameraDescriptor) int {
	if desc == nil {
		return 0
	}
	return FrameRotation(t.Rotation(), desc.SensorOrientation, desc.IsFrontFacing())
}

// FrameRotation は画面回転とセンサー角からフレームの回転角を計算する
//
//	背面: |(display - sensor) mod 360|
//	前面: (display + sensor + 360) mod 360
func FrameRotation(display, sensor int, front bool) int {
	if front {
		return (display + sensor + 360) % 360
	}
	return abs((display - sensor) % 360)
}

func (t *OrientationTracker) poll(gen uint64) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	w := t.worker
	t.mu.Unlock()

	t.Refresh()
	w.PostDelayed("orientation.poll", t.interval, func() { t.poll(gen) })
}
