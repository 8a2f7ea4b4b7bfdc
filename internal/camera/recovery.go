package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrorRecovery は障害処理の単一の入口
// Error 状態への遷移と切替中フラグの解除を行い、Error に入るたびに1回だけ通知を要求する
// 自動リトライは行わない
type ErrorRecovery struct {
	guard  *CycleGuard
	logger *zap.Logger

	faults atomic.Uint64

	mu     sync.Mutex
	last   error
	lastAt time.Time
}

// NewErrorRecovery は ErrorRecovery を作成する
func NewErrorRecovery(guard *CycleGuard, logger *zap.Logger) *ErrorRecovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorRecovery{guard: guard, logger: logger}
}

// Handle は障害を記録し、通知すべきなら true を返す
// prev は障害発生前の状態。すでに Error であれば通知しない
func (r *ErrorRecovery) Handle(prev CameraState, err error) bool {
	r.faults.Add(1)
	cycling := r.guard.Release()

	r.mu.Lock()
	r.last = err
	r.lastAt = time.Now()
	r.mu.Unlock()

	r.logger.Error("キャプチャで障害が発生",
		zap.Error(err),
		zap.Stringer("kind", KindOf(err)),
		zap.Stringer("prev_state", prev),
		zap.Bool("cycle_in_progress", cycling),
		zap.Stack("stack"),
	)
	return prev != StateError
}

// Faults は記録した障害の累計数を返す
func (r *ErrorRecovery) Faults() uint64 {
	return r.faults.Load()
}

// Last は最後に記録した障害とその時刻を返す
func (r *ErrorRecovery) Last() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAt, r.last
}
