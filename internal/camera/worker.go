package camera

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PanicHandler はタスク内で発生したパニックを受け取る
type PanicHandler func(task string, err error)

type workerTask struct {
	name string
	fn   func()
}

// Worker はハードウェアコールバック・フレーム通知・タイマーを直列に実行する単一コンシューマーのタスクキュー
//
// Post されたタスクは投入順に1つのゴルーチンで実行される。
// Stop は投入済みのタスクをすべて実行し終えてから戻る。
type Worker struct {
	name    string
	logger  *zap.Logger
	onPanic PanicHandler

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []workerTask
	timers   map[*time.Timer]struct{}
	started  bool
	stopping bool
	done     chan struct{}
}

// NewWorker は新しいワーカーを作成する。Start を呼ぶまでタスクは実行されない
func NewWorker(name string, logger *zap.Logger, onPanic PanicHandler) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		name:    name,
		logger:  logger.With(zap.String("worker", name)),
		onPanic: onPanic,
		timers:  make(map[*time.Timer]struct{}),
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start はワーカーゴルーチンを開始する
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.stopping {
		return
	}
	w.started = true
	go w.loop()
}

// Post はタスクをキューに追加する。停止後は false を返しタスクは実行されない
func (w *Worker) Post(name string, fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopping {
		return false
	}
	w.queue = append(w.queue, workerTask{name: name, fn: fn})
	w.cond.Signal()
	return true
}

// PostDelayed は d 経過後にタスクをキューに追加する
func (w *Worker) PostDelayed(name string, d time.Duration, fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopping {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, t)
		w.mu.Unlock()
		w.Post(name, fn)
	})
	w.timers[t] = struct{}{}
	return true
}

// Stop は新規タスクの受付を止め、キューを実行し終えるまで待つ
// ワーカー上のタスクから呼んではならない
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopping = true
	for t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[*time.Timer]struct{})
	started := w.started
	w.cond.Broadcast()
	w.mu.Unlock()

	if !started {
		close(w.done)
		return
	}
	<-w.done
}

// Running はタスクを受け付けているかを返す
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopping
}

// Pending はキュー内の未実行タスク数を返す
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) loop() {
	defer close(w.done)
	w.logger.Debug("ワーカーを開始")

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopping {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			w.logger.Debug("ワーカーを停止")
			return
		}
		t := w.queue[0]
		w.queue[0] = workerTask{}
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.run(t)
	}
}

func (w *Worker) run(t workerTask) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("タスク %s でパニック: %v", t.name, r)
			w.logger.Error("タスクが異常終了", zap.String("task", t.name), zap.Error(err), zap.Stack("stack"))
			if w.onPanic != nil {
				w.onPanic(t.name, err)
			}
		}
	}()
	t.fn()
}
