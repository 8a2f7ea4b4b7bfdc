package camera

import (
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWorker_RunsTasksInOrder(t *testing.T) {
	w := NewWorker("test", zap.NewNop(), nil)
	w.Start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		w.Post("task", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	w.Stop()

	if len(got) != 50 {
		t.Fatalf("Expected Stop to drain 50 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected FIFO order, got %d at %d", v, i)
		}
	}

	if w.Post("late", func() {}) {
		t.Error("Expected Post after Stop to be rejected")
	}
	if w.Running() {
		t.Error("Expected worker not to be running after Stop")
	}
	// 2回目の Stop はすぐ戻る
	w.Stop()
}

func TestWorker_RecoversPanic(t *testing.T) {
	var mu sync.Mutex
	var panics []string
	w := NewWorker("test", zap.NewNop(), func(task string, err error) {
		mu.Lock()
		defer mu.Unlock()
		panics = append(panics, task+": "+err.Error())
	})
	w.Start()

	ran := make(chan struct{})
	w.Post("boom", func() { panic("broken callback") })
	w.Post("after", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected worker to keep running after a panic")
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(panics) != 1 {
		t.Fatalf("Expected 1 panic report, got %d", len(panics))
	}
	if !strings.Contains(panics[0], "boom") || !strings.Contains(panics[0], "broken callback") {
		t.Errorf("Unexpected panic report: %s", panics[0])
	}
}

func TestWorker_PostDelayed(t *testing.T) {
	w := NewWorker("test", zap.NewNop(), nil)
	w.Start()
	defer w.Stop()

	fired := make(chan time.Time, 1)
	start := time.Now()
	w.PostDelayed("delayed", 20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 20*time.Millisecond {
			t.Errorf("Expected delay of at least 20ms, got %s", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delayed task")
	}
}

func TestWorker_StopCancelsTimers(t *testing.T) {
	w := NewWorker("test", zap.NewNop(), nil)
	w.Start()

	fired := make(chan struct{}, 1)
	w.PostDelayed("delayed", 30*time.Millisecond, func() { fired <- struct{}{} })
	w.Stop()

	select {
	case <-fired:
		t.Error("Expected delayed task to be cancelled by Stop")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := NewWorker("test", nil, nil)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Stop without Start to return")
	}
}
