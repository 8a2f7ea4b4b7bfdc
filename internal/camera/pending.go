package camera

import "sync"

// Slot は保留アクションを格納する単発スロットの種類
type Slot int

const (
	SlotAfterClosed            Slot = iota // デバイスのクローズ完了後
	SlotAfterOpened                        // デバイスのオープン完了後
	SlotAfterSessionConfigured             // セッションの設定完了後
	slotCount
)

func (s Slot) String() string {
	switch s {
	case SlotAfterClosed:
		return "after_closed"
	case SlotAfterOpened:
		return "after_opened"
	case SlotAfterSessionConfigured:
		return "after_session_configured"
	default:
		return "unknown"
	}
}

// ActionKind は保留アクションの種類
type ActionKind int

const (
	ActionNone         ActionKind = iota
	ActionStartCapture            // セッションを作成してキャプチャを開始する
	ActionReopen                  // デバイスを開き直す。Resume ならキャプチャも開始する
	ActionCloseDevice             // デバイスを閉じる
	ActionCloseSession            // セッションを閉じる（その後デバイスも閉じられる）
)

func (k ActionKind) String() string {
	switch k {
	case ActionStartCapture:
		return "start_capture"
	case ActionReopen:
		return "reopen"
	case ActionCloseDevice:
		return "close_device"
	case ActionCloseSession:
		return "close_session"
	default:
		return "none"
	}
}

// Action はコールバックで実行される保留中の操作
type Action struct {
	Kind   ActionKind
	Resume bool
}

// IsZero は空のアクションかを返す
func (a Action) IsZero() bool {
	return a.Kind == ActionNone
}

// PendingActions は3つの単発スロット。設定は上書き（後勝ち）で、取り出すと空になる
type PendingActions struct {
	mu    sync.Mutex
	slots [slotCount]Action
}

// Set はスロットにアクションを設定し、上書きされたアクションを返す
func (p *PendingActions) Set(slot Slot, a Action) (replaced Action) {
	p.mu.Lock()
	defer p.mu.Unlock()

	replaced = p.slots[slot]
	p.slots[slot] = a
	return replaced
}

// Take はスロットのアクションを取り出して空にする
func (p *PendingActions) Take(slot Slot) (Action, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.slots[slot]
	p.slots[slot] = Action{}
	return a, !a.IsZero()
}

// Peek はスロットを空にせずに参照する
func (p *PendingActions) Peek(slot Slot) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slot]
}

// Clear はスロットを空にする
func (p *PendingActions) Clear(slot Slot) {
	p.Set(slot, Action{})
}

// Reset はすべてのスロットを空にする
func (p *PendingActions) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = [slotCount]Action{}
}

// Snapshot は全スロットの内容を返す
func (p *PendingActions) Snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, slotCount)
	for i, a := range p.slots {
		if a.IsZero() {
			continue
		}
		out[Slot(i).String()] = a.Kind.String()
	}
	return out
}

// CycleGuard はカメラ切替が同時に1つしか進行しないことを保証する
type CycleGuard struct {
	mu     sync.Mutex
	active bool
}

// TryAcquire は切替を開始できれば true を返す
func (g *CycleGuard) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		return false
	}
	g.active = true
	return true
}

// Release は切替の完了を記録し、保持していたかを返す
func (g *CycleGuard) Release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	was := g.active
	g.active = false
	return was
}

// Active は切替が進行中かを返す
func (g *CycleGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
