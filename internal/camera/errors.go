package camera

import (
	"errors"
	"fmt"
)

// FaultKind は障害の分類
type FaultKind int

const (
	FaultUnexpected    FaultKind = iota // 想定外の例外
	FaultAccess                         // アクセス拒否・デバイス使用中・情報取得失敗
	FaultConfiguration                  // セッション設定失敗
	FaultState                          // 不正な状態でのコマンド呼び出し
	FaultResource                       // 不完全なフレーム
)

func (k FaultKind) String() string {
	switch k {
	case FaultAccess:
		return "access"
	case FaultConfiguration:
		return "configuration"
	case FaultState:
		return "state"
	case FaultResource:
		return "resource"
	default:
		return "unexpected"
	}
}

var (
	ErrCameraIndexUnresolved = errors.New("カメラインデックスが未解決")
	ErrNoUsableCamera        = errors.New("利用可能なカメラがない")
	ErrNotInitialized        = errors.New("キャプチャが初期化されていない")
	ErrIncompleteFrame       = errors.New("プレーンが欠けたフレーム")
	ErrCallbackTimeout       = errors.New("ハードウェアコールバックがタイムアウト")
	ErrCapturing             = errors.New("キャプチャ中は実行できない")
)

// Fault は分類付きのエラー
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s障害", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s障害: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func newFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func stateFault(op string, state CameraState) *Fault {
	return newFault(FaultState, op, fmt.Errorf("状態 %s では実行できない", state))
}

// KindOf はエラーの分類を返す。Fault でなければ FaultUnexpected
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultUnexpected
}

// IsStateFault はコマンドの誤用によるエラーかを返す
func IsStateFault(err error) bool {
	return err != nil && KindOf(err) == FaultState
}
