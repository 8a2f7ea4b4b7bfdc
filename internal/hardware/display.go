package hardware

import (
	"fmt"
	"sync/atomic"
)

// StaticDisplay は外部から設定される画面回転
type StaticDisplay struct {
	rotation atomic.Int32
}

// NewStaticDisplay は初期回転角を指定して StaticDisplay を作成する
func NewStaticDisplay(rotation int) (*StaticDisplay, error) {
	d := &StaticDisplay{}
	if err := d.SetRotation(rotation); err != nil {
		return nil, err
	}
	return d, nil
}

// Rotation は現在の回転角（度）を返す
func (d *StaticDisplay) Rotation() int {
	return int(d.rotation.Load())
}

// SetRotation は回転角を設定する。0/90/180/270 のみ受け付ける
func (d *StaticDisplay) SetRotation(rotation int) error {
	switch rotation {
	case 0, 90, 180, 270:
		d.rotation.Store(int32(rotation))
		return nil
	default:
		return fmt.Errorf("サポートされていない回転角: %d", rotation)
	}
}
