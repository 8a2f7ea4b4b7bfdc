package camera

import (
	"context"
	"fmt"
)

// DeviceSession は唯一のデバイスハンドルと保留アクションを保持する
// 呼び出しはすべて Capturer のロック下で行われる
type DeviceSession struct {
	provider Provider

	handle         Device
	cameraID       string
	opening        bool
	closeRequested bool
	gen            uint64 // オープン要求の世代

	Pending PendingActions
}

// NewDeviceSession は DeviceSession を作成する
func NewDeviceSession(provider Provider) *DeviceSession {
	return &DeviceSession{provider: provider}
}

// Open はデバイスのオープンを要求する。ハンドルが残っている間は開けない
// callbacks には今回の要求の世代が渡される
func (d *DeviceSession) Open(ctx context.Context, id string, callbacks func(gen uint64) DeviceCallbacks) error {
	if d.handle != nil || d.opening {
		return newFault(FaultState, "open_device", fmt.Errorf("カメラ %s が開いたままのため %s を開けない", d.cameraID, id))
	}
	d.gen++
	d.opening = true
	d.cameraID = id
	if err := d.provider.Open(ctx, id, callbacks(d.gen)); err != nil {
		d.opening = false
		return newFault(FaultAccess, "open_device", fmt.Errorf("カメラ %s のオープンに失敗: %w", id, err))
	}
	return nil
}

// Current は世代が最新のオープン要求のものかを返す
func (d *DeviceSession) Current(gen uint64) bool {
	return gen == d.gen
}

// Opening はオープン完了通知を待っているかを返す
func (d *DeviceSession) Opening() bool {
	return d.handle == nil && d.opening
}

// Abandon は完了通知の来ないオープン要求を放棄する
// 後から届いた通知は古い世代として扱われる
func (d *DeviceSession) Abandon() {
	if !d.Opening() {
		return
	}
	d.opening = false
	d.gen++
}

// Attach はオープン完了したデバイスをハンドルとして保持する
// 要求していないデバイスであれば false を返す
func (d *DeviceSession) Attach(dev Device) bool {
	if d.handle != nil && d.handle != dev {
		return false
	}
	if d.handle == nil && !d.opening {
		return false
	}
	d.handle = dev
	d.opening = false
	d.closeRequested = false
	return true
}

// Owns はデバイスが現在のハンドル（またはオープン要求中のもの）かを返す
func (d *DeviceSession) Owns(dev Device) bool {
	if d.handle != nil {
		return d.handle == dev
	}
	return d.opening
}

// Handle は現在のデバイスハンドルを返す
func (d *DeviceSession) Handle() Device {
	return d.handle
}

// CameraID は最後にオープンを要求したカメラIDを返す
func (d *DeviceSession) CameraID() string {
	return d.cameraID
}

// IsOpen はハンドルを保持しているか、オープン要求中かを返す
func (d *DeviceSession) IsOpen() bool {
	return d.handle != nil || d.opening
}

// Close はデバイスのクローズを要求する。2回目以降の要求は無視される
func (d *DeviceSession) Close() error {
	if d.handle == nil || d.closeRequested {
		return nil
	}
	d.closeRequested = true
	if err := d.handle.Close(); err != nil {
		return newFault(FaultAccess, "close_device", fmt.Errorf("カメラ %s のクローズに失敗: %w", d.cameraID, err))
	}
	return nil
}

// CloseDevice はオープン前に失敗したデバイスなど、ハンドルとして保持していないデバイスを閉じる
func (d *DeviceSession) CloseDevice(dev Device) error {
	if dev == nil {
		return nil
	}
	if d.handle == nil {
		d.handle = dev
		d.opening = false
	}
	return d.Close()
}

// Detach はクローズ完了時にハンドルを手放す
func (d *DeviceSession) Detach() {
	d.handle = nil
	d.opening = false
	d.closeRequested = false
}
