// Package events はキャプチャの状態変化をイベントとして外部に通知する
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"camcap/internal/camera"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Type はイベントの種類。トピックの末尾に使われる
type Type string

const (
	TypeStateChanged  Type = "state_changed"
	TypeCaptureError  Type = "capture_error"
	TypeCameraChanged Type = "camera_changed"
)

// Event は通知1件分のペイロード
type Event struct {
	ID          string    `json:"id" msgpack:"id"`
	Type        Type      `json:"type" msgpack:"type"`
	Time        time.Time `json:"time" msgpack:"time"`
	From        string    `json:"from,omitempty" msgpack:"from,omitempty"`
	To          string    `json:"to,omitempty" msgpack:"to,omitempty"`
	CameraIndex *int      `json:"camera_index,omitempty" msgpack:"camera_index,omitempty"`
	Error       string    `json:"error,omitempty" msgpack:"error,omitempty"`
	Kind        string    `json:"kind,omitempty" msgpack:"kind,omitempty"`
}

func newEvent(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC()}
}

// StateChanged は状態遷移イベントを作成する
func StateChanged(from, to camera.CameraState) Event {
	ev := newEvent(TypeStateChanged)
	ev.From, ev.To = from.String(), to.String()
	return ev
}

// CaptureError は障害イベントを作成する
func CaptureError(err error) Event {
	ev := newEvent(TypeCaptureError)
	if err != nil {
		ev.Error = err.Error()
	}
	ev.Kind = camera.KindOf(err).String()
	return ev
}

// CameraChanged はカメラ切替イベントを作成する
func CameraChanged(index int) Event {
	ev := newEvent(TypeCameraChanged)
	ev.CameraIndex = &index
	return ev
}

// Encoder はイベントをペイロードに変換する
type Encoder func(ev Event) ([]byte, error)

// EncoderFor はエンコーディング名に対応する Encoder を返す
func EncoderFor(name string) (Encoder, error) {
	switch name {
	case "", "json":
		return func(ev Event) ([]byte, error) { return json.Marshal(ev) }, nil
	case "msgpack":
		return func(ev Event) ([]byte, error) { return msgpack.Marshal(ev) }, nil
	default:
		return nil, fmt.Errorf("サポートされていないエンコーディング: %q", name)
	}
}
