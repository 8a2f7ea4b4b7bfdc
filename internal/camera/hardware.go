package camera

import (
	"context"

	"github.com/google/uuid"
)

// Provider はキャプチャハードウェアへのアクセスを提供する
// Open とセッション生成は非同期で、完了はコールバックで通知される
type Provider interface {
	// CameraIDs は利用可能なカメラIDをカタログ順に返す
	CameraIDs(ctx context.Context) ([]string, error)
	// Characteristics はカメラの不変情報を返す
	Characteristics(ctx context.Context, id string) (*CameraDescriptor, error)
	// Open はデバイスのオープンを要求する。結果は cb に通知される
	Open(ctx context.Context, id string, cb DeviceCallbacks) error
	// NewFrameReader はフレーム受け取り用のリーダーを確保する
	NewFrameReader(size Size, format PixelFormat, maxFrames int) (FrameReader, error)
}

// DeviceCallbacks はデバイスの状態変化通知
type DeviceCallbacks interface {
	OnOpened(dev Device)
	OnDisconnected(dev Device)
	OnError(dev Device, err error)
	OnClosed(dev Device)
}

// Device はオープン済みのハードウェアデバイス
type Device interface {
	ID() string
	// CreateCaptureSession はリーダーを出力先とするセッションの生成を要求する
	CreateCaptureSession(reader FrameReader, cb SessionCallbacks) error
	// Close はクローズを要求する。完了は DeviceCallbacks.OnClosed で通知される
	Close() error
}

// SessionCallbacks はキャプチャセッションの状態変化通知
type SessionCallbacks interface {
	OnConfigured(s Session)
	OnConfigureFailed(s Session, err error)
	OnClosed(s Session)
}

// Session は設定済みのキャプチャセッション
type Session interface {
	SetRepeatingRequest(req CaptureRequest) error
	StopRepeating() error
	Close() error
}

// FrameListener はフレーム到着通知
type FrameListener func(frame RawFrame)

// FrameReader はハードウェアからのフレームを受け取る出力先
type FrameReader interface {
	Size() Size
	Format() PixelFormat
	SetFrameListener(l FrameListener)
	Close() error
}

// RawFrame はハードウェア所有のフレーム。Release は必ず1回呼ぶこと
type RawFrame interface {
	Planes() []Plane
	Width() int
	Height() int
	Release()
}

// DisplayRotation は画面の回転角（度）を返す
type DisplayRotation interface {
	Rotation() int
}

// RequestTemplate はキャプチャリクエストのテンプレート
type RequestTemplate string

const (
	TemplatePreview RequestTemplate = "preview"
	TemplateRecord  RequestTemplate = "record"
)

// AFMode はオートフォーカスモード
type AFMode string

const (
	AFModeContinuousPicture AFMode = "continuous_picture"
)

// ControlMode は3A制御モード
type ControlMode string

const (
	ControlModeAuto         ControlMode = "auto"
	ControlModeUseSceneMode ControlMode = "use_scene_mode"
)

// SceneMode はシーンモード
type SceneMode string

const (
	SceneModeDisabled     SceneMode = ""
	SceneModeFacePriority SceneMode = "face_priority"
)

// CaptureRequest は連続キャプチャの要求内容
type CaptureRequest struct {
	ID          uuid.UUID
	Template    RequestTemplate
	Target      FrameReader
	FPSRange    FPSRange
	AFMode      AFMode
	ControlMode ControlMode
	SceneMode   SceneMode
}

// FrameSink はパイプラインからフレームを受け取る
type FrameSink interface {
	OnFrame(frame FrameDescriptor)
}

// FrameSinkFunc は関数を FrameSink として扱うアダプタ
type FrameSinkFunc func(frame FrameDescriptor)

func (f FrameSinkFunc) OnFrame(frame FrameDescriptor) { f(frame) }

// Observer はキャプチャの障害とカメラ切替を受け取る
type Observer interface {
	OnCaptureError(err error)
	OnCameraChanged(index int)
}

// StateObserver は状態遷移も受け取りたい Observer が追加で実装する
type StateObserver interface {
	OnStateChanged(from, to CameraState)
}

// Observers は複数の Observer に通知を分配する
type Observers []Observer

func (o Observers) OnCaptureError(err error) {
	for _, obs := range o {
		obs.OnCaptureError(err)
	}
}

func (o Observers) OnCameraChanged(index int) {
	for _, obs := range o {
		obs.OnCameraChanged(index)
	}
}

func (o Observers) OnStateChanged(from, to CameraState) {
	for _, obs := range o {
		if so, ok := obs.(StateObserver); ok {
			so.OnStateChanged(from, to)
		}
	}
}
