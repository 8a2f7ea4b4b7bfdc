package camera

import (
	"fmt"
	"strings"
	"time"
)

// CameraState はキャプチャデバイスのライフサイクル状態を表す
type CameraState int32

const (
	StateClosed        CameraState = iota // デバイスは閉じている
	StateClosing                          // クローズ完了通知を待っている
	StateSetup                            // オープン完了通知を待っている
	StateOpen                             // デバイスは開いている
	StateCreateSession                    // セッション設定完了通知を待っている
	StateCapture                          // 連続キャプチャ中
	StateError                            // 障害発生。Init でのみ復帰する
)

func (s CameraState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateClosing:
		return "closing"
	case StateSetup:
		return "setup"
	case StateOpen:
		return "open"
	case StateCreateSession:
		return "create_session"
	case StateCapture:
		return "capture"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Facing はデバイス本体に対するカメラの向き
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingBack:
		return "back"
	case FacingExternal:
		return "external"
	default:
		return "unknown"
	}
}

func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ParseFacing は設定値の文字列から Facing を得る
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front":
		return FacingFront, nil
	case "back":
		return FacingBack, nil
	case "external":
		return FacingExternal, nil
	default:
		return FacingFront, fmt.Errorf("不明なカメラの向き: %q", s)
	}
}

// Capability はカメラが宣言する能力フラグ
type Capability int

const (
	CapabilityBackwardCompatible Capability = iota // 通常のカラー出力に対応
	CapabilityDepthOutput                          // 深度出力専用センサー
)

func (c Capability) String() string {
	switch c {
	case CapabilityBackwardCompatible:
		return "backward_compatible"
	case CapabilityDepthOutput:
		return "depth_output"
	default:
		return "unknown"
	}
}

func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// PixelFormat はフレームのピクセルフォーマット
type PixelFormat string

const (
	// PixelFormatYUV420 はパイプラインが固定で使用するプレーナーYUV 4:2:0
	PixelFormatYUV420 PixelFormat = "yuv420p"
)

// Size は出力解像度
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// FPSRange はハードウェアが受け付けるフレームレートの範囲
type FPSRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r FPSRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// CameraDescriptor はカメラ毎の不変の情報
type CameraDescriptor struct {
	ID                string                 `json:"id"`
	Facing            Facing                 `json:"facing"`
	SensorOrientation int                    `json:"sensor_orientation"` // 度
	OutputSizes       map[PixelFormat][]Size `json:"output_sizes"`
	FPSRanges         []FPSRange             `json:"fps_ranges"`
	Capabilities      []Capability           `json:"capabilities"`
}

// SizesFor は指定フォーマットでサポートされる出力サイズを返す
func (d *CameraDescriptor) SizesFor(format PixelFormat) []Size {
	if d == nil || d.OutputSizes == nil {
		return nil
	}
	return d.OutputSizes[format]
}

// HasCapability は能力フラグが宣言されているかを返す
func (d *CameraDescriptor) HasCapability(c Capability) bool {
	if d == nil {
		return false
	}
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// IsFrontFacing は前面カメラかどうかを返す
func (d *CameraDescriptor) IsFrontFacing() bool {
	return d != nil && d.Facing == FacingFront
}

// Plane はプレーナーフォーマットの1成分
type Plane struct {
	Buffer      []byte
	PixelStride int
	RowStride   int
}

// FrameDescriptor はシンクに渡されるフレーム。シンクは呼び出し中のみ参照してよい
type FrameDescriptor struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Planes    [3]Plane
	Width     int
	Height    int
	Rotation  int // 0/90/180/270
	Mirrored  bool
}

// CaptureSettings はパブリッシャーに公開するキャプチャ設定
type CaptureSettings struct {
	FPS               int         `json:"fps"`
	Width             int         `json:"width"`
	Height            int         `json:"height"`
	PixelFormat       PixelFormat `json:"pixel_format"`
	ExpectedDelay     int         `json:"expected_delay"`
	MirrorLocalRender bool        `json:"mirror_local_render"`
}

// Resolution は解像度の段階
type Resolution int

const (
	ResolutionLow Resolution = iota
	ResolutionMedium
	ResolutionHigh
	ResolutionHigh1080p
)

// Size は段階に対応する幅・高さを返す
func (r Resolution) Size() Size {
	switch r {
	case ResolutionLow:
		return Size{Width: 352, Height: 288}
	case ResolutionMedium:
		return Size{Width: 640, Height: 480}
	case ResolutionHigh:
		return Size{Width: 1280, Height: 720}
	case ResolutionHigh1080p:
		return Size{Width: 1920, Height: 1080}
	default:
		return Size{Width: 640, Height: 480}
	}
}

func (r Resolution) String() string {
	switch r {
	case ResolutionLow:
		return "low"
	case ResolutionMedium:
		return "medium"
	case ResolutionHigh:
		return "high"
	case ResolutionHigh1080p:
		return "high_1080p"
	default:
		return "medium"
	}
}

// ParseResolution は設定値の文字列から Resolution を得る
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ResolutionLow, nil
	case "medium":
		return ResolutionMedium, nil
	case "high":
		return ResolutionHigh, nil
	case "high_1080p", "1080p":
		return ResolutionHigh1080p, nil
	default:
		return ResolutionMedium, fmt.Errorf("不明な解像度: %q", s)
	}
}

// FrameRate はフレームレートの段階
type FrameRate int

const (
	FrameRate1 FrameRate = iota
	FrameRate7
	FrameRate15
	FrameRate30
)

// FPS は段階に対応する整数のフレームレートを返す
func (f FrameRate) FPS() int {
	switch f {
	case FrameRate1:
		return 1
	case FrameRate7:
		return 7
	case FrameRate15:
		return 15
	case FrameRate30:
		return 30
	default:
		return 30
	}
}

// ParseFrameRate は整数のFPSから FrameRate を得る
func ParseFrameRate(fps int) (FrameRate, error) {
	switch fps {
	case 1:
		return FrameRate1, nil
	case 7:
		return FrameRate7, nil
	case 15:
		return FrameRate15, nil
	case 30:
		return FrameRate30, nil
	default:
		return FrameRate30, fmt.Errorf("サポートされていないフレームレート: %d", fps)
	}
}
