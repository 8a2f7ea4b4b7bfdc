package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"camcap/internal/camera"

	"go.uber.org/zap"
)

const webcamFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
		Size: Discrete 1280x720
			Interval: Discrete 0.100s (10.000 fps)
	[1]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
`

const irFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'GREY' (8-bit Greyscale)
		Size: Discrete 640x360
			Interval: Discrete 0.033s (30.000 fps)
`

const metadataFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture
`

func TestParseFormats(t *testing.T) {
	formats := parseFormats(webcamFormats)
	if len(formats) != 2 {
		t.Fatalf("Expected 2 formats, got %d", len(formats))
	}

	yuyv := formats[0]
	if yuyv.FourCC != "YUYV" || yuyv.Description != "YUYV 4:2:2" {
		t.Errorf("Unexpected format: %+v", yuyv)
	}
	if len(yuyv.Sizes) != 2 {
		t.Fatalf("Expected 2 sizes, got %d", len(yuyv.Sizes))
	}
	if yuyv.Sizes[0].Size != (camera.Size{Width: 640, Height: 480}) {
		t.Errorf("Unexpected size: %s", yuyv.Sizes[0].Size)
	}
	if got := yuyv.Sizes[0].FPS; len(got) != 2 || got[0] != 30 || got[1] != 15 {
		t.Errorf("Unexpected intervals: %v", got)
	}
	if got := formats[1].Sizes[1].Size; got != (camera.Size{Width: 1920, Height: 1080}) {
		t.Errorf("Unexpected MJPG size: %s", got)
	}
}

func TestParseFormats_Stepwise(t *testing.T) {
	out := `	[0]: 'NV12' (Y/CbCr 4:2:0)
		Size: Stepwise 32x32 - 1920x1080 with step 2/2
`
	formats := parseFormats(out)
	if len(formats) != 1 || len(formats[0].Sizes) != 1 {
		t.Fatalf("Unexpected parse result: %+v", formats)
	}
	if got := formats[0].Sizes[0].Size; got != (camera.Size{Width: 1920, Height: 1080}) {
		t.Errorf("Expected maximum stepwise size, got %s", got)
	}
}

func TestBuildDescriptor(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantUsable bool
		wantDepth  bool
		wantSizes  int
		wantFPS    []int
	}{
		{"カラーカメラ", webcamFormats, true, false, 3, []int{10, 15, 30}},
		{"IRカメラ", irFormats, false, true, 0, []int{30}},
		{"メタデータノード", metadataFormats, false, false, 0, []int{defaultFPS}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := buildDescriptor("/dev/video0", parseFormats(tt.output))

			if desc.Facing != camera.FacingExternal || desc.SensorOrientation != 0 {
				t.Errorf("Expected external camera with orientation 0, got %s/%d", desc.Facing, desc.SensorOrientation)
			}
			if got := camera.IsUsable(desc, camera.PixelFormatYUV420); got != tt.wantUsable {
				t.Errorf("Expected usable=%v, got %v", tt.wantUsable, got)
			}
			if got := desc.HasCapability(camera.CapabilityDepthOutput); got != tt.wantDepth {
				t.Errorf("Expected depth=%v, got %v", tt.wantDepth, got)
			}
			if got := len(desc.SizesFor(camera.PixelFormatYUV420)); got != tt.wantSizes {
				t.Errorf("Expected %d sizes, got %d", tt.wantSizes, got)
			}
			if len(desc.FPSRanges) != len(tt.wantFPS) {
				t.Fatalf("Expected fps %v, got %v", tt.wantFPS, desc.FPSRanges)
			}
			for i, fps := range tt.wantFPS {
				if desc.FPSRanges[i] != (camera.FPSRange{Min: fps, Max: fps}) {
					t.Errorf("Expected fps range %d at %d, got %s", fps, i, desc.FPSRanges[i])
				}
			}
		})
	}
}

func TestParseCardType(t *testing.T) {
	out := `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:00:14.0-1
`
	if got := parseCardType(out); got != "HD Pro Webcam C920" {
		t.Errorf("Unexpected card type: %q", got)
	}
	if got := parseCardType("Driver name : uvcvideo"); got != "" {
		t.Errorf("Expected empty card type, got %q", got)
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	tests := []struct {
		device string
		want   int
	}{
		{"/dev/video0", 0},
		{"/dev/video12", 12},
		{"/dev/video", -1},
		{"/dev/media0", -1},
	}
	for _, tt := range tests {
		if got := extractDeviceNumber(tt.device); got != tt.want {
			t.Errorf("extractDeviceNumber(%s) = %d, want %d", tt.device, got, tt.want)
		}
	}
}

// newTestV4L2Provider は一時ディレクトリのファイルをデバイスとして扱う
func newTestV4L2Provider(t *testing.T, formats map[string]string, cards map[string]string) (*V4L2Provider, string) {
	t.Helper()
	dir := t.TempDir()
	for name := range formats {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	p := NewV4L2Provider(V4L2Options{
		DevicePattern: filepath.Join(dir, "video*"),
		FFmpegPath:    filepath.Join(dir, "no-such-ffmpeg"),
	}, zap.NewNop())
	p.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		dev := filepath.Base(args[1])
		switch args[2] {
		case "--list-formats-ext":
			out, ok := formats[dev]
			if !ok {
				return nil, errors.New("no such device")
			}
			return []byte(out), nil
		case "--info":
			return []byte("Card type : " + cards[dev]), nil
		}
		return nil, errors.New("unexpected command")
	}
	return p, dir
}

func TestV4L2Provider_CameraIDs(t *testing.T) {
	formats := map[string]string{
		"video0":  webcamFormats,
		"video1":  metadataFormats,
		"video2":  webcamFormats,
		"video10": irFormats,
		"video3":  webcamFormats,
	}
	cards := map[string]string{
		"video0": "C920",
		"video2": "C920",
		"video3": "Integrated Camera",
	}
	p, dir := newTestV4L2Provider(t, formats, cards)

	ids, err := p.CameraIDs(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := []string{
		filepath.Join(dir, "video0"),
		filepath.Join(dir, "video3"),
		filepath.Join(dir, "video10"),
	}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, ids[i])
		}
	}

	desc, err := p.Characteristics(context.Background(), ids[2])
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !desc.HasCapability(camera.CapabilityDepthOutput) {
		t.Error("Expected greyscale device to be depth output")
	}

	// 切替先には IR デバイスを選ばない
	descs := make([]*camera.CameraDescriptor, len(ids))
	for i, id := range ids {
		descs[i], _ = p.Characteristics(context.Background(), id)
	}
	if got := camera.NextUsable(descs, 1, camera.PixelFormatYUV420); got != 0 {
		t.Errorf("Expected next usable camera 0, got %d", got)
	}
}

func TestV4L2Provider_OpenAndConfigure(t *testing.T) {
	p, dir := newTestV4L2Provider(t, map[string]string{"video0": webcamFormats}, nil)
	ctx := context.Background()
	dev0 := filepath.Join(dir, "video0")

	events := newDeviceEvents()
	if err := p.Open(ctx, dev0, events); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := p.Open(ctx, dev0, events); !errors.Is(err, ErrCameraInUse) {
		t.Errorf("Expected ErrCameraInUse, got %v", err)
	}
	dev := receive(t, events.opened, "opened")

	// ffmpeg が見つからない場合はセッションの構成に失敗する
	reader, _ := p.NewFrameReader(camera.Size{Width: 640, Height: 480}, camera.PixelFormatYUV420, 3)
	sessEvents := newSessionEvents()
	if err := dev.CreateCaptureSession(reader, sessEvents); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	receive(t, sessEvents.failed, "configure failed")

	_ = dev.Close()
	receive(t, events.closed, "closed")
	if err := dev.CreateCaptureSession(reader, sessEvents); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Expected ErrDeviceClosed, got %v", err)
	}

	// クローズ後は再オープンできる
	if err := p.Open(ctx, dev0, events); err != nil {
		t.Errorf("Expected reopen to succeed, got %v", err)
	}
	receive(t, events.opened, "reopened")
}

func TestV4L2Provider_OpenMissingDevice(t *testing.T) {
	p, dir := newTestV4L2Provider(t, map[string]string{}, nil)
	events := newDeviceEvents()
	if err := p.Open(context.Background(), filepath.Join(dir, "video7"), events); err != nil {
		t.Fatalf("Expected asynchronous failure, got %v", err)
	}
	if err := receive(t, events.errored, "error"); err == nil {
		t.Error("Expected error for missing device")
	}
}

func TestSplitYUV420(t *testing.T) {
	buf := make([]byte, yuv420Len(4, 2))
	planes := splitYUV420(buf, 4, 2)
	if len(planes) != 3 {
		t.Fatalf("Expected 3 planes, got %d", len(planes))
	}
	if len(planes[0].Buffer) != 8 || len(planes[1].Buffer) != 2 || len(planes[2].Buffer) != 2 {
		t.Errorf("Unexpected plane sizes: %d/%d/%d", len(planes[0].Buffer), len(planes[1].Buffer), len(planes[2].Buffer))
	}
	if planes[1].RowStride != 2 {
		t.Errorf("Expected chroma row stride 2, got %d", planes[1].RowStride)
	}
	if splitYUV420(buf[:5], 4, 2) != nil {
		t.Error("Expected short buffer to yield no planes")
	}
}
