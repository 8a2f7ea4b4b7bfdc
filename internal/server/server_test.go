package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"camcap/internal/camera"
	"camcap/internal/config"
	"camcap/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeController はコマンドの呼び出しを記録する
type fakeController struct {
	mu     sync.Mutex
	calls  []string
	err    error
	status camera.Status
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) Init(context.Context) error         { return f.record("init") }
func (f *fakeController) StartCapture(context.Context) error { return f.record("start") }
func (f *fakeController) StopCapture(context.Context) error  { return f.record("stop") }
func (f *fakeController) CycleCamera(context.Context) error  { return f.record("cycle") }
func (f *fakeController) Destroy(context.Context) error      { return f.record("destroy") }

func (f *fakeController) SwapCamera(_ context.Context, index int) error {
	if index < 0 || index > 1 {
		return &camera.Fault{Kind: camera.FaultState, Op: "swap", Err: camera.ErrCameraIndexUnresolved}
	}
	return f.record(fmt.Sprintf("swap:%d", index))
}

func (f *fakeController) Status() camera.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) CaptureSettings() camera.CaptureSettings {
	return camera.CaptureSettings{FPS: 30, Width: 640, Height: 480, PixelFormat: camera.PixelFormatYUV420}
}

func (f *fakeController) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCatalog struct {
	descs []*camera.CameraDescriptor
}

func (c *fakeCatalog) CameraIDs(context.Context) ([]string, error) {
	ids := make([]string, len(c.descs))
	for i, d := range c.descs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (c *fakeCatalog) Characteristics(_ context.Context, id string) (*camera.CameraDescriptor, error) {
	for _, d := range c.descs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("unknown camera %s", id)
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{descs: []*camera.CameraDescriptor{
		{
			ID:                "0",
			Facing:            camera.FacingFront,
			SensorOrientation: 270,
			OutputSizes:       map[camera.PixelFormat][]camera.Size{camera.PixelFormatYUV420: {{Width: 640, Height: 480}}},
			FPSRanges:         []camera.FPSRange{{Min: 30, Max: 30}},
			Capabilities:      []camera.Capability{camera.CapabilityBackwardCompatible},
		},
		{
			ID:           "1",
			Facing:       camera.FacingBack,
			Capabilities: []camera.Capability{camera.CapabilityDepthOutput},
		},
	}}
}

func newTestServer(ctrl *fakeController, hub *FrameHub) *Server {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	return New(cfg, Deps{
		Controller: ctrl,
		Catalog:    testCatalog(),
		Hub:        hub,
		EventStats: func() events.Stats { return events.Stats{Connected: true} },
	}, zap.NewNop())
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// TestServerEndpoints は参照系エンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	ctrl := &fakeController{status: camera.Status{State: "capture", CameraIndex: 0, Capturing: true}}
	srv := newTestServer(ctrl, NewFrameHub(nil))

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contains       string
	}{
		{"ルートエンドポイント", "/", http.StatusOK, "camcap"},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, `"healthy"`},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, `"state":"capture"`},
		{"設定エンドポイント", "/api/settings", http.StatusOK, `"pixel_format":"yuv420p"`},
		{"存在しないエンドポイント", "/api/unknown", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, srv.Handler(), http.MethodGet, tc.endpoint)
			if w.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, tc.expectedStatus)
			}
			if tc.contains != "" && !strings.Contains(w.Body.String(), tc.contains) {
				t.Errorf("レスポンスに %s が含まれていません: %s", tc.contains, w.Body.String())
			}
		})
	}
}

// TestGetStatusIncludesEvents はイベント統計がステータスに含まれることをテストする
func TestGetStatusIncludesEvents(t *testing.T) {
	srv := newTestServer(&fakeController{}, NewFrameHub(nil))
	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/status")

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Status != "running" || resp.Events == nil || !resp.Events.Connected {
		t.Errorf("予期しないステータス: %+v", resp)
	}
}

// TestGetCameras はカメラ一覧をテストする
func TestGetCameras(t *testing.T) {
	ctrl := &fakeController{status: camera.Status{CameraIndex: 0}}
	srv := newTestServer(ctrl, nil)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/cameras")
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d", w.Code)
	}

	var resp struct {
		Cameras []struct {
			Index        int      `json:"index"`
			ID           string   `json:"id"`
			Active       bool     `json:"active"`
			Usable       bool     `json:"usable"`
			Facing       string   `json:"facing"`
			Capabilities []string `json:"capabilities"`
		} `json:"cameras"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if len(resp.Cameras) != 2 {
		t.Fatalf("カメラ数が一致しません: %d", len(resp.Cameras))
	}
	front, depth := resp.Cameras[0], resp.Cameras[1]
	if !front.Active || !front.Usable || front.Facing != "front" {
		t.Errorf("前面カメラの情報が不正です: %+v", front)
	}
	if depth.Active || depth.Usable || depth.Capabilities[0] != "depth_output" {
		t.Errorf("深度カメラの情報が不正です: %+v", depth)
	}
}

// TestCaptureCommands はキャプチャ操作のエンドポイントをテストする
func TestCaptureCommands(t *testing.T) {
	ctrl := &fakeController{status: camera.Status{State: "setup"}}
	srv := newTestServer(ctrl, nil)

	for _, cmd := range []string{"init", "start", "stop", "cycle", "destroy"} {
		w := doRequest(t, srv.Handler(), http.MethodPost, "/api/capture/"+cmd)
		if w.Code != http.StatusAccepted {
			t.Errorf("%s: 予期しないステータスコード: %d", cmd, w.Code)
		}
		var resp CommandResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Command != cmd || resp.State != "setup" {
			t.Errorf("%s: 予期しないレスポンス: %+v", cmd, resp)
		}
	}

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/capture/swap/1")
	if w.Code != http.StatusAccepted {
		t.Errorf("swap: 予期しないステータスコード: %d", w.Code)
	}

	want := []string{"init", "start", "stop", "cycle", "destroy", "swap:1"}
	got := ctrl.history()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("呼び出し順が一致しません: got %v, want %v", got, want)
	}

	if w := doRequest(t, srv.Handler(), http.MethodGet, "/api/capture/start"); w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET は受け付けないはずです: %d", w.Code)
	}
}

// TestCaptureCommandErrors はエラーとステータスコードの対応をテストする
func TestCaptureCommandErrors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		path     string
		wantCode int
		wantKind string
	}{
		{"状態の誤用", &camera.Fault{Kind: camera.FaultState, Op: "start", Err: camera.ErrNotInitialized}, "/api/capture/start", http.StatusConflict, "state"},
		{"アクセス障害", &camera.Fault{Kind: camera.FaultAccess, Op: "open", Err: fmt.Errorf("busy")}, "/api/capture/init", http.StatusInternalServerError, "access"},
		{"分類なしのエラー", fmt.Errorf("unexpected"), "/api/capture/cycle", http.StatusInternalServerError, ""},
		{"数値でないインデックス", nil, "/api/capture/swap/abc", http.StatusBadRequest, ""},
		{"範囲外のインデックス", nil, "/api/capture/swap/5", http.StatusBadRequest, "state"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeController{err: tc.err}, nil)
			w := doRequest(t, srv.Handler(), http.MethodPost, tc.path)
			if w.Code != tc.wantCode {
				t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, tc.wantCode)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("レスポンスの解析に失敗しました: %v", err)
			}
			if resp.Kind != tc.wantKind || resp.Message == "" {
				t.Errorf("予期しないエラーレスポンス: %+v", resp)
			}
		})
	}
}

// TestFramesWebSocket はフレームメタデータの配信をテストする
func TestFramesWebSocket(t *testing.T) {
	hub := NewFrameHub(zap.NewNop())
	srv := newTestServer(&fakeController{}, hub)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/frames"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗しました: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("クライアントが登録されていません: %d", hub.Clients())
	}

	frame := camera.FrameDescriptor{Seq: 7, TraceID: "trace", Width: 4, Height: 2, Rotation: 90, Mirrored: true}
	frame.Planes[0].Buffer = make([]byte, 8)
	frame.Planes[1].Buffer = make([]byte, 2)
	frame.Planes[2].Buffer = make([]byte, 2)
	hub.OnFrame(frame)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg FrameMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("メッセージの受信に失敗しました: %v", err)
	}
	if msg.Seq != 7 || msg.Rotation != 90 || !msg.Mirrored || msg.Planes != [3]int{8, 2, 2} {
		t.Errorf("予期しないメッセージ: %+v", msg)
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 0 {
		t.Errorf("切断後もクライアントが残っています: %d", hub.Clients())
	}
}

// TestFrameHubDropsForSlowClients は送信が詰まったクライアント宛てを破棄することをテストする
func TestFrameHubDropsForSlowClients(t *testing.T) {
	hub := NewFrameHub(nil)
	cl := &hubClient{send: make(chan []byte, 1)}
	hub.clients[cl] = struct{}{}

	hub.Broadcast([]byte("a"))
	hub.Broadcast([]byte("b"))
	hub.Broadcast([]byte("c"))

	if got := hub.Dropped(); got != 2 {
		t.Errorf("破棄数が一致しません: got %d, want 2", got)
	}
}

// TestFramesWebSocketDisabled はハブなしの場合をテストする
func TestFramesWebSocketDisabled(t *testing.T) {
	srv := newTestServer(&fakeController{}, nil)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/ws/frames")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("予期しないステータスコード: %d", w.Code)
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := newTestServer(&fakeController{}, NewFrameHub(nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リスナーの作成に失敗しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("予期しないステータスコード: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}
