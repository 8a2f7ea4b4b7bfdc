package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"camcap/internal/camera"
	"camcap/internal/events"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller は HTTP から操作するキャプチャ
type Controller interface {
	Init(ctx context.Context) error
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	CycleCamera(ctx context.Context) error
	SwapCamera(ctx context.Context, index int) error
	Destroy(ctx context.Context) error
	Status() camera.Status
	CaptureSettings() camera.CaptureSettings
}

// Catalog はカメラ一覧の取得元
type Catalog interface {
	CameraIDs(ctx context.Context) ([]string, error)
	Characteristics(ctx context.Context, id string) (*camera.CameraDescriptor, error)
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse は /api/status のレスポンス
type StatusResponse struct {
	Status    string        `json:"status"`
	Capture   camera.Status `json:"capture"`
	Clients   int           `json:"clients"`
	Dropped   uint64        `json:"dropped_messages"`
	Events    *events.Stats `json:"events,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// CameraInfo は /api/cameras の1要素
type CameraInfo struct {
	Index  int  `json:"index"`
	Active bool `json:"active"`
	Usable bool `json:"usable"`
	camera.CameraDescriptor
}

// CommandResponse はキャプチャ操作のレスポンス
type CommandResponse struct {
	Command     string `json:"command"`
	State       string `json:"state"`
	CameraIndex int    `json:"camera_index"`
}

// Handler は HTTP ハンドラーをまとめる
type Handler struct {
	controller Controller
	catalog    Catalog
	hub        *FrameHub
	eventStats func() events.Stats
	logger     *zap.Logger
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	resp := StatusResponse{
		Status:    "running",
		Capture:   h.controller.Status(),
		Timestamp: time.Now(),
	}
	if h.hub != nil {
		resp.Clients = h.hub.Clients()
		resp.Dropped = h.hub.Dropped()
	}
	if h.eventStats != nil {
		stats := h.eventStats()
		resp.Events = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// GetSettings は現在のキャプチャ設定を返す
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.CaptureSettings())
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetCameras(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.catalog.CameraIDs(ctx)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "camera_list_failed", err)
		return
	}

	active := h.controller.Status().CameraIndex
	cameras := make([]CameraInfo, 0, len(ids))
	for i, id := range ids {
		desc, err := h.catalog.Characteristics(ctx, id)
		if err != nil {
			h.writeError(c, http.StatusInternalServerError, "camera_info_failed", err)
			return
		}
		cameras = append(cameras, CameraInfo{
			Index:            i,
			Active:           i == active,
			Usable:           camera.IsUsable(desc, camera.PixelFormatYUV420),
			CameraDescriptor: *desc,
		})
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// command は引数なしのキャプチャ操作をハンドラーにする
func (h *Handler) command(name string, fn func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context()); err != nil {
			h.writeCommandError(c, name, err)
			return
		}
		h.accepted(c, name)
	}
}

// SwapCamera は指定インデックスのカメラに切り替える
func (h *Handler) SwapCamera(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.writeError(c, http.StatusBadRequest, "invalid_index", err)
		return
	}
	if err := h.controller.SwapCamera(c.Request.Context(), index); err != nil {
		if errors.Is(err, camera.ErrCameraIndexUnresolved) {
			h.writeError(c, http.StatusBadRequest, "invalid_index", err)
			return
		}
		h.writeCommandError(c, "swap", err)
		return
	}
	h.accepted(c, "swap")
}

// FramesWebSocket はフレームメタデータの WebSocket 配信
func (h *Handler) FramesWebSocket(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "not_implemented",
			Message:   "フレーム配信は無効です",
			Timestamp: time.Now(),
		})
		return
	}
	h.hub.ServeWS(c)
}

// Root はルートパスのハンドラ
func (h *Handler) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>camcap - キャプチャ制御</title>
</head>
<body>
    <h1>camcap キャプチャ制御</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>カメラ一覧: <a href="/api/cameras">/api/cameras</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}

func (h *Handler) accepted(c *gin.Context, name string) {
	st := h.controller.Status()
	c.JSON(http.StatusAccepted, CommandResponse{
		Command:     name,
		State:       st.State,
		CameraIndex: st.CameraIndex,
	})
}

// writeCommandError は状態の誤用を 409、それ以外を 500 に対応付ける
func (h *Handler) writeCommandError(c *gin.Context, name string, err error) {
	status := http.StatusInternalServerError
	if camera.IsStateFault(err) {
		status = http.StatusConflict
	}
	h.logger.Warn("キャプチャ操作に失敗",
		zap.String("command", name),
		zap.Int("status", status),
		zap.Error(err))
	h.writeError(c, status, name+"_failed", err)
}

func (h *Handler) writeError(c *gin.Context, status int, code string, err error) {
	resp := ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	var f *camera.Fault
	if errors.As(err, &f) {
		resp.Kind = f.Kind.String()
	}
	c.JSON(status, resp)
}
