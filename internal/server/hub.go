package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"camcap/internal/camera"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientBuffer = 16
	writeWait    = 5 * time.Second
)

// FrameMessage は /ws/frames に配信するフレームのメタデータ
type FrameMessage struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Rotation  int       `json:"rotation"`
	Mirrored  bool      `json:"mirrored"`
	Planes    [3]int    `json:"plane_sizes"`
}

// FrameHub はフレームのメタデータを WebSocket クライアントに配信する camera.FrameSink
// 送信が追いつかないクライアント宛てのメッセージは破棄する
type FrameHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}

	dropped atomic.Uint64
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewFrameHub は新しい FrameHub を作成する
func NewFrameHub(logger *zap.Logger) *FrameHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameHub{
		logger: logger.Named("hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// OnFrame はキャプチャワーカー上で呼ばれるため、ブロックしない
func (h *FrameHub) OnFrame(frame camera.FrameDescriptor) {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	msg := FrameMessage{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		TraceID:   frame.TraceID,
		Width:     frame.Width,
		Height:    frame.Height,
		Rotation:  frame.Rotation,
		Mirrored:  frame.Mirrored,
	}
	for i, p := range frame.Planes {
		msg.Planes[i] = len(p.Buffer)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("フレームメタデータのエンコードに失敗", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

// Broadcast は全クライアントにメッセージを送る
func (h *FrameHub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients は接続中のクライアント数を返す
func (h *FrameHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped は破棄したメッセージ数を返す
func (h *FrameHub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeWS は WebSocket 接続を確立し、切断されるまで配信する
func (h *FrameHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket接続のアップグレードに失敗", zap.Error(err))
		return
	}
	h.logger.Info("WebSocket接続を確立しました", zap.String("remote", c.Request.RemoteAddr))

	cl := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		// クライアントからのメッセージは読み捨てて切断だけを検知する
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Info("WebSocket接続を切断しました", zap.String("remote", c.Request.RemoteAddr))
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case data := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("WebSocketへの書き込みに失敗", zap.Error(err))
				return
			}
		}
	}
}

// Close は全クライアントを切断する
func (h *FrameHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = cl.conn.Close()
	}
}
