package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camcap/internal/config"
	"camcap/internal/events"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps はサーバーが操作・参照するコンポーネント
type Deps struct {
	Controller Controller
	Catalog    Catalog
	Hub        *FrameHub           // nil の場合 /ws/frames は無効
	EventStats func() events.Stats // nil の場合 /api/status に含めない
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	engine     *gin.Engine
	hub        *FrameHub
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	h := &Handler{
		controller: deps.Controller,
		catalog:    deps.Catalog,
		hub:        deps.Hub,
		eventStats: deps.EventStats,
		logger:     logger,
	}
	registerRoutes(engine, h)

	return &Server{
		config: cfg,
		logger: logger,
		engine: engine,
		hub:    deps.Hub,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

func registerRoutes(r *gin.Engine, h *Handler) {
	r.GET("/", h.Root)
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/settings", h.GetSettings)
	api.GET("/cameras", h.GetCameras)

	capture := api.Group("/capture")
	capture.POST("/init", h.command("init", h.controller.Init))
	capture.POST("/start", h.command("start", h.controller.StartCapture))
	capture.POST("/stop", h.command("stop", h.controller.StopCapture))
	capture.POST("/cycle", h.command("cycle", h.controller.CycleCamera))
	capture.POST("/destroy", h.command("destroy", h.controller.Destroy))
	capture.POST("/swap/:index", h.SwapCamera)

	r.GET("/ws/frames", h.FramesWebSocket)
}

// requestLogger は gin のアクセスログを zap に出力する
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handler は HTTP ハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルでシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーでサーバーを起動する
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.String("signal", sig.String()))
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
