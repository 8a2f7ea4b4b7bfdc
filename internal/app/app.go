// Package app は設定からキャプチャ・イベント通知・HTTPサーバーを組み立てて起動する
package app

import (
	"context"
	"fmt"
	"time"

	"camcap/internal/camera"
	"camcap/internal/config"
	"camcap/internal/events"
	"camcap/internal/hardware"
	"camcap/internal/server"

	"go.uber.org/zap"
)

const closeTimeout = 3 * time.Second

// App は起動中のコンポーネントをまとめる
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	provider camera.Provider
	display  *hardware.StaticDisplay
	hub      *server.FrameHub
	emitter  *events.MQTTEmitter
	capturer *camera.Capturer
	server   *server.Server
}

// New は設定に従ってコンポーネントを作成する。ブローカーへの接続は Run で行う
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := cfg.CaptureOptions()
	if err != nil {
		return nil, fmt.Errorf("キャプチャ設定が不正です: %w", err)
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	display, err := hardware.NewStaticDisplay(cfg.Capture.DisplayRotation)
	if err != nil {
		return nil, fmt.Errorf("画面回転の設定が不正です: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		display:  display,
		hub:      server.NewFrameHub(logger),
	}

	observers := camera.Observers{logObserver{logger: logger.Named("observer")}}
	if cfg.Events.Enabled {
		a.emitter, err = events.NewMQTTEmitter(cfg.Events, logger)
		if err != nil {
			return nil, fmt.Errorf("イベント通知の作成に失敗: %w", err)
		}
		observers = append(observers, a.emitter)
	}

	a.capturer = camera.New(ctx, provider, display, a.hub, observers, opts, logger)

	deps := server.Deps{
		Controller: a.capturer,
		Catalog:    provider,
		Hub:        a.hub,
	}
	if a.emitter != nil {
		deps.EventStats = a.emitter.Stats
	}
	a.server = server.New(cfg, deps, logger)
	return a, nil
}

func newProvider(cfg *config.Config, logger *zap.Logger) (camera.Provider, error) {
	switch cfg.Capture.Provider {
	case config.ProviderV4L2:
		return hardware.NewV4L2Provider(hardware.V4L2Options{
			DevicePattern:  cfg.V4L2.DevicePattern,
			FFmpegPath:     cfg.V4L2.FFmpegPath,
			CommandTimeout: cfg.V4L2.CommandTimeout,
		}, logger), nil
	case config.ProviderSimulated:
		sim := hardware.NewSimulatedProvider(nil, cfg.Simulator.Latency, logger)
		for _, id := range cfg.Simulator.FailOpen {
			if err := sim.SetFailOpen(id, true); err != nil {
				return nil, fmt.Errorf("fail_open の設定に失敗: %w", err)
			}
		}
		for _, id := range cfg.Simulator.FailConfigure {
			if err := sim.SetFailConfigure(id, true); err != nil {
				return nil, fmt.Errorf("fail_configure の設定に失敗: %w", err)
			}
		}
		return sim, nil
	default:
		return nil, fmt.Errorf("不明なプロバイダー: %s", cfg.Capture.Provider)
	}
}

// Capturer はキャプチャの状態機械を返す
func (a *App) Capturer() *camera.Capturer {
	return a.capturer
}

// Server は HTTP サーバーを返す
func (a *App) Server() *server.Server {
	return a.server
}

// Run はイベント通知に接続し、必要なら自動でキャプチャを開始してから
// サーバーが停止するまでブロックする
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if a.emitter != nil {
		if err := a.emitter.Connect(ctx); err != nil {
			// 自動再接続に任せて送信ループだけ開始する
			a.logger.Warn("MQTTブローカーに接続できませんでした", zap.Error(err))
			a.emitter.Start()
		}
	}

	if err := a.autoStart(ctx); err != nil {
		return err
	}

	a.logger.Info("camcap サーバーを起動します",
		zap.String("addr", a.cfg.ServerAddress()),
		zap.String("provider", a.cfg.Capture.Provider))
	return a.server.Start(ctx)
}

func (a *App) autoStart(ctx context.Context) error {
	if !a.cfg.Capture.AutoInit && !a.cfg.Capture.AutoStart {
		return nil
	}
	if err := a.capturer.Init(ctx); err != nil {
		return fmt.Errorf("キャプチャの初期化に失敗: %w", err)
	}
	if a.cfg.Capture.AutoStart {
		if err := a.capturer.StartCapture(ctx); err != nil {
			return fmt.Errorf("キャプチャの開始に失敗: %w", err)
		}
	}
	return nil
}

// Close はキャプチャを停止してワーカーとイベント通知を終了する
func (a *App) Close() {
	ctx := context.Background()
	if a.capturer.IsCaptureStarted() {
		if err := a.capturer.StopCapture(ctx); err != nil {
			a.logger.Warn("キャプチャの停止に失敗", zap.Error(err))
		}
		a.waitClosed(closeTimeout)
	}
	if err := a.capturer.Destroy(ctx); err != nil {
		a.logger.Warn("キャプチャの破棄に失敗", zap.Error(err))
	}
	if a.emitter != nil {
		_ = a.emitter.Close()
	}
}

// waitClosed はクローズ完了通知が処理されるまで待つ
func (a *App) waitClosed(timeout time.Duration) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		switch a.capturer.State() {
		case camera.StateClosed, camera.StateError:
			return
		}
		select {
		case <-ticker.C:
		case <-deadline:
			a.logger.Warn("デバイスのクローズ待ちがタイムアウトしました",
				zap.Stringer("state", a.capturer.State()))
			return
		}
	}
}

// logObserver は通知をログに残す
type logObserver struct {
	logger *zap.Logger
}

func (o logObserver) OnCaptureError(err error) {
	o.logger.Error("キャプチャエラー",
		zap.String("kind", camera.KindOf(err).String()),
		zap.Error(err))
}

func (o logObserver) OnCameraChanged(index int) {
	o.logger.Info("カメラを切り替えました", zap.Int("index", index))
}

func (o logObserver) OnStateChanged(from, to camera.CameraState) {
	o.logger.Debug("状態遷移",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}
