package main

import (
	"context"
	"log"
	"os"

	"camcap/internal/app"
	"camcap/internal/config"
	"camcap/internal/logging"

	"go.uber.org/zap"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("CAMCAP_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// コンテキストを作成
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("アプリケーションの作成に失敗しました", zap.Error(err))
	}

	// サーバーを起動
	if err := a.Run(ctx); err != nil {
		logger.Error("サーバーの起動に失敗しました", zap.Error(err))
		os.Exit(1)
	}
}
