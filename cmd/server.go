// Package main はcamcapサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"camcap/internal/app"
	"camcap/internal/config"
	"camcap/internal/logging"

	"go.uber.org/zap"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", os.Getenv("CAMCAP_CONFIG"), "設定ファイル (YAML) のパス")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		provider   = flag.String("provider", "", "キャプチャプロバイダー (simulated / v4l2)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("camcap")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *provider != "" {
		cfg.Capture.Provider = *provider
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
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
