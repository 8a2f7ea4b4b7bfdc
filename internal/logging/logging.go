// Package logging はアプリケーション共通の zap ロガーを構築する
package logging

import (
	"fmt"

	"camcap/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はログ設定から zap.Logger を作成する
// development が有効な場合はコンソール形式、それ以外は JSON 形式で出力する
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("ログレベルの解析に失敗: %w", err)
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの構築に失敗: %w", err)
	}
	return logger, nil
}
