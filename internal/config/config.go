package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"camcap/internal/camera"

	"gopkg.in/yaml.v3"
)

const (
	ProviderSimulated = "simulated"
	ProviderV4L2      = "v4l2"

	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Simulator SimulatorConfig `yaml:"simulator"`
	V4L2      V4L2Config      `yaml:"v4l2"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの猶予
}

// CaptureConfig はキャプチャ関連の設定
type CaptureConfig struct {
	Provider   string `yaml:"provider"`   // simulated または v4l2
	Resolution string `yaml:"resolution"` // low / medium / high / high_1080p
	FrameRate  int    `yaml:"frame_rate"` // 1 / 7 / 15 / 30
	Facing     string `yaml:"facing"`     // front / back / external
	Mirror     bool   `yaml:"mirror"`     // ローカル表示を左右反転するか
	MaxFrames  int    `yaml:"max_frames"` // リーダーが保持できる未解放フレーム数

	OrientationInterval time.Duration `yaml:"orientation_interval"`
	// 0 の場合はコールバック待ちのタイムアウトを無効にする
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	DisplayRotation int           `yaml:"display_rotation"`

	AutoInit  bool `yaml:"auto_init"`  // 起動時に Init する
	AutoStart bool `yaml:"auto_start"` // 起動時に StartCapture する
}

// SimulatorConfig はシミュレーターの設定
type SimulatorConfig struct {
	Latency       time.Duration `yaml:"latency"`        // コールバックの遅延
	FailOpen      []string      `yaml:"fail_open"`      // オープンに失敗させるカメラID
	FailConfigure []string      `yaml:"fail_configure"` // セッション構成に失敗させるカメラID
}

// V4L2Config は V4L2 デバイスの設定
type V4L2Config struct {
	DevicePattern  string        `yaml:"device_pattern"`
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// EventsConfig は MQTT へのイベント通知の設定
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Encoding       string        `yaml:"encoding"` // json または msgpack
	QueueSize      int           `yaml:"queue_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LogConfig はロガーの設定
type LogConfig struct {
	Level       string `yaml:"level"`       // debug / info / warn / error
	Development bool   `yaml:"development"` // コンソール形式で出力する
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // WebSocket 用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			Provider:            ProviderSimulated,
			Resolution:          camera.ResolutionMedium.String(),
			FrameRate:           30,
			Facing:              camera.FacingFront.String(),
			Mirror:              true,
			MaxFrames:           3,
			OrientationInterval: camera.DefaultOrientationInterval,
		},
		Simulator: SimulatorConfig{
			Latency: 20 * time.Millisecond,
		},
		V4L2: V4L2Config{
			DevicePattern:  "/dev/video*",
			FFmpegPath:     "ffmpeg",
			CommandTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			ClientID:       "camcap",
			Topic:          "camcap/events",
			QoS:            1,
			Encoding:       EncodingJSON,
			QueueSize:      64,
			ConnectTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// path が空でなければ YAML ファイルをデフォルト値に重ね、最後に環境変数を反映する
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Capture.Provider = getEnvOrDefault("CAPTURE_PROVIDER", c.Capture.Provider)
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.Events.Broker = broker
		c.Events.Enabled = true
	}
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Capture.Provider {
	case ProviderSimulated, ProviderV4L2:
	default:
		return fmt.Errorf("無効なプロバイダー: %q", c.Capture.Provider)
	}
	if _, err := c.CaptureOptions(); err != nil {
		return err
	}
	switch c.Capture.DisplayRotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("無効な画面回転: %d", c.Capture.DisplayRotation)
	}

	if c.Events.Enabled {
		if c.Events.Broker == "" {
			return errors.New("MQTTブローカーが設定されていません")
		}
		if c.Events.QoS > 2 {
			return fmt.Errorf("無効なQoS: %d", c.Events.QoS)
		}
		if c.Events.Encoding != EncodingJSON && c.Events.Encoding != EncodingMsgpack {
			return fmt.Errorf("無効なエンコーディング: %q", c.Events.Encoding)
		}
		if c.Events.QueueSize < 1 {
			return fmt.Errorf("無効なキューサイズ: %d", c.Events.QueueSize)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("無効なログレベル: %q", c.Log.Level)
	}

	return nil
}

// CaptureOptions はキャプチャ設定を camera.Options に変換する
func (c *Config) CaptureOptions() (camera.Options, error) {
	opts := camera.DefaultOptions()

	res, err := camera.ParseResolution(c.Capture.Resolution)
	if err != nil {
		return opts, err
	}
	rate, err := camera.ParseFrameRate(c.Capture.FrameRate)
	if err != nil {
		return opts, err
	}
	facing, err := camera.ParseFacing(c.Capture.Facing)
	if err != nil {
		return opts, err
	}
	if c.Capture.MaxFrames < 1 {
		return opts, fmt.Errorf("無効な最大フレーム数: %d", c.Capture.MaxFrames)
	}
	if c.Capture.CallbackTimeout < 0 {
		return opts, fmt.Errorf("無効なコールバックタイムアウト: %s", c.Capture.CallbackTimeout)
	}

	opts.Resolution = res
	opts.FrameRate = rate
	opts.Facing = facing
	opts.Mirror = c.Capture.Mirror
	opts.MaxFrames = c.Capture.MaxFrames
	if c.Capture.OrientationInterval > 0 {
		opts.OrientationInterval = c.Capture.OrientationInterval
	}
	opts.CallbackTimeout = c.Capture.CallbackTimeout
	return opts, nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
