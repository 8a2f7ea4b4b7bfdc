package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camcap/internal/camera"
	"camcap/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

var (
	ErrNotConnected   = errors.New("MQTTブローカーに接続されていません")
	ErrPublishTimeout = errors.New("パブリッシュがタイムアウトしました")
)

// MQTTEmitter はキャプチャのイベントを MQTT にパブリッシュする
// camera.Observer と camera.StateObserver を実装し、通知はキューを経由して
// バックグラウンドで送信される。キューが満杯の場合は破棄する
type MQTTEmitter struct {
	cfg    config.EventsConfig
	client mqtt.Client
	encode Encoder
	logger *zap.Logger

	queue    chan Event
	done     chan struct{}
	loopDone chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	dropped   uint64
	connected bool
}

// Stats はエミッターの統計
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
	Queued    int               `json:"queued"`
}

// NewMQTTEmitter は新しい MQTTEmitter を作成する。接続は Connect で行う
func NewMQTTEmitter(cfg config.EventsConfig, logger *zap.Logger) (*MQTTEmitter, error) {
	e, err := newEmitter(cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8]))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTTブローカーに接続しました", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("MQTTブローカーとの接続が切れました。自動で再接続します",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}

	e.client = mqtt.NewClient(opts)
	return e, nil
}

func newEmitter(cfg config.EventsConfig, client mqtt.Client, logger *zap.Logger) (*MQTTEmitter, error) {
	encode, err := EncoderFor(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &MQTTEmitter{
		cfg:       cfg,
		client:    client,
		encode:    encode,
		logger:    logger.Named("events"),
		queue:     make(chan Event, size),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		published: make(map[string]uint64),
	}, nil
}

// Connect はブローカーに接続し、送信ループを開始する
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.logger.Info("MQTTブローカーに接続中", zap.String("broker", e.cfg.Broker))

	token := e.client.Connect()
	timeout := e.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-token.Done():
	case <-time.After(timeout):
		return fmt.Errorf("MQTT接続がタイムアウトしました: %s", e.cfg.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT接続に失敗: %w", err)
	}
	e.setConnected(true)
	e.Start()
	return nil
}

// Start は送信ループを開始する。2回目以降の呼び出しは何もしない
func (e *MQTTEmitter) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// Close は残りのイベントを送信してから接続を閉じる
func (e *MQTTEmitter) Close() error {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.started.Load() {
			<-e.loopDone
		}
		if e.client != nil && e.client.IsConnected() {
			e.client.Disconnect(250)
			e.logger.Info("MQTTブローカーから切断しました")
		}
		e.setConnected(false)
	})
	return nil
}

func (e *MQTTEmitter) OnStateChanged(from, to camera.CameraState) {
	e.enqueue(StateChanged(from, to))
}

func (e *MQTTEmitter) OnCaptureError(err error) {
	e.enqueue(CaptureError(err))
}

func (e *MQTTEmitter) OnCameraChanged(index int) {
	e.enqueue(CameraChanged(index))
}

// Stats はエミッターの統計を返す
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
		Queued:    len(e.queue),
	}
}

// enqueue は呼び出し元をブロックしない
func (e *MQTTEmitter) enqueue(ev Event) {
	select {
	case <-e.done:
		e.countDrop()
		return
	default:
	}
	select {
	case e.queue <- ev:
	default:
		e.countDrop()
		e.logger.Warn("イベントキューが満杯のため破棄", zap.String("type", string(ev.Type)))
	}
}

func (e *MQTTEmitter) run() {
	defer close(e.loopDone)
	for {
		select {
		case ev := <-e.queue:
			e.send(ev)
		case <-e.done:
			for {
				select {
				case ev := <-e.queue:
					e.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *MQTTEmitter) send(ev Event) {
	if err := e.Publish(ev); err != nil {
		e.logger.Debug("イベントのパブリッシュに失敗",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Publish はイベントを <topic>/<type> に同期的にパブリッシュする
func (e *MQTTEmitter) Publish(ev Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := e.encode(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.Topic, ev.Type)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("パブリッシュに失敗: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("イベントをパブリッシュしました",
		zap.String("topic", topic),
		zap.Uint8("qos", e.cfg.QoS),
		zap.Int("size", len(payload)))
	return nil
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = v
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors++
}

func (e *MQTTEmitter) countDrop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped++
}
