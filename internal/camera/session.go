package camera

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionManager はキャプチャリクエストを構築し、セッションの生成から連続キャプチャの開始までを制御する
// 呼び出しはすべて Capturer のロック下で行われる
type SessionManager struct {
	logger *zap.Logger

	session Session
	request CaptureRequest
	built   bool
	gen     uint64 // セッション生成要求の世代

	submitted atomic.Int64
}

// NewSessionManager は SessionManager を作成する
func NewSessionManager(logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{logger: logger}
}

// BuildRequest はカメラの向きに応じたキャプチャリクエストを構築する
//
// 前面カメラ: プレビューテンプレート、シーンモード制御、顔優先シーン、連続AF
// それ以外: 録画テンプレート、連続AF、シーン指定なし
func BuildRequest(desc *CameraDescriptor, reader FrameReader, fps FPSRange) CaptureRequest {
	req := CaptureRequest{
		ID:       uuid.New(),
		Target:   reader,
		FPSRange: fps,
		AFMode:   AFModeContinuousPicture,
	}
	if desc.IsFrontFacing() {
		req.Template = TemplatePreview
		req.ControlMode = ControlModeUseSceneMode
		req.SceneMode = SceneModeFacePriority
	} else {
		req.Template = TemplateRecord
		req.ControlMode = ControlModeAuto
		req.SceneMode = SceneModeDisabled
	}
	return req
}

// Create はリーダーを唯一の出力先とするセッションの生成を要求する
// callbacks には今回の要求の世代が渡される
func (m *SessionManager) Create(dev Device, reader FrameReader, req CaptureRequest, callbacks func(gen uint64) SessionCallbacks) error {
	if dev == nil {
		return newFault(FaultState, "create_session", fmt.Errorf("デバイスが開かれていない"))
	}
	if reader == nil {
		return newFault(FaultResource, "create_session", fmt.Errorf("フレームリーダーが確保されていない"))
	}
	m.gen++
	m.request = req
	m.built = true
	if err := dev.CreateCaptureSession(reader, callbacks(m.gen)); err != nil {
		m.built = false
		return newFault(FaultAccess, "create_session", fmt.Errorf("カメラ %s のセッション生成に失敗: %w", dev.ID(), err))
	}
	m.logger.Debug("セッション生成を要求",
		zap.String("camera", dev.ID()),
		zap.String("request", req.ID.String()),
		zap.String("template", string(req.Template)),
		zap.Stringer("fps", req.FPSRange),
	)
	return nil
}

// Commit は設定済みセッションに構築済みリクエストを連続キャプチャとして登録する
func (m *SessionManager) Commit(s Session) error {
	m.session = s
	if !m.built {
		return newFault(FaultState, "commit_session", fmt.Errorf("キャプチャリクエストが構築されていない"))
	}
	if err := s.SetRepeatingRequest(m.request); err != nil {
		return newFault(FaultAccess, "commit_session", fmt.Errorf("連続キャプチャの開始に失敗: %w", err))
	}
	m.submitted.Add(1)
	m.logger.Debug("連続キャプチャを開始", zap.String("request", m.request.ID.String()))
	return nil
}

// Stop は連続キャプチャを止めてセッションを閉じる
// 停止に失敗してもセッションは閉じる
func (m *SessionManager) Stop() error {
	if m.session == nil {
		return nil
	}
	var stopErr error
	if err := m.session.StopRepeating(); err != nil {
		stopErr = newFault(FaultAccess, "stop_session", fmt.Errorf("連続キャプチャの停止に失敗: %w", err))
	}
	if err := m.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	return stopErr
}

// Close はセッションを閉じる
func (m *SessionManager) Close() error {
	s := m.session
	if s == nil {
		return nil
	}
	m.session = nil
	if err := s.Close(); err != nil {
		return newFault(FaultAccess, "close_session", fmt.Errorf("セッションのクローズに失敗: %w", err))
	}
	return nil
}

// Detach はクローズ済みのセッションを手放す
func (m *SessionManager) Detach(s Session) {
	if m.session == s {
		m.session = nil
	}
}

// Reset はセッションと構築済みリクエストを破棄する
// それまでのセッションから届く通知は古い世代として扱われる
func (m *SessionManager) Reset() {
	m.session = nil
	m.built = false
	m.gen++
}

// Current は世代が最新のセッション生成要求のものかを返す
func (m *SessionManager) Current(gen uint64) bool {
	return gen == m.gen
}

// Active は現在のセッションを返す
func (m *SessionManager) Active() Session {
	return m.session
}

// Request は最後に構築したリクエストを返す
func (m *SessionManager) Request() (CaptureRequest, bool) {
	return m.request, m.built
}

// Submitted は登録した連続キャプチャリクエストの累計数を返す
func (m *SessionManager) Submitted() int64 {
	return m.submitted.Load()
}
