package camera

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameStats はパイプラインの統計
type FrameStats struct {
	Forwarded         uint64 `json:"forwarded"`
	DroppedIncomplete uint64 `json:"dropped_incomplete"`
	DroppedState      uint64 `json:"dropped_state"`
}

// FramePipeline は到着したフレームを検証し、キャプチャ中のみシンクへ転送する
type FramePipeline struct {
	sink        FrameSink
	orientation *OrientationTracker
	mirrored    bool
	state       func() CameraState
	descriptor  func() *CameraDescriptor
	logger      *zap.Logger

	seq               atomic.Uint64
	forwarded         atomic.Uint64
	droppedIncomplete atomic.Uint64
	droppedState      atomic.Uint64
}

// NewFramePipeline は FramePipeline を作成する
// state と descriptor はフレーム毎に呼ばれるため軽量であること
func NewFramePipeline(sink FrameSink, orientation *OrientationTracker, mirrored bool,
	state func() CameraState, descriptor func() *CameraDescriptor, logger *zap.Logger) *FramePipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FramePipeline{
		sink:        sink,
		orientation: orientation,
		mirrored:    mirrored,
		state:       state,
		descriptor:  descriptor,
		logger:      logger,
	}
}

// Process はフレームを1枚処理する。結果に関わらずフレームは必ず1回解放される
func (p *FramePipeline) Process(frame RawFrame) {
	if frame == nil {
		p.droppedIncomplete.Add(1)
		return
	}
	defer frame.Release()

	planes := frame.Planes()
	if !complete(planes) {
		p.droppedIncomplete.Add(1)
		p.logger.Debug("プレーンが欠けたフレームを破棄", zap.Int("planes", len(planes)))
		return
	}
	if p.state() != StateCapture {
		p.droppedState.Add(1)
		return
	}
	if p.sink == nil {
		p.droppedState.Add(1)
		return
	}

	fd := FrameDescriptor{
		Seq:       p.seq.Add(1),
		Timestamp: time.Now(),
		TraceID:   uuid.NewString(),
		Width:     frame.Width(),
		Height:    frame.Height(),
		Rotation:  p.orientation.RotationFor(p.descriptor()),
		Mirrored:  p.mirrored,
	}
	copy(fd.Planes[:], planes[:3])
	p.sink.OnFrame(fd)
	p.forwarded.Add(1)
}

// Stats はパイプラインの統計を返す
func (p *FramePipeline) Stats() FrameStats {
	return FrameStats{
		Forwarded:         p.forwarded.Load(),
		DroppedIncomplete: p.droppedIncomplete.Load(),
		DroppedState:      p.droppedState.Load(),
	}
}

func complete(planes []Plane) bool {
	if len(planes) < 3 {
		return false
	}
	for _, pl := range planes[:3] {
		if pl.Buffer == nil {
			return false
		}
	}
	return true
}
