package camera

import (
	"context"
	"fmt"
)

// NotFound は利用可能なカメラが見つからないことを示すインデックス
const NotFound = -1

// Selector はカメラカタログからカメラ・出力サイズ・FPSレンジを選ぶ
type Selector struct {
	provider Provider
	format   PixelFormat
}

// NewSelector は指定のピクセルフォーマットで選択を行う Selector を作成する
func NewSelector(provider Provider, format PixelFormat) *Selector {
	return &Selector{provider: provider, format: format}
}

// SelectCamera は向きが一致する最初のカメラのインデックスを返す
// 一致するものがなければ先頭のカメラ、カメラが1台もなければ NotFound
func (s *Selector) SelectCamera(ctx context.Context, facing Facing) (int, error) {
	ids, err := s.provider.CameraIDs(ctx)
	if err != nil {
		return NotFound, newFault(FaultAccess, "select_camera", fmt.Errorf("カメラ一覧の取得に失敗: %w", err))
	}
	for i, id := range ids {
		desc, err := s.provider.Characteristics(ctx, id)
		if err != nil {
			return NotFound, newFault(FaultAccess, "select_camera", fmt.Errorf("カメラ %s の情報取得に失敗: %w", id, err))
		}
		if desc.Facing == facing {
			return i, nil
		}
	}
	if len(ids) > 0 {
		return 0, nil
	}
	return NotFound, nil
}

// SelectPreferredSize はカメラの出力サイズから希望サイズに最も近いものを返す
func (s *Selector) SelectPreferredSize(ctx context.Context, id string, width, height int) (Size, error) {
	desc, err := s.provider.Characteristics(ctx, id)
	if err != nil {
		return Size{}, newFault(FaultAccess, "select_size", fmt.Errorf("カメラ %s の情報取得に失敗: %w", id, err))
	}
	size, ok := ClosestSize(desc.SizesFor(s.format), width, height)
	if !ok {
		return Size{}, newFault(FaultConfiguration, "select_size", fmt.Errorf("カメラ %s は %s の出力に対応していない", id, s.format))
	}
	return size, nil
}

// SelectFPSRange はカメラのFPSレンジから希望FPSに最も近いものを返す
func (s *Selector) SelectFPSRange(ctx context.Context, id string, fps int) (FPSRange, error) {
	desc, err := s.provider.Characteristics(ctx, id)
	if err != nil {
		return FPSRange{}, newFault(FaultAccess, "select_fps", fmt.Errorf("カメラ %s の情報取得に失敗: %w", id, err))
	}
	r, ok := ClosestFPSRange(desc.FPSRanges, fps)
	if !ok {
		return FPSRange{}, newFault(FaultConfiguration, "select_fps", fmt.Errorf("カメラ %s にFPSレンジがない", id))
	}
	return r, nil
}

// NextUsableIndex は current の次から順に（最後に current 自身も）調べ、最初に使えるカメラを返す
func (s *Selector) NextUsableIndex(ctx context.Context, current int) (int, error) {
	ids, err := s.provider.CameraIDs(ctx)
	if err != nil {
		return NotFound, newFault(FaultAccess, "next_camera", fmt.Errorf("カメラ一覧の取得に失敗: %w", err))
	}
	descs := make([]*CameraDescriptor, len(ids))
	for i, id := range ids {
		desc, err := s.provider.Characteristics(ctx, id)
		if err != nil {
			return NotFound, newFault(FaultAccess, "next_camera", fmt.Errorf("カメラ %s の情報取得に失敗: %w", id, err))
		}
		descs[i] = desc
	}
	return NextUsable(descs, current, s.format), nil
}

// CameraID はインデックスに対応するカメラIDを返す
func (s *Selector) CameraID(ctx context.Context, index int) (string, error) {
	ids, err := s.provider.CameraIDs(ctx)
	if err != nil {
		return "", newFault(FaultAccess, "camera_id", fmt.Errorf("カメラ一覧の取得に失敗: %w", err))
	}
	if index < 0 || index >= len(ids) {
		return "", newFault(FaultState, "camera_id", fmt.Errorf("インデックス %d は範囲外 (カメラ数 %d): %w", index, len(ids), ErrCameraIndexUnresolved))
	}
	return ids[index], nil
}

// ClosestSize は |w-width| + |h-height| が最小のサイズを返す。同点なら先に現れたもの
func ClosestSize(sizes []Size, width, height int) (Size, bool) {
	if len(sizes) == 0 {
		return Size{}, false
	}
	best := sizes[0]
	bestErr := abs(best.Width-width) + abs(best.Height-height)
	for _, sz := range sizes[1:] {
		if e := abs(sz.Width-width) + abs(sz.Height-height); e < bestErr {
			best, bestErr = sz, e
		}
	}
	return best, true
}

// ClosestFPSRange は |min-fps| + |max-fps| が最小のレンジを返す。同点なら先に現れたもの
func ClosestFPSRange(ranges []FPSRange, fps int) (FPSRange, bool) {
	if len(ranges) == 0 {
		return FPSRange{}, false
	}
	best := ranges[0]
	bestErr := abs(best.Min-fps) + abs(best.Max-fps)
	for _, r := range ranges[1:] {
		if e := abs(r.Min-fps) + abs(r.Max-fps); e < bestErr {
			best, bestErr = r, e
		}
	}
	return best, true
}

// NextUsable は (current+i+1) % n の順にカタログを調べる
// 出力サイズを持ち、通常出力に対応し、深度出力専用でないカメラだけが対象
func NextUsable(descs []*CameraDescriptor, current int, format PixelFormat) int {
	n := len(descs)
	if n == 0 {
		return NotFound
	}
	if current < 0 {
		current = NotFound
	}
	for i := 0; i < n; i++ {
		idx := ((current+i+1)%n + n) % n
		if IsUsable(descs[idx], format) {
			return idx
		}
	}
	return NotFound
}

// IsUsable はカメラが切替先として使えるかを返す
func IsUsable(desc *CameraDescriptor, format PixelFormat) bool {
	if desc == nil {
		return false
	}
	return len(desc.SizesFor(format)) > 0 &&
		desc.HasCapability(CapabilityBackwardCompatible) &&
		!desc.HasCapability(CapabilityDepthOutput)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
