package hardware

import (
	"sync"
	"sync/atomic"

	"camcap/internal/camera"
)

// frameReader は未解放フレーム数を maxFrames までに制限する camera.FrameReader
type frameReader struct {
	size      camera.Size
	format    camera.PixelFormat
	maxFrames int32

	mu       sync.RWMutex
	listener camera.FrameListener
	closed   bool

	outstanding atomic.Int32
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

func newFrameReader(size camera.Size, format camera.PixelFormat, maxFrames int) *frameReader {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	return &frameReader{size: size, format: format, maxFrames: int32(maxFrames)}
}

func (r *frameReader) Size() camera.Size          { return r.size }
func (r *frameReader) Format() camera.PixelFormat { return r.format }

func (r *frameReader) SetFrameListener(l camera.FrameListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *frameReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.listener = nil
	return nil
}

// deliver は YUV 4:2:0 のバッファを3プレーンに分けてリスナーに渡す
// 未解放フレームが上限に達していれば破棄して false を返す
func (r *frameReader) deliver(buf []byte, width, height int) bool {
	r.mu.RLock()
	l := r.listener
	closed := r.closed
	r.mu.RUnlock()
	if closed || l == nil {
		r.dropped.Add(1)
		return false
	}

	if r.outstanding.Add(1) > r.maxFrames {
		r.outstanding.Add(-1)
		r.dropped.Add(1)
		return false
	}
	r.delivered.Add(1)
	l(&rawFrame{planes: splitYUV420(buf, width, height), width: width, height: height, reader: r})
	return true
}

// splitYUV420 は連続した I420 バッファを Y/U/V プレーンに分割する
func splitYUV420(buf []byte, width, height int) []camera.Plane {
	ySize := width * height
	cw, ch := (width+1)/2, (height+1)/2
	cSize := cw * ch
	if len(buf) < ySize+2*cSize {
		return nil
	}
	return []camera.Plane{
		{Buffer: buf[:ySize], PixelStride: 1, RowStride: width},
		{Buffer: buf[ySize : ySize+cSize], PixelStride: 1, RowStride: cw},
		{Buffer: buf[ySize+cSize : ySize+2*cSize], PixelStride: 1, RowStride: cw},
	}
}

// yuv420Len は I420 1フレームのバイト数を返す
func yuv420Len(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

type rawFrame struct {
	planes   []camera.Plane
	width    int
	height   int
	reader   *frameReader
	released atomic.Bool
}

func (f *rawFrame) Planes() []camera.Plane { return f.planes }
func (f *rawFrame) Width() int             { return f.width }
func (f *rawFrame) Height() int            { return f.height }

func (f *rawFrame) Release() {
	if f.released.CompareAndSwap(false, true) {
		f.reader.outstanding.Add(-1)
	}
}
