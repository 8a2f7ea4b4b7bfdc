package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider はテストが指示したときだけコールバックを発火するプロバイダー
type fakeProvider struct {
	mu      sync.Mutex
	ids     []string
	descs   map[string]*CameraDescriptor
	devices []*fakeDevice
	readers []*fakeReader
	openErr error
	listErr error
}

func newFakeProvider(descs ...*CameraDescriptor) *fakeProvider {
	p := &fakeProvider{descs: make(map[string]*CameraDescriptor)}
	for _, d := range descs {
		p.ids = append(p.ids, d.ID)
		p.descs[d.ID] = d
	}
	return p
}

func (p *fakeProvider) CameraIDs(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]string(nil), p.ids...), nil
}

func (p *fakeProvider) Characteristics(ctx context.Context, id string) (*CameraDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.descs[id]
	if !ok {
		return nil, errors.New("unknown camera " + id)
	}
	return d, nil
}

func (p *fakeProvider) Open(ctx context.Context, id string, cb DeviceCallbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.devices = append(p.devices, &fakeDevice{id: id, cb: cb})
	return nil
}

func (p *fakeProvider) NewFrameReader(size Size, format PixelFormat, maxFrames int) (FrameReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &fakeReader{size: size, format: format}
	p.readers = append(p.readers, r)
	return r, nil
}

func (p *fakeProvider) lastDevice(t *testing.T) *fakeDevice {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.devices) == 0 {
		t.Fatal("Expected a device open request")
	}
	return p.devices[len(p.devices)-1]
}

func (p *fakeProvider) deviceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

func (p *fakeProvider) lastReader(t *testing.T) *fakeReader {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.readers) == 0 {
		t.Fatal("Expected a frame reader")
	}
	return p.readers[len(p.readers)-1]
}

type fakeDevice struct {
	id string
	cb DeviceCallbacks

	mu         sync.Mutex
	closeCalls int
	sessions   []*fakeSession
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) CreateCaptureSession(reader FrameReader, cb SessionCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, &fakeSession{cb: cb})
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

func (d *fakeDevice) closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

func (d *fakeDevice) lastSession(t *testing.T) *fakeSession {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		t.Fatal("Expected a capture session request")
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDevice) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDevice) fireOpened() { d.cb.OnOpened(d) }
func (d *fakeDevice) fireClosed() { d.cb.OnClosed(d) }
func (d *fakeDevice) fireDisconnected() { d.cb.OnDisconnected(d) }
func (d *fakeDevice) fireError(err error) { d.cb.OnError(d, err) }

type fakeSession struct {
	cb SessionCallbacks

	mu        sync.Mutex
	requests  []CaptureRequest
	stopCalls int
	closes    int
}

func (s *fakeSession) SetRepeatingRequest(req CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) repeating() []CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CaptureRequest(nil), s.requests...)
}

func (s *fakeSession) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

func (s *fakeSession) fireConfigured() { s.cb.OnConfigured(s) }
func (s *fakeSession) fireConfigureFailed(err error) { s.cb.OnConfigureFailed(s, err) }
func (s *fakeSession) fireClosed() { s.cb.OnClosed(s) }

type fakeReader struct {
	size   Size
	format PixelFormat

	mu       sync.Mutex
	listener FrameListener
	closed   bool
}

func (r *fakeReader) Size() Size { return r.size }
func (r *fakeReader) Format() PixelFormat { return r.format }

func (r *fakeReader) SetFrameListener(l FrameListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeReader) emit(f RawFrame) {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	l(f)
}

type fakeFrame struct {
	planes   []Plane
	w, h     int
	released atomic.Int32
}

func newFakeFrame(w, h int) *fakeFrame {
	return &fakeFrame{
		planes: []Plane{
			{Buffer: make([]byte, w*h), PixelStride: 1, RowStride: w},
			{Buffer: make([]byte, w*h/4), PixelStride: 1, RowStride: w / 2},
			{Buffer: make([]byte, w*h/4), PixelStride: 1, RowStride: w / 2},
		},
		w: w,
		h: h,
	}
}

func (f *fakeFrame) Planes() []Plane { return f.planes }
func (f *fakeFrame) Width() int { return f.w }
func (f *fakeFrame) Height() int { return f.h }
func (f *fakeFrame) Release() { f.released.Add(1) }

type fakeDisplay struct{ rotation atomic.Int32 }

func (d *fakeDisplay) Rotation() int { return int(d.rotation.Load()) }

type recordingObserver struct {
	mu      sync.Mutex
	errs    []error
	changes []int
	states  []CameraState
}

func (o *recordingObserver) OnCaptureError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) OnCameraChanged(index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, index)
}

func (o *recordingObserver) OnStateChanged(from, to CameraState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

func (o *recordingObserver) faults() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) cameraChanges() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.changes...)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []FrameDescriptor
}

func (s *recordingSink) OnFrame(f FrameDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) received() []FrameDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FrameDescriptor(nil), s.frames...)
}

func frontCamera(id string) *CameraDescriptor {
	return &CameraDescriptor{
		ID:                id,
		Facing:            FacingFront,
		SensorOrientation: 270,
		OutputSizes: map[PixelFormat][]Size{
			PixelFormatYUV420: {{Width: 1280, Height: 720}, {Width: 640, Height: 480}, {Width: 320, Height: 240}},
		},
		FPSRanges:    []FPSRange{{Min: 15, Max: 15}, {Min: 7, Max: 30}, {Min: 30, Max: 30}},
		Capabilities: []Capability{CapabilityBackwardCompatible},
	}
}

func backCamera(id string) *CameraDescriptor {
	return &CameraDescriptor{
		ID:                id,
		Facing:            FacingBack,
		SensorOrientation: 90,
		OutputSizes: map[PixelFormat][]Size{
			PixelFormatYUV420: {{Width: 1920, Height: 1080}, {Width: 640, Height: 480}},
		},
		FPSRanges:    []FPSRange{{Min: 30, Max: 30}},
		Capabilities: []Capability{CapabilityBackwardCompatible},
	}
}

func depthCamera(id string) *CameraDescriptor {
	return &CameraDescriptor{
		ID:     id,
		Facing: FacingBack,
		OutputSizes: map[PixelFormat][]Size{
			PixelFormatYUV420: {{Width: 640, Height: 480}},
		},
		FPSRanges:    []FPSRange{{Min: 30, Max: 30}},
		Capabilities: []Capability{CapabilityBackwardCompatible, CapabilityDepthOutput},
	}
}

// drain はワーカーに投入済みのタスクがすべて終わるまで待つ
func drain(t *testing.T, c *Capturer) {
	t.Helper()
	w := c.worker.Load()
	if w == nil {
		return
	}
	done := make(chan struct{})
	if !w.Post("test.drain", func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for worker to drain")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
