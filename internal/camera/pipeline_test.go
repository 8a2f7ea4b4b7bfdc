package camera

import "testing"

func TestFramePipeline_DropsIncompleteFrames(t *testing.T) {
	states := []CameraState{StateCapture, StateOpen, StateClosing, StateError}

	breakers := []struct {
		name   string
		mutate func(f *fakeFrame)
	}{
		{"Yプレーンなし", func(f *fakeFrame) { f.planes[0].Buffer = nil }},
		{"Uプレーンなし", func(f *fakeFrame) { f.planes[1].Buffer = nil }},
		{"Vプレーンなし", func(f *fakeFrame) { f.planes[2].Buffer = nil }},
		{"プレーン数不足", func(f *fakeFrame) { f.planes = f.planes[:2] }},
		{"プレーンなし", func(f *fakeFrame) { f.planes = nil }},
	}

	for _, st := range states {
		for _, b := range breakers {
			t.Run(st.String()+"/"+b.name, func(t *testing.T) {
				sink := &recordingSink{}
				p := NewFramePipeline(sink, NewOrientationTracker(&fakeDisplay{}, 0, nil), false,
					func() CameraState { return st },
					func() *CameraDescriptor { return backCamera("0") },
					nil)

				f := newFakeFrame(64, 48)
				b.mutate(f)
				p.Process(f)

				if n := len(sink.received()); n != 0 {
					t.Fatalf("Expected incomplete frame to be dropped, got %d forwarded", n)
				}
				if n := f.released.Load(); n != 1 {
					t.Errorf("Expected frame to be released once, got %d", n)
				}
				if got := p.Stats().DroppedIncomplete; got != 1 {
					t.Errorf("Expected 1 incomplete drop, got %d", got)
				}
			})
		}
	}
}

func TestFramePipeline_ForwardsOnlyInCapture(t *testing.T) {
	display := &fakeDisplay{}
	display.rotation.Store(0)
	tracker := NewOrientationTracker(display, 0, nil)
	tracker.Refresh()

	state := StateOpen
	sink := &recordingSink{}
	p := NewFramePipeline(sink, tracker, true,
		func() CameraState { return state },
		func() *CameraDescriptor { return backCamera("0") },
		nil)

	dropped := newFakeFrame(64, 48)
	p.Process(dropped)
	if len(sink.received()) != 0 {
		t.Fatal("Expected frame outside capture to be dropped")
	}
	if n := dropped.released.Load(); n != 1 {
		t.Errorf("Expected dropped frame to be released once, got %d", n)
	}

	state = StateCapture
	for i := 0; i < 3; i++ {
		f := newFakeFrame(64, 48)
		p.Process(f)
		if n := f.released.Load(); n != 1 {
			t.Errorf("Expected forwarded frame to be released once, got %d", n)
		}
	}

	got := sink.received()
	if len(got) != 3 {
		t.Fatalf("Expected 3 forwarded frames, got %d", len(got))
	}
	for i, fd := range got {
		if fd.Seq != uint64(i+1) {
			t.Errorf("Expected seq %d, got %d", i+1, fd.Seq)
		}
		// 背面カメラ sensor=90, display=0
		if fd.Rotation != 90 {
			t.Errorf("Expected rotation 90, got %d", fd.Rotation)
		}
		if !fd.Mirrored {
			t.Error("Expected mirrored flag to be set")
		}
		if fd.TraceID == "" {
			t.Error("Expected trace id to be set")
		}
		if fd.Planes[0].RowStride != 64 || fd.Planes[1].RowStride != 32 {
			t.Errorf("Unexpected strides: %d/%d", fd.Planes[0].RowStride, fd.Planes[1].RowStride)
		}
	}

	stats := p.Stats()
	if stats.Forwarded != 3 || stats.DroppedState != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFramePipeline_NilFrame(t *testing.T) {
	p := NewFramePipeline(&recordingSink{}, NewOrientationTracker(nil, 0, nil), false,
		func() CameraState { return StateCapture },
		func() *CameraDescriptor { return nil },
		nil)
	p.Process(nil)
	if got := p.Stats().DroppedIncomplete; got != 1 {
		t.Errorf("Expected nil frame to count as incomplete, got %d", got)
	}
}
