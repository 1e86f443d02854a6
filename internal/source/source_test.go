package source

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/config"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

// recordingSink collects pushed frames and refuses pushes after limit.
type recordingSink struct {
	mu     sync.Mutex
	frames map[string][]buffer.Frame
	limit  int
	total  int
}

func newRecordingSink(limit int) *recordingSink {
	return &recordingSink{frames: make(map[string][]buffer.Frame), limit: limit}
}

func (s *recordingSink) Push(stream string, f buffer.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total >= s.limit {
		return device.ErrNotAcquiring
	}
	s.total++
	s.frames[stream] = append(s.frames[stream], f.Clone())
	return nil
}

func (s *recordingSink) get(stream string) []buffer.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]buffer.Frame(nil), s.frames[stream]...)
}

func runFor(t *testing.T, src device.Source, sink device.Sink) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer src.Disconnect()
	return src.Stream(ctx, sink)
}

func writeSequence(t *testing.T, n int) string {
	t.Helper()
	b, _ := buffer.New(n)
	for i := 0; i < n; i++ {
		f := buffer.Frame{Timestamp: float64(i) * 0.001, Payload: []byte{byte(i)}}
		if i == 1 {
			f.Status = buffer.StatusMissing
			f.Payload = nil
		}
		if _, err := b.Insert(f); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "input.seq")
	if _, err := sequence.NewWriter(nil).Write(context.Background(), b, path, true); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSimulatedVideo(t *testing.T) {
	src, err := NewSimulatedVideo([]string{"Video"}, 8, 4, 1000, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink(5)

	if err := runFor(t, src, sink); err != nil {
		t.Fatalf("Stream returned %v", err)
	}

	frames := sink.get("Video")
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f.Payload) != 32 {
			t.Errorf("frame %d: payload %d bytes, want 32", i, len(f.Payload))
		}
		if f.Fields["FrameSize"] != "8x4" {
			t.Errorf("frame %d: FrameSize %q", i, f.Fields["FrameSize"])
		}
		if i > 0 && f.Timestamp < frames[i-1].Timestamp {
			t.Errorf("frame %d: timestamps went backwards", i)
		}
	}
	if frames[0].Payload[0] == frames[1].Payload[0] {
		t.Error("gradient should shift between frames")
	}
}

func TestSimulatedVideo_RequiresConnect(t *testing.T) {
	src, _ := NewSimulatedVideo(nil, 2, 2, 100, nil)
	if err := src.Stream(context.Background(), newRecordingSink(1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSimulatedTracker_MissingPlaceholders(t *testing.T) {
	tools := []string{"Probe", "Stylus"}
	src, err := NewSimulatedTracker(tools, 2000, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink(2 * missingEvery)

	if err := runFor(t, src, sink); err != nil {
		t.Fatalf("Stream returned %v", err)
	}

	transducer, stylus := sink.get("Probe"), sink.get("Stylus")
	if len(transducer) != missingEvery || len(stylus) != missingEvery {
		t.Fatalf("expected %d samples per tool, got %d and %d", missingEvery, len(transducer), len(stylus))
	}
	for _, f := range transducer {
		if f.Status != buffer.StatusValid {
			t.Error("first tool should never be missing")
		}
		if _, err := DecodePose(f.Payload); err != nil {
			t.Error(err)
		}
	}
	last := stylus[missingEvery-1]
	if last.Status != buffer.StatusMissing || last.Payload != nil || last.Fields["ToolStatus"] != "MISSING" {
		t.Errorf("expected missing placeholder, got %+v", last)
	}
}

func TestPose_RoundTrip(t *testing.T) {
	m := translation(1.5, -2, 3)
	got, err := DecodePose(EncodePose(m))
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Errorf("got %v, want %v", got, m)
	}
	if _, err := DecodePose([]byte{1, 2}); err == nil {
		t.Error("expected error for short payload")
	}
}

func TestPlayback_Exhaust(t *testing.T) {
	path := writeSequence(t, 4)
	src, err := NewPlayback("Video", path, config.LoopExhaust, 30, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink(100)

	if err := runFor(t, src, sink); err != nil {
		t.Fatalf("Stream returned %v", err)
	}

	frames := sink.get("Video")
	if len(frames) != 4 {
		t.Fatalf("expected exactly 4 frames in exhaust mode, got %d", len(frames))
	}
	if frames[1].Status != buffer.StatusMissing {
		t.Error("status should be replayed")
	}
	if frames[3].Payload[0] != 3 {
		t.Errorf("payload mismatch: %v", frames[3].Payload)
	}
}

func TestPlayback_Rotation(t *testing.T) {
	path := writeSequence(t, 3)
	src, _ := NewPlayback("Video", path, config.LoopRotation, 30, nil)
	sink := newRecordingSink(7)

	if err := runFor(t, src, sink); err != nil {
		t.Fatalf("Stream returned %v", err)
	}

	frames := sink.get("Video")
	if len(frames) != 7 {
		t.Fatalf("expected 7 frames, got %d", len(frames))
	}
	if frames[3].Payload[0] != 0 || frames[6].Payload[0] != 0 {
		t.Error("rotation should wrap to the first recorded frame")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Timestamp < frames[i-1].Timestamp {
			t.Fatal("re-based timestamps must not decrease across a wrap")
		}
	}
}

func TestPlayback_ConnectErrors(t *testing.T) {
	src, _ := NewPlayback("Video", "", config.LoopRotation, 30, nil)
	if err := src.Connect(context.Background()); err == nil {
		t.Error("expected error without a sequence file")
	}

	src, _ = NewPlayback("Video", filepath.Join(t.TempDir(), "missing.seq"), config.LoopRotation, 30, nil)
	if err := src.Connect(context.Background()); !errors.Is(err, sequence.ErrIO) {
		t.Errorf("expected ErrIO for a missing file, got %v", err)
	}

	if _, err := NewPlayback("Video", "x.seq", config.LoopMode("bounce"), 30, nil); err == nil {
		t.Error("expected error for an unknown loop mode")
	}
}

func TestNew_FromConfig(t *testing.T) {
	tests := []struct {
		cfg     config.DeviceConfig
		streams []string
	}{
		{config.DeviceConfig{ID: "v", Type: config.DeviceSimulatedVideo, FrameRate: 30, Streams: []string{"Video"}, Video: config.VideoConfig{Width: 4, Height: 4}}, []string{"Video"}},
		{config.DeviceConfig{ID: "t", Type: config.DeviceSimulatedTracker, FrameRate: 30, Streams: []string{"A", "B"}}, []string{"A", "B"}},
		{config.DeviceConfig{ID: "p", Type: config.DevicePlayback, FrameRate: 30, Streams: []string{"Tracker"}}, []string{"Tracker"}},
	}
	for _, tt := range tests {
		src, err := New(tt.cfg, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.cfg.Type, err)
		}
		got := src.Streams()
		if len(got) != len(tt.streams) || got[0] != tt.streams[0] {
			t.Errorf("%s: streams %v, want %v", tt.cfg.Type, got, tt.streams)
		}
	}

	if _, err := New(config.DeviceConfig{ID: "x", Type: "laser"}, nil); err == nil {
		t.Error("expected error for unknown device type")
	}
}

func TestPlayback_ThroughDevice(t *testing.T) {
	path := writeSequence(t, 5)
	src, _ := NewPlayback("Video", path, config.LoopExhaust, 30, nil)
	d, err := device.New("SavedDataVideo", src, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.DefaultBuffer().Len() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if n := d.DefaultBuffer().Len(); n != 5 {
		t.Errorf("expected 5 replayed frames, got %d", n)
	}
}
