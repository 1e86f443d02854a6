package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

// burstSource pushes n frames per stream, then idles until stopped.
type burstSource struct {
	streams []string
	n       int
}

func (b *burstSource) Streams() []string                 { return b.streams }
func (b *burstSource) Connect(ctx context.Context) error { return nil }
func (b *burstSource) Disconnect() error                 { return nil }

func (b *burstSource) Stream(ctx context.Context, sink device.Sink) error {
	for i := 0; i < b.n; i++ {
		for _, s := range b.streams {
			if err := sink.Push(s, buffer.Frame{Timestamp: float64(i), Payload: []byte{byte(i)}}); err != nil {
				return nil
			}
		}
	}
	<-ctx.Done()
	return nil
}

func startDevice(t *testing.T, id string, src *burstSource) *device.Device {
	t.Helper()
	d, err := device.New(id, src, 16, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	deadline := time.Now().Add(time.Second)
	for {
		ready := true
		for _, s := range src.streams {
			b, _ := d.Buffer(s)
			if b.Len() < src.n {
				ready = false
			}
		}
		if ready {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("device %s never filled its buffers", id)
		}
		time.Sleep(time.Millisecond)
	}
}

type memRecorder struct {
	mu    sync.Mutex
	infos []*sequence.Info
	err   error
}

func (r *memRecorder) Record(ctx context.Context, info *sequence.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
	return r.err
}

func TestManager_Execute(t *testing.T) {
	tmpDir := t.TempDir()

	video := startDevice(t, "SavedDataVideo", &burstSource{streams: []string{"Video"}, n: 5})
	tracker := startDevice(t, "SavedDataTracker", &burstSource{streams: []string{"Probe", "Stylus"}, n: 3})

	rec := &memRecorder{}
	logger, _ := zap.NewDevelopment()
	mgr := NewManager(Devices{video.ID(): video, tracker.ID(): tracker}, sequence.NewWriter(logger), tmpDir, 2, rec, logger)

	tasks := append(TasksFor(video, "VideoBufferMetafile", true), TasksFor(tracker, "TrackerBufferMetafile", false)...)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	result, err := mgr.Execute(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Total != 3 || result.Success != 3 || result.Failed != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(rec.infos) != 3 {
		t.Errorf("expected 3 catalogued files, got %d", len(rec.infos))
	}

	for _, name := range []string{"VideoBufferMetafile.seq", "TrackerBufferMetafile_Probe.seq", "TrackerBufferMetafile_Stylus.seq"} {
		if _, err := os.Stat(filepath.Join(tmpDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	seq, err := sequence.Read(filepath.Join(tmpDir, "TrackerBufferMetafile_Stylus.seq"))
	if err != nil {
		t.Fatal(err)
	}
	if seq.Header.DeviceID != "SavedDataTracker" || seq.Header.Stream != "Stylus" || len(seq.Frames) != 3 {
		t.Errorf("unexpected sequence %+v with %d frames", seq.Header, len(seq.Frames))
	}
}

func TestManager_EmptyAndFailed(t *testing.T) {
	tmpDir := t.TempDir()

	empty, err := device.New("Empty", &burstSource{streams: []string{"Video"}}, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(Devices{"Empty": empty}, sequence.NewWriter(nil), tmpDir, 1, nil, nil)

	result, err := mgr.Execute(context.Background(), []Task{
		{DeviceID: "Empty", Stream: "Video", Name: "empty"},
		{DeviceID: "Ghost", Stream: "Video", Name: "ghost"},
		{DeviceID: "Empty", Stream: "Nope", Name: "nope"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Empty != 1 || result.Failed != 2 || result.Success != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(result.Errors) != 2 || result.Err() == nil {
		t.Errorf("expected 2 errors, got %v", result.Errors)
	}
	if !errors.Is(result.Err(), device.ErrUnknownStream) {
		t.Errorf("combined error should keep causes, got %v", result.Err())
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "empty.seq")); !os.IsNotExist(err) {
		t.Error("empty buffer should not produce a file")
	}
}

func TestManager_RecorderFailureIsNotExportFailure(t *testing.T) {
	video := startDevice(t, "Video", &burstSource{streams: []string{"Video"}, n: 2})
	rec := &memRecorder{err: errors.New("database is locked")}
	mgr := NewManager(Devices{"Video": video}, sequence.NewWriter(nil), t.TempDir(), 1, rec, nil)

	result, err := mgr.Execute(context.Background(), TasksFor(video, "out", false))
	if err != nil {
		t.Fatal(err)
	}
	if result.Success != 1 || result.Failed != 0 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestManager_NoTasks(t *testing.T) {
	mgr := NewManager(Devices{}, sequence.NewWriter(nil), t.TempDir(), 2, nil, nil)
	result, err := mgr.Execute(context.Background(), nil)
	if err != nil || result.Total != 0 {
		t.Errorf("unexpected result %+v, %v", result, err)
	}
}

func TestBatchResult_Fail(t *testing.T) {
	r := &BatchResult{}
	cause := errors.New("connect failed")
	r.Fail("connect", cause)
	if r.Total != 1 || r.Failed != 1 || !errors.Is(r.Err(), cause) {
		t.Errorf("unexpected result %+v", r)
	}
}

type listRegistry []*device.Device

func (l listRegistry) Devices() []*device.Device { return l }

func TestScheduler_RunOnce(t *testing.T) {
	tmpDir := t.TempDir()

	live := startDevice(t, "Tracker", &burstSource{streams: []string{"Probe", "Stylus"}, n: 4})
	idle, _ := device.New("Idle", &burstSource{streams: []string{"Video"}}, 4, nil)

	devices := Devices{"Tracker": live, "Idle": idle}
	mgr := NewManager(devices, sequence.NewWriter(nil), tmpDir, 2, nil, nil)
	sched := NewScheduler(mgr, listRegistry{live, idle}, time.Minute, true, nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sched.now = func() time.Time { return at }

	result, err := sched.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 2 || result.Success != 2 {
		t.Errorf("only the acquiring device should be exported, got %+v", result)
	}

	want := filepath.Join(tmpDir, "Tracker_Probe_20260102T030405.000Z.seq")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected %s: %v", want, err)
	}
}

func TestScheduler_Disabled(t *testing.T) {
	mgr := NewManager(Devices{}, sequence.NewWriter(nil), t.TempDir(), 1, nil, nil)
	sched := NewScheduler(mgr, listRegistry{}, 0, false, nil)

	done := make(chan struct{})
	go func() {
		sched.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return immediately")
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"VideoBufferMetafile", "snap.v2", "Tracker_Probe_20260102T030405.000Z"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "../escaped", "sub/snap", `sub\snap`, "/tmp/abs"} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestManager_RejectsEscapingNames(t *testing.T) {
	parent := t.TempDir()
	outDir := filepath.Join(parent, "out")

	video := startDevice(t, "SavedDataVideo", &burstSource{streams: []string{"Video"}, n: 2})
	mgr := NewManager(Devices{video.ID(): video}, sequence.NewWriter(nil), outDir, 1, nil, zap.NewNop())

	result, err := mgr.Execute(context.Background(), TasksFor(video, "../escaped", false))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 || !errors.Is(result.Err(), ErrInvalidName) {
		t.Errorf("expected the task to fail with ErrInvalidName, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped.seq")); !os.IsNotExist(err) {
		t.Errorf("file written outside the output dir: %v", err)
	}
}
