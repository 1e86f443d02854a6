package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/catalog"
	"github.com/dgnsrekt/datacollector/internal/collector"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/export"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

// fixedSource pushes a known set of frames and idles until stopped.
type fixedSource struct {
	streams []string
	frames  []buffer.Frame
	pushed  chan struct{}
}

func (f *fixedSource) Streams() []string                 { return f.streams }
func (f *fixedSource) Connect(ctx context.Context) error { return nil }
func (f *fixedSource) Disconnect() error                 { return nil }

func (f *fixedSource) Stream(ctx context.Context, sink device.Sink) error {
	for _, fr := range f.frames {
		for _, s := range f.streams {
			if err := sink.Push(s, fr); err != nil {
				return nil
			}
		}
	}
	close(f.pushed)
	<-ctx.Done()
	return nil
}

type testEnv struct {
	handler http.Handler
	store   *catalog.Store
	dir     string
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	src := &fixedSource{
		streams: []string{"Video"},
		frames: []buffer.Frame{
			{Timestamp: 1.0, Payload: make([]byte, 12)},
			{Timestamp: 2.0, Payload: make([]byte, 12), Fields: map[string]string{"FrameSize": "4x3"}},
			{Timestamp: 3.0, Status: buffer.StatusMissing},
		},
		pushed: make(chan struct{}),
	}
	d, err := device.New("SavedDataVideo", src, 10, logger)
	if err != nil {
		t.Fatal(err)
	}
	c := collector.New(logger)
	if err := c.Register(d); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _, _ = c.Stop() })
	<-src.pushed

	store, err := catalog.Open(filepath.Join(dir, "catalog.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mgr := export.NewManager(c, sequence.NewWriter(logger), dir, 2, store, logger)
	handler, err := NewRouter(NewServer(c, mgr, store, true, logger), logger)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{handler: handler, store: store, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decoding %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	env := setup(t)
	var resp HealthResponse
	if code := env.do(t, http.MethodGet, "/health", &resp); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if resp.Status != "ok" || resp.State != "acquiring" || resp.Devices != 1 {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestDevices(t *testing.T) {
	env := setup(t)

	var list []DeviceInfo
	if code := env.do(t, http.MethodGet, "/devices", &list); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(list) != 1 || list[0].ID != "SavedDataVideo" {
		t.Fatalf("unexpected devices %+v", list)
	}

	var info DeviceInfo
	env.do(t, http.MethodGet, "/devices/SavedDataVideo", &info)
	if len(info.Streams) != 1 || info.Streams[0].Len != 3 || info.Streams[0].Capacity != 10 {
		t.Errorf("unexpected device %+v", info)
	}
	if info.Streams[0].OldestTimestamp == nil || *info.Streams[0].NewestTimestamp != 3.0 {
		t.Errorf("unexpected time range %+v", info.Streams[0])
	}

	var errResp ErrorResponse
	if code := env.do(t, http.MethodGet, "/devices/Nope", &errResp); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown device, got %d", code)
	}
}

func TestFrames(t *testing.T) {
	env := setup(t)

	var f FrameInfo
	if code := env.do(t, http.MethodGet, "/devices/SavedDataVideo/streams/Video/frames?index=1", &f); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if f.FrameNumber != 2 || f.PayloadSize != 12 || f.Fields["FrameSize"] != "4x3" {
		t.Errorf("unexpected frame %+v", f)
	}

	env.do(t, http.MethodGet, "/devices/SavedDataVideo/streams/Video/frames", &f)
	if f.FrameNumber != 3 || f.Status != "missing" {
		t.Errorf("expected latest frame, got %+v", f)
	}

	env.do(t, http.MethodGet, "/devices/SavedDataVideo/streams/Video/frames?number=1", &f)
	if f.Timestamp != 1.0 {
		t.Errorf("expected frame 1, got %+v", f)
	}

	env.do(t, http.MethodGet, "/devices/SavedDataVideo/streams/Video/frames/closest?t=1.5", &f)
	if f.FrameNumber != 1 {
		t.Errorf("tie should resolve to the earlier frame, got %+v", f)
	}

	tests := []struct {
		target string
		code   int
	}{
		{"/devices/SavedDataVideo/streams/Video/frames?index=9", http.StatusNotFound},
		{"/devices/SavedDataVideo/streams/Video/frames?index=x", http.StatusBadRequest},
		{"/devices/SavedDataVideo/streams/Audio/frames", http.StatusNotFound},
		{"/devices/SavedDataVideo/streams/Video/frames/closest?t=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code := env.do(t, http.MethodGet, tt.target, nil); code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.target, tt.code, code)
		}
	}
}

func TestExportAndRecordings(t *testing.T) {
	env := setup(t)

	var resp ExportResponse
	if code := env.do(t, http.MethodPost, "/devices/SavedDataVideo/export?name=snap&compressed=false", &resp); code != http.StatusOK {
		t.Fatalf("status %d: %+v", code, resp)
	}
	if resp.Success != 1 || len(resp.Files) != 1 || resp.Files[0].Frames != 3 {
		t.Fatalf("unexpected export %+v", resp)
	}
	if resp.Files[0].Path != filepath.Join(env.dir, "snap.seq") {
		t.Errorf("unexpected path %s", resp.Files[0].Path)
	}

	seq, err := sequence.Read(resp.Files[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if seq.Compressed || len(seq.Frames) != 3 {
		t.Errorf("unexpected file contents: compressed=%v frames=%d", seq.Compressed, len(seq.Frames))
	}

	var recs []catalog.Recording
	if code := env.do(t, http.MethodGet, "/recordings?device=SavedDataVideo", &recs); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(recs) != 1 || recs[0].ID != resp.Files[0].RecordingID {
		t.Errorf("unexpected recordings %+v", recs)
	}

	if code := env.do(t, http.MethodGet, "/recordings?limit=-1", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", code)
	}
	if code := env.do(t, http.MethodPost, "/devices/SavedDataVideo/export?compressed=maybe", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad flag, got %d", code)
	}
}

func TestRecordings_Disabled(t *testing.T) {
	handler, err := NewRouter(NewServer(collector.New(nil), nil, nil, false, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recordings", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a catalog, got %d", rec.Code)
	}
}

func TestExport_RejectsNamesOutsideOutputDir(t *testing.T) {
	env := setup(t)

	for _, name := range []string{"..%2Fescaped", "sub%2Fsnap", "..", "%2Ftmp%2Fabs"} {
		var errResp ErrorResponse
		target := "/devices/SavedDataVideo/export?name=" + name
		if code := env.do(t, http.MethodPost, target, &errResp); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, code)
		}
		if errResp.Error == "" {
			t.Errorf("%s: expected an error message", target)
		}
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(env.dir), "*.seq"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("files written outside the output dir: %v", matches)
	}
	entries, err := os.ReadDir(env.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == sequence.Extension {
			t.Errorf("rejected export still wrote %s", e.Name())
		}
	}
}

func TestOpenAPI(t *testing.T) {
	env := setup(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "openapi: 3.0.3") {
		t.Fatalf("unexpected openapi.yaml response %d: %.40q", rec.Code, rec.Body.String())
	}

	// requests the document does not describe are rejected before the handlers
	var errResp ErrorResponse
	if code := env.do(t, http.MethodGet, "/devices/SavedDataVideo/streams/Video/frames?number=-3", &errResp); code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative frame number, got %d", code)
	}
	if code := env.do(t, http.MethodGet, "/devices/SavedDataVideo/streams/Video/frames/closest", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 without t, got %d", code)
	}
}
