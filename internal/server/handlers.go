package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/catalog"
	"github.com/dgnsrekt/datacollector/internal/collector"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/export"
)

// Registry is the view of the collector the API reads.
type Registry interface {
	Devices() []*device.Device
	Device(id string) (*device.Device, error)
	State() device.State
	Faults() map[string]error
}

// Recordings lists catalogued sequence files.
type Recordings interface {
	List(ctx context.Context, f catalog.Filter) ([]catalog.Recording, error)
}

// Compile-time interface verification
var (
	_ Registry   = (*collector.Collector)(nil)
	_ Recordings = (*catalog.Store)(nil)
)

type Server struct {
	registry   Registry
	exporter   *export.Manager
	recordings Recordings // nil when the catalog is disabled
	compressed bool
	started    time.Time
	logger     *zap.Logger

	exporting atomic.Bool // one on-demand export at a time
}

func NewServer(registry Registry, exporter *export.Manager, recordings Recordings, compressed bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		registry:   registry,
		exporter:   exporter,
		recordings: recordings,
		compressed: compressed,
		started:    time.Now(),
		logger:     logger,
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Devices int    `json:"devices"`
	Faults  int    `json:"faults"`
	Uptime  string `json:"uptime"`
}

type StreamInfo struct {
	Name              string   `json:"name"`
	Len               int      `json:"len"`
	Capacity          int      `json:"capacity"`
	LatestFrameNumber uint64   `json:"latest_frame_number"`
	OldestTimestamp   *float64 `json:"oldest_timestamp,omitempty"`
	NewestTimestamp   *float64 `json:"newest_timestamp,omitempty"`
}

type DeviceInfo struct {
	ID      string       `json:"id"`
	State   string       `json:"state"`
	Error   string       `json:"error,omitempty"`
	Pushed  uint64       `json:"pushed"`
	Dropped uint64       `json:"dropped"`
	Streams []StreamInfo `json:"streams"`
}

// FrameInfo describes a frame without its payload.
type FrameInfo struct {
	FrameNumber uint64            `json:"frame_number"`
	Timestamp   float64           `json:"timestamp"`
	Status      string            `json:"status"`
	PayloadSize int               `json:"payload_size"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type ExportResponse struct {
	Total   int            `json:"total"`
	Success int            `json:"success"`
	Empty   int            `json:"empty"`
	Failed  int            `json:"failed"`
	Errors  []string       `json:"errors,omitempty"`
	Files   []ExportedFile `json:"files"`
}

type ExportedFile struct {
	RecordingID string `json:"recording_id"`
	Path        string `json:"path"`
	Stream      string `json:"stream"`
	Frames      int    `json:"frames"`
	Bytes       int64  `json:"bytes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		State:   s.registry.State().String(),
		Devices: len(s.registry.Devices()),
		Faults:  len(s.registry.Faults()),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.Devices()
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, describe(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describe(d))
}

// GetFrame returns the frame at ?index=N (0 = newest retained), ?number=N
// (frame number), or the newest frame when neither is given.
func (s *Server) GetFrame(w http.ResponseWriter, r *http.Request) {
	buf, ok := s.stream(w, r)
	if !ok {
		return
	}

	var (
		f   buffer.Frame
		err error
	)
	q := r.URL.Query()
	switch {
	case q.Has("index"):
		var i int
		if err := runtime.BindQueryParameter("form", true, true, "index", q, &i); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f, err = buf.GetByIndex(i)
	case q.Has("number"):
		var n uint64
		if err := runtime.BindQueryParameter("form", true, true, "number", q, &n); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f, err = buf.GetByFrameNumber(n)
	default:
		f, err = buf.Latest()
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, frameInfo(f))
}

func (s *Server) GetClosestFrame(w http.ResponseWriter, r *http.Request) {
	buf, ok := s.stream(w, r)
	if !ok {
		return
	}
	var t float64
	if err := runtime.BindQueryParameter("form", true, true, "t", r.URL.Query(), &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := buf.GetByClosestTimestamp(t)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, frameInfo(f))
}

// ExportDevice snapshots every stream of the device to sequence files.
// ?name= sets the file name; ?compressed= overrides the configured default.
func (s *Server) ExportDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	compressed := s.compressed
	if err := runtime.BindQueryParameter("form", true, false, "compressed", q, &compressed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := q.Get("name")
	if name != "" {
		if err := export.ValidateName(name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if !s.exporting.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "an export is already running")
		return
	}
	defer s.exporting.Store(false)

	var tasks []export.Task
	if name != "" {
		tasks = export.TasksFor(d, name, compressed)
	} else {
		at := time.Now()
		for _, stream := range d.Streams() {
			tasks = append(tasks, export.Task{
				DeviceID:   d.ID(),
				Stream:     stream,
				Name:       export.StampedName(d.ID(), stream, at),
				Compressed: compressed,
			})
		}
	}

	result, err := s.exporter.Execute(r.Context(), tasks)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info("on-demand export",
		zap.String("device", d.ID()),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed))

	resp := ExportResponse{
		Total:   result.Total,
		Success: result.Success,
		Empty:   result.Empty,
		Failed:  result.Failed,
		Errors:  result.Errors,
		Files:   make([]ExportedFile, 0, len(result.Written)),
	}
	for _, info := range result.Written {
		resp.Files = append(resp.Files, ExportedFile{
			RecordingID: info.RecordingID,
			Path:        info.Path,
			Stream:      info.Stream,
			Frames:      info.Frames,
			Bytes:       info.Bytes,
		})
	}

	status := http.StatusOK
	if result.Failed > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) ListRecordings(w http.ResponseWriter, r *http.Request) {
	if s.recordings == nil {
		writeError(w, http.StatusNotFound, "recording catalog is disabled")
		return
	}

	q := r.URL.Query()
	filter := catalog.Filter{DeviceID: q.Get("device"), Stream: q.Get("stream")}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &filter.Limit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	recs, err := s.recordings.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing recordings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []catalog.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	d, err := s.registry.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return d, true
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) (*buffer.StreamBuffer, bool) {
	d, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	buf, err := d.Buffer(chi.URLParam(r, "stream"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return buf, true
}

func describe(d *device.Device) DeviceInfo {
	pushed, dropped := d.Counters()
	info := DeviceInfo{
		ID:      d.ID(),
		State:   d.State().String(),
		Pushed:  pushed,
		Dropped: dropped,
	}
	if err := d.Err(); err != nil {
		info.Error = err.Error()
	}
	for _, name := range d.Streams() {
		buf, err := d.Buffer(name)
		if err != nil {
			continue
		}
		si := StreamInfo{
			Name:              name,
			Len:               buf.Len(),
			Capacity:          buf.Capacity(),
			LatestFrameNumber: buf.LatestFrameNumber(),
		}
		if oldest, newest, err := buf.TimeRange(); err == nil {
			si.OldestTimestamp, si.NewestTimestamp = ptr(oldest), ptr(newest)
		}
		info.Streams = append(info.Streams, si)
	}
	return info
}

func frameInfo(f buffer.Frame) FrameInfo {
	return FrameInfo{
		FrameNumber: f.FrameNumber,
		Timestamp:   f.Timestamp,
		Status:      f.Status.String(),
		PayloadSize: len(f.Payload),
		Fields:      f.Fields,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, collector.ErrNotFound),
		errors.Is(err, device.ErrUnknownStream),
		errors.Is(err, buffer.ErrNotFound),
		errors.Is(err, buffer.ErrOutOfRange):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func ptr[T any](v T) *T { return &v }
