package sequence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
)

// Extension is appended to every sequence file name.
const Extension = ".seq"

var (
	ErrIO       = errors.New("sequence i/o error")
	ErrEncoding = errors.New("sequence encoding error")
)

// FileName returns name with the sequence extension, unless it already has it.
func FileName(name string) string {
	if strings.HasSuffix(name, Extension) {
		return name
	}
	return name + Extension
}

// Info describes a sequence file that was written.
type Info struct {
	RecordingID    string
	Path           string
	DeviceID       string
	Stream         string
	Frames         int
	FirstTimestamp float64
	LastTimestamp  float64
	Compressed     bool
	Bytes          int64
	CreatedAt      time.Time
}

type writeOptions struct {
	deviceID string
	stream   string
}

// WriteOption annotates the header of a written file.
type WriteOption func(*writeOptions)

// WithDevice records the producing device identifier.
func WithDevice(id string) WriteOption {
	return func(o *writeOptions) { o.deviceID = id }
}

// WithStream records the stream name.
func WithStream(name string) WriteOption {
	return func(o *writeOptions) { o.stream = name }
}

// Writer persists buffer snapshots as sequence files.
type Writer struct {
	logger *zap.Logger
}

func NewWriter(logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger}
}

// Write stores every frame of snap, oldest first, in dest. The file appears
// complete or not at all: the body goes to a temp file that is synced and
// renamed into place, and removed on any failure.
func (w *Writer) Write(ctx context.Context, snap *buffer.StreamBuffer, dest string, compressed bool, opts ...WriteOption) (*Info, error) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	frames := snap.Frames()
	for i := range frames {
		if err := validateFrame(&frames[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
	}

	created := time.Now().UTC()
	hdr := &Header{
		RecordingID: uuid.NewString(),
		DeviceID:    o.deviceID,
		Stream:      o.stream,
		FrameCount:  uint64(len(frames)),
		CreatedUnix: created.UnixNano(),
		Capacity:    uint64(snap.Capacity()),
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return nil, fmt.Errorf("%w: creating directories: %v", ErrIO, err)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %v", ErrIO, err)
	}

	err = w.encode(ctx, f, hdr, frames, compressed)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: writing %s: %v", ErrIO, dest, err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: renaming temp file: %v", ErrIO, err)
	}

	info := &Info{
		RecordingID: hdr.RecordingID,
		Path:        dest,
		DeviceID:    o.deviceID,
		Stream:      o.stream,
		Frames:      len(frames),
		Compressed:  compressed,
		CreatedAt:   created,
	}
	if len(frames) > 0 {
		info.FirstTimestamp = frames[0].Timestamp
		info.LastTimestamp = frames[len(frames)-1].Timestamp
	}
	if st, err := os.Stat(dest); err == nil {
		info.Bytes = st.Size()
	}

	w.logger.Info("sequence written",
		zap.String("path", dest),
		zap.String("recording", info.RecordingID),
		zap.Int("frames", info.Frames),
		zap.Int64("bytes", info.Bytes),
		zap.Bool("compressed", compressed))

	return info, nil
}

func (w *Writer) encode(ctx context.Context, f *os.File, hdr *Header, frames []buffer.Frame, compressed bool) error {
	bw := bufio.NewWriter(f)
	if err := writePreamble(bw, compressed); err != nil {
		return err
	}

	var body io.Writer = bw
	var zw *zstd.Encoder
	if compressed {
		var err error
		zw, err = zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		body = zw
	}

	err := writeRecords(ctx, body, hdr, frames)
	if zw != nil {
		if closeErr := zw.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeRecords(ctx context.Context, w io.Writer, hdr *Header, frames []buffer.Frame) error {
	if err := writeRecord(w, appendHeader(nil, hdr)); err != nil {
		return err
	}
	var scratch []byte
	for i := range frames {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		scratch = appendFrame(scratch[:0], &frames[i])
		if err := writeRecord(w, scratch); err != nil {
			return err
		}
	}
	return nil
}
