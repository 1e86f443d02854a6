package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/device"
)

// PoseSize is the payload size of a tracker frame: a row-major 4x4 matrix of
// little-endian float64.
const PoseSize = 16 * 8

// missingEvery makes every n-th sample of the last tool a Missing placeholder,
// the way an optical tracker loses sight of a marker.
const missingEvery = 10

// SimulatedTracker produces one pose stream per tool. Each tool circles the
// origin on its own radius.
type SimulatedTracker struct {
	tools     []string
	frameRate float64
	logger    *zap.Logger

	connected atomic.Bool
	samples   uint64
}

func NewSimulatedTracker(tools []string, frameRate float64, logger *zap.Logger) (*SimulatedTracker, error) {
	if len(tools) == 0 {
		return nil, errors.New("tracker needs at least one tool")
	}
	if frameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %g", frameRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedTracker{
		tools:     append([]string(nil), tools...),
		frameRate: frameRate,
		logger:    logger,
	}, nil
}

func (t *SimulatedTracker) Streams() []string { return t.tools }

func (t *SimulatedTracker) Connect(ctx context.Context) error {
	t.connected.Store(true)
	t.logger.Debug("simulated tracker connected", zap.Strings("tools", t.tools))
	return nil
}

func (t *SimulatedTracker) Disconnect() error {
	t.connected.Store(false)
	return nil
}

func (t *SimulatedTracker) Stream(ctx context.Context, sink device.Sink) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	limiter := newLimiter(t.frameRate)
	last := t.tools[len(t.tools)-1]

	for wait(ctx, limiter) {
		n := t.samples
		t.samples++
		ts := device.Clock()
		angle := float64(n) / t.frameRate

		stop, err := pushAll(sink, t.tools, func(tool string) buffer.Frame {
			if tool == last && n%missingEvery == missingEvery-1 {
				return buffer.Frame{
					Timestamp: ts,
					Status:    buffer.StatusMissing,
					Fields:    map[string]string{"ToolStatus": "MISSING"},
				}
			}
			radius := 10 * float64(t.toolIndex(tool)+1)
			return buffer.Frame{
				Payload:   EncodePose(translation(radius*math.Cos(angle), radius*math.Sin(angle), 0)),
				Timestamp: ts,
				Fields:    map[string]string{"ToolStatus": "OK"},
			}
		})
		if stop {
			return err
		}
	}
	return nil
}

func (t *SimulatedTracker) toolIndex(tool string) int {
	for i, name := range t.tools {
		if name == tool {
			return i
		}
	}
	return 0
}

func translation(x, y, z float64) [16]float64 {
	return [16]float64{
		1, 0, 0, x,
		0, 1, 0, y,
		0, 0, 1, z,
		0, 0, 0, 1,
	}
}

// EncodePose serializes a 4x4 transform.
func EncodePose(m [16]float64) []byte {
	b := make([]byte, PoseSize)
	for i, v := range m {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

// DecodePose parses a payload produced by EncodePose.
func DecodePose(b []byte) ([16]float64, error) {
	var m [16]float64
	if len(b) != PoseSize {
		return m, fmt.Errorf("pose payload is %d bytes, want %d", len(b), PoseSize)
	}
	for i := range m {
		m[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return m, nil
}
