package source

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/device"
)

// SimulatedVideo produces 8-bit grayscale frames of a diagonal gradient that
// shifts by one pixel per frame.
type SimulatedVideo struct {
	streams   []string
	width     int
	height    int
	frameRate float64
	logger    *zap.Logger

	connected atomic.Bool
	frames    uint64
}

func NewSimulatedVideo(streams []string, width, height int, frameRate float64, logger *zap.Logger) (*SimulatedVideo, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if frameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %g", frameRate)
	}
	if len(streams) == 0 {
		streams = []string{"Video"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedVideo{
		streams:   append([]string(nil), streams...),
		width:     width,
		height:    height,
		frameRate: frameRate,
		logger:    logger,
	}, nil
}

func (v *SimulatedVideo) Streams() []string { return v.streams }

func (v *SimulatedVideo) Connect(ctx context.Context) error {
	v.connected.Store(true)
	v.logger.Debug("simulated video connected", zap.Int("width", v.width), zap.Int("height", v.height))
	return nil
}

func (v *SimulatedVideo) Disconnect() error {
	v.connected.Store(false)
	return nil
}

func (v *SimulatedVideo) Stream(ctx context.Context, sink device.Sink) error {
	if !v.connected.Load() {
		return ErrNotConnected
	}

	limiter := newLimiter(v.frameRate)
	size := strconv.Itoa(v.width) + "x" + strconv.Itoa(v.height)

	for wait(ctx, limiter) {
		shift := v.frames
		v.frames++
		ts := device.Clock()
		img := v.render(shift)

		stop, err := pushAll(sink, v.streams, func(string) buffer.Frame {
			return buffer.Frame{
				Payload:   img,
				Timestamp: ts,
				Fields:    map[string]string{"FrameSize": size},
			}
		})
		if stop {
			return err
		}
	}
	return nil
}

func (v *SimulatedVideo) render(shift uint64) []byte {
	img := make([]byte, v.width*v.height)
	for y := 0; y < v.height; y++ {
		row := img[y*v.width : (y+1)*v.width]
		for x := range row {
			row[x] = byte(uint64(x+y) + shift)
		}
	}
	return img
}
