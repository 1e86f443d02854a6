package source

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/config"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

// Playback replays a recorded sequence file into a single stream. Frames keep
// their payload, status and fields; timestamps are re-based onto the device
// clock so replayed data lines up with live sources.
type Playback struct {
	stream    string
	file      string
	loop      config.LoopMode
	frameRate float64
	logger    *zap.Logger

	frames []buffer.Frame
	rate   float64
	next   int
}

func NewPlayback(stream, file string, loop config.LoopMode, frameRate float64, logger *zap.Logger) (*Playback, error) {
	if stream == "" {
		stream = "Data"
	}
	if loop == "" {
		loop = config.LoopRotation
	}
	if loop != config.LoopRotation && loop != config.LoopExhaust {
		return nil, fmt.Errorf("invalid loop mode %q", loop)
	}
	if frameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %g", frameRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Playback{
		stream:    stream,
		file:      file,
		loop:      loop,
		frameRate: frameRate,
		logger:    logger,
	}, nil
}

func (p *Playback) Streams() []string { return []string{p.stream} }

// File returns the sequence file being replayed.
func (p *Playback) File() string { return p.file }

func (p *Playback) Connect(ctx context.Context) error {
	if p.file == "" {
		return errors.New("no sequence file configured")
	}
	seq, err := sequence.Read(p.file)
	if err != nil {
		return err
	}
	if len(seq.Frames) == 0 {
		return fmt.Errorf("sequence file %s holds no frames", p.file)
	}

	p.frames = seq.Frames
	p.next = 0
	p.rate = p.frameRate
	if first, last, ok := seq.TimeRange(); ok && last > first && len(seq.Frames) > 1 {
		p.rate = float64(len(seq.Frames)-1) / (last - first)
	}

	p.logger.Info("playback loaded",
		zap.String("file", p.file),
		zap.Int("frames", len(p.frames)),
		zap.Float64("rate", p.rate),
		zap.String("loop", string(p.loop)))
	return nil
}

func (p *Playback) Disconnect() error {
	p.frames = nil
	p.next = 0
	return nil
}

func (p *Playback) Stream(ctx context.Context, sink device.Sink) error {
	if len(p.frames) == 0 {
		return ErrNotConnected
	}

	limiter := newLimiter(p.rate)
	streams := []string{p.stream}

	for wait(ctx, limiter) {
		if p.next >= len(p.frames) {
			if p.loop == config.LoopExhaust {
				p.logger.Info("playback exhausted", zap.Int("frames", len(p.frames)))
				return nil
			}
			p.next = 0
		}
		recorded := p.frames[p.next]
		p.next++

		ts := device.Clock()
		stop, err := pushAll(sink, streams, func(string) buffer.Frame {
			return buffer.Frame{
				Payload:   recorded.Payload,
				Fields:    recorded.Fields,
				Status:    recorded.Status,
				Timestamp: ts,
			}
		})
		if stop {
			return err
		}
	}
	return nil
}
