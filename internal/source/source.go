// Package source provides the acquisition backends a device can be built on.
package source

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/config"
	"github.com/dgnsrekt/datacollector/internal/device"
)

// Compile-time interface verification
var (
	_ device.Source = (*SimulatedVideo)(nil)
	_ device.Source = (*SimulatedTracker)(nil)
	_ device.Source = (*Playback)(nil)
)

var ErrNotConnected = errors.New("source is not connected")

// New builds the source selected by cfg.Type.
func New(cfg config.DeviceConfig, logger *zap.Logger) (device.Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("device", cfg.ID), zap.String("type", string(cfg.Type)))

	switch cfg.Type {
	case config.DeviceSimulatedVideo:
		return NewSimulatedVideo(cfg.Streams, cfg.Video.Width, cfg.Video.Height, cfg.FrameRate, logger)
	case config.DeviceSimulatedTracker:
		return NewSimulatedTracker(cfg.Streams, cfg.FrameRate, logger)
	case config.DevicePlayback:
		stream := ""
		if len(cfg.Streams) > 0 {
			stream = cfg.Streams[0]
		}
		return NewPlayback(stream, cfg.Playback.SequenceFile, cfg.Playback.Loop, cfg.FrameRate, logger)
	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.Type)
	}
}

func newLimiter(framesPerSecond float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(framesPerSecond), 1)
}

// pushAll sends a frame built per stream to every stream. It reports stop=true once the device no
// longer accepts frames.
func pushAll(sink device.Sink, streams []string, build func(stream string) buffer.Frame) (stop bool, err error) {
	for _, s := range streams {
		if err := sink.Push(s, build(s)); err != nil {
			if errors.Is(err, device.ErrNotAcquiring) {
				return true, nil
			}
			return true, err
		}
	}
	return false, nil
}

// wait blocks until the limiter admits the next frame. It returns false when
// ctx is done.
func wait(ctx context.Context, l *rate.Limiter) bool {
	return l.Wait(ctx) == nil
}
