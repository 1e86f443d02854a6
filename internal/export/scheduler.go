package export

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/device"
)

// Registry lists the devices to export periodically.
type Registry interface {
	Devices() []*device.Device
}

// Scheduler snapshots every acquiring device on a fixed interval.
type Scheduler struct {
	manager    *Manager
	registry   Registry
	interval   time.Duration
	compressed bool
	logger     *zap.Logger
	now        func() time.Time
}

func NewScheduler(manager *Manager, registry Registry, interval time.Duration, compressed bool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		manager:    manager,
		registry:   registry,
		interval:   interval,
		compressed: compressed,
		logger:     logger,
		now:        time.Now,
	}
}

// Run exports on every tick until ctx is cancelled. A non-positive interval
// disables the scheduler.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic export disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("periodic export started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic export stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("periodic export interrupted", zap.Error(err))
			}
		}
	}
}

// RunOnce exports every stream of every acquiring device.
func (s *Scheduler) RunOnce(ctx context.Context) (*BatchResult, error) {
	at := s.now()
	var tasks []Task
	for _, d := range s.registry.Devices() {
		if d.State() != device.StateAcquiring {
			continue
		}
		for _, stream := range d.Streams() {
			tasks = append(tasks, Task{
				DeviceID:   d.ID(),
				Stream:     stream,
				Name:       StampedName(d.ID(), stream, at),
				Compressed: s.compressed,
			})
		}
	}

	result, err := s.manager.Execute(ctx, tasks)
	if err != nil {
		return result, err
	}

	s.logger.Info("periodic export complete",
		zap.Int("total", result.Total),
		zap.Int("success", result.Success),
		zap.Int("empty", result.Empty),
		zap.Int("failed", result.Failed))
	for _, e := range result.Errors {
		s.logger.Warn("export failed", zap.String("error", e))
	}
	return result, nil
}
