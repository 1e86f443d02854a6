package collector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/config"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/source"
)

// Build creates a collector holding one device per configured entry, in
// configuration order.
func Build(cfg *config.Config, logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := New(logger)

	for _, dc := range cfg.Devices {
		src, err := source.New(dc, logger)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		d, err := device.New(dc.ID, src, dc.BufferSize, logger)
		if err != nil {
			return nil, err
		}
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}

	logger.Info("collector built", zap.Strings("devices", c.IDs()))
	return c, nil
}
