// Package collector keeps the registry of acquisition devices and applies
// lifecycle operations to all of them at once.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/device"
)

var (
	ErrDuplicateIdentifier = errors.New("device identifier already registered")
	ErrNotFound            = errors.New("device not found")
)

// Result tallies one lifecycle operation applied to every device.
type Result struct {
	Op        string
	Total     int
	Succeeded int
	Failed    int
	Errors    []error
}

// Err combines every per-device failure, or returns nil.
func (r *Result) Err() error {
	return multierr.Combine(r.Errors...)
}

func (r *Result) record(err error) {
	if err != nil {
		r.Failed++
		r.Errors = append(r.Errors, err)
		return
	}
	r.Succeeded++
}

// first returns the first failure wrapped with the tally.
func (r *Result) first() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d of %d devices failed: %w", r.Op, r.Failed, r.Total, r.Errors[0])
}

// Collector owns an ordered set of devices keyed by identifier.
type Collector struct {
	mu      sync.RWMutex
	devices []*device.Device
	byID    map[string]*device.Device
	faults  map[string]error
	watch   []device.FaultHandler
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		byID:   make(map[string]*device.Device),
		faults: make(map[string]error),
		logger: logger,
	}
}

// Register adds d. Identifiers must be unique.
func (c *Collector) Register(d *device.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[d.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, d.ID())
	}
	c.devices = append(c.devices, d)
	c.byID[d.ID()] = d
	d.SetFaultHandler(c.onFault)

	c.logger.Debug("device registered", zap.String("device", d.ID()), zap.Strings("streams", d.Streams()))
	return nil
}

func (c *Collector) onFault(id string, err error) {
	c.mu.Lock()
	c.faults[id] = err
	watch := append([]device.FaultHandler(nil), c.watch...)
	c.mu.Unlock()
	c.logger.Error("device fault", zap.String("device", id), zap.Error(err))

	for _, h := range watch {
		h(id, err)
	}
}

// OnFault registers h to be called after any device faults. Handlers run on
// the failing device's producer goroutine and must not block.
func (c *Collector) OnFault(h device.FaultHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watch = append(c.watch, h)
}

// Device looks a device up by identifier.
func (c *Collector) Device(id string) (*device.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// Devices returns the registered devices in registration order.
func (c *Collector) Devices() []*device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*device.Device(nil), c.devices...)
}

// IDs returns the registered identifiers in registration order.
func (c *Collector) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, len(c.devices))
	for i, d := range c.devices {
		ids[i] = d.ID()
	}
	return ids
}

// Faults returns the producer failures seen so far, keyed by device.
func (c *Collector) Faults() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]error, len(c.faults))
	for id, err := range c.faults {
		out[id] = err
	}
	return out
}

// Connect connects every device. A failing device does not stop the others
// and nothing is rolled back.
func (c *Collector) Connect(ctx context.Context) (*Result, error) {
	return c.apply("connect", func(d *device.Device) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return d.Connect(ctx)
	})
}

// Start starts acquisition on every device.
func (c *Collector) Start() (*Result, error) {
	return c.apply("start", func(d *device.Device) error {
		return d.Start()
	})
}

// Stop stops every device in registration order.
func (c *Collector) Stop() (*Result, error) {
	return c.apply("stop", func(d *device.Device) error {
		return d.Stop()
	})
}

// Disconnect disconnects every device in registration order.
func (c *Collector) Disconnect() (*Result, error) {
	return c.apply("disconnect", func(d *device.Device) error {
		return d.Disconnect()
	})
}

func (c *Collector) apply(op string, fn func(*device.Device) error) (*Result, error) {
	devices := c.Devices()

	result := &Result{Op: op, Total: len(devices)}
	for _, d := range devices {
		err := fn(d)
		if err != nil {
			c.logger.Error(op+" failed", zap.String("device", d.ID()), zap.Error(err))
		}
		result.record(err)
	}

	c.logger.Info(op+" complete",
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))

	return result, result.first()
}

// State collapses the device states: acquiring if any device acquires, else
// connected if any is connected, else stopped if any is stopped, else idle.
func (c *Collector) State() device.State {
	seen := make(map[device.State]bool)
	for _, d := range c.Devices() {
		seen[d.State()] = true
	}
	for _, s := range []device.State{device.StateAcquiring, device.StateConnected, device.StateStopped} {
		if seen[s] {
			return s
		}
	}
	return device.StateIdle
}
