package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/buffer"
)

// State of a device's lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateAcquiring
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateAcquiring:
		return "acquiring"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FaultHandler is called once when a running source fails.
type FaultHandler func(id string, err error)

// Device binds one acquisition source to one buffer per output stream and
// drives the Idle -> Connected -> Acquiring -> Stopped state machine.
type Device struct {
	id      string
	source  Source
	streams []string
	buffers map[string]*buffer.StreamBuffer
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	err        error
	stopping   bool
	connecting bool
	cancel     context.CancelFunc
	done       chan struct{}
	result     error // producer return value, valid once done is closed
	onFault    FaultHandler

	// gate guards insertion so that Stop can guarantee nothing is inserted
	// after it returns, even by goroutines the source spawned itself.
	gate      sync.RWMutex
	accepting bool

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// Compile-time interface verification
var _ Sink = (*sink)(nil)

type sink struct{ d *Device }

func (s *sink) Push(stream string, f buffer.Frame) error {
	return s.d.push(stream, f)
}

// New creates an idle device. Each stream reported by the source gets its
// own buffer of bufferSize frames.
func New(id string, source Source, bufferSize int, logger *zap.Logger) (*Device, error) {
	if id == "" {
		return nil, errors.New("device id is required")
	}
	if source == nil {
		return nil, fmt.Errorf("device %s: %w", id, ErrDetached)
	}
	streams := source.Streams()
	if len(streams) == 0 {
		return nil, fmt.Errorf("device %s: source reports no streams", id)
	}

	buffers := make(map[string]*buffer.StreamBuffer, len(streams))
	for _, name := range streams {
		if _, dup := buffers[name]; dup {
			return nil, fmt.Errorf("device %s: duplicate stream %q", id, name)
		}
		b, err := buffer.New(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("device %s: stream %s: %w", id, name, err)
		}
		buffers[name] = b
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Device{
		id:      id,
		source:  source,
		streams: append([]string(nil), streams...),
		buffers: buffers,
		logger:  logger.With(zap.String("device", id)),
	}, nil
}

// ID returns the device identifier.
func (d *Device) ID() string {
	return d.id
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the fault that put the device into StateError, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// SetFaultHandler registers the callback invoked when the source fails.
func (d *Device) SetFaultHandler(h FaultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFault = h
}

// Streams returns the stream names in source order.
func (d *Device) Streams() []string {
	return append([]string(nil), d.streams...)
}

// Buffer returns the buffer of the named stream.
func (d *Device) Buffer(stream string) (*buffer.StreamBuffer, error) {
	b, ok := d.buffers[stream]
	if !ok {
		return nil, fmt.Errorf("device %s: %w: %s", d.id, ErrUnknownStream, stream)
	}
	return b, nil
}

// DefaultBuffer returns the buffer of the first stream.
func (d *Device) DefaultBuffer() *buffer.StreamBuffer {
	return d.buffers[d.streams[0]]
}

// Counters returns how many frames were accepted and dropped since creation.
func (d *Device) Counters() (pushed, dropped uint64) {
	return d.pushed.Load(), d.dropped.Load()
}

// Connect opens the source. Connecting an already connected device is a
// no-op, and a stopped device returns to Connected without reopening.
// The device lock is released while the source connects, so state queries
// and Stop stay responsive during a slow connect.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateConnected:
		d.mu.Unlock()
		return nil
	case StateStopped:
		d.state = StateConnected
		d.mu.Unlock()
		return nil
	case StateAcquiring:
		d.mu.Unlock()
		return opError(d.id, "connect", ErrConnection, errors.New("device is acquiring"))
	}
	if d.connecting {
		d.mu.Unlock()
		return opError(d.id, "connect", ErrConnection, errConnecting)
	}
	if d.source == nil {
		d.mu.Unlock()
		return opError(d.id, "connect", ErrConnection, ErrDetached)
	}
	reopen := d.state == StateError
	d.connecting = true
	d.mu.Unlock()

	if reopen {
		if err := d.source.Disconnect(); err != nil {
			d.logger.Warn("disconnect before reconnect failed", zap.Error(err))
		}
	}

	d.logger.Info("connecting")
	err := d.source.Connect(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.connecting = false
	if err != nil {
		return opError(d.id, "connect", ErrConnection, err)
	}
	d.state = StateConnected
	d.err = nil
	return nil
}

// Start launches the producer. The device must be Connected.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateConnected {
		return opError(d.id, "start", ErrStart, fmt.Errorf("device is %s, not connected", d.state))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.gate.Lock()
	d.accepting = true
	d.gate.Unlock()

	d.cancel = cancel
	d.done = done
	d.result = nil
	d.state = StateAcquiring

	go d.produce(ctx, cancel, done)

	d.logger.Info("acquisition started", zap.Strings("streams", d.streams))
	return nil
}

func (d *Device) produce(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	err := d.source.Stream(ctx, &sink{d: d})
	cancelled := ctx.Err() != nil
	// anything the source left running on ctx ends with the producer
	cancel()

	d.mu.Lock()
	d.result = err
	faulted := err != nil && !d.stopping && !cancelled
	if faulted {
		d.closeGate()
		d.state = StateError
		d.err = opError(d.id, "acquire", ErrFault, err)
	}
	fault := d.err
	handler := d.onFault
	d.mu.Unlock()
	close(done)

	if faulted {
		d.logger.Error("acquisition fault", zap.Error(err))
		if handler != nil {
			handler(d.id, fault)
		}
		return
	}
	if !cancelled {
		d.logger.Info("source finished producing")
	}
}

// Stop halts the producer and waits for it to exit. Once Stop returns no
// further frames are inserted. Calling Stop on a device that is not
// acquiring does nothing.
func (d *Device) Stop() error {
	d.mu.Lock()
	if d.state != StateAcquiring || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.closeGate()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopping = false
	if d.state == StateAcquiring {
		d.state = StateStopped
	}

	pushed, dropped := d.Counters()
	d.logger.Info("acquisition stopped", zap.Uint64("pushed", pushed), zap.Uint64("dropped", dropped))

	if d.result != nil && !errors.Is(d.result, context.Canceled) {
		return opError(d.id, "stop", ErrStop, d.result)
	}
	return nil
}

// Disconnect releases the source and returns the device to Idle. An
// acquiring device must be stopped first.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connecting {
		return opError(d.id, "disconnect", ErrDisconnect, errConnecting)
	}
	switch d.state {
	case StateIdle:
		return nil
	case StateAcquiring:
		return opError(d.id, "disconnect", ErrDisconnect, errors.New("device is acquiring"))
	}

	d.state = StateIdle
	if d.source == nil {
		return nil
	}
	d.logger.Info("disconnecting")
	if err := d.source.Disconnect(); err != nil {
		return opError(d.id, "disconnect", ErrDisconnect, err)
	}
	return nil
}

// DeepCopy returns a detached replica holding the identifier and an
// independent snapshot of every stream buffer. The original keeps running.
func (d *Device) DeepCopy() *Device {
	buffers := make(map[string]*buffer.StreamBuffer, len(d.buffers))
	for name, b := range d.buffers {
		buffers[name] = b.Snapshot()
	}
	return &Device{
		id:      d.id,
		streams: append([]string(nil), d.streams...),
		buffers: buffers,
		logger:  d.logger,
	}
}

func (d *Device) closeGate() {
	d.gate.Lock()
	d.accepting = false
	d.gate.Unlock()
}

func (d *Device) push(stream string, f buffer.Frame) error {
	d.gate.RLock()
	defer d.gate.RUnlock()

	if !d.accepting {
		return ErrNotAcquiring
	}
	b, ok := d.buffers[stream]
	if !ok {
		d.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	if _, err := b.Insert(f); err != nil {
		d.dropped.Add(1)
		return err
	}
	d.pushed.Add(1)
	return nil
}
