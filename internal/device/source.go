package device

import (
	"context"
	"time"

	"github.com/dgnsrekt/datacollector/internal/buffer"
)

// Source is an acquisition backend (hardware driver, simulator or file
// playback). The concrete variant is chosen once when the device is built.
type Source interface {
	// Streams names the output streams the source produces, in order.
	Streams() []string

	// Connect opens the underlying source. It is only called from Idle or
	// Error, never twice in a row without a Disconnect in between.
	Connect(ctx context.Context) error

	// Disconnect releases the source.
	Disconnect() error

	// Stream runs the producer loop, pushing frames into sink until ctx is
	// cancelled. It returns nil when stopped through ctx, or when the source
	// has nothing more to produce. Any other return value is a fault.
	Stream(ctx context.Context, sink Sink) error
}

// Sink receives frames from a running source.
type Sink interface {
	// Push inserts a frame into the named stream's buffer. It fails with
	// ErrNotAcquiring once the device has been stopped.
	Push(stream string, f buffer.Frame) error
}

var epoch = time.Now()

// Clock returns monotonic seconds since process start. All sources stamp
// frames with it so streams from different devices share a time base.
func Clock() float64 {
	return time.Since(epoch).Seconds()
}
