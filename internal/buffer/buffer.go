package buffer

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrNotFound         = errors.New("no frame found")
	ErrOutOfRange       = errors.New("frame index out of range")
	ErrInvalidCapacity  = errors.New("buffer capacity must be positive")
	ErrTimestampOrder   = errors.New("frame timestamp is older than the previous frame")
	ErrInvalidTimestamp = errors.New("frame timestamp is not finite")
)

const firstFrameNumber uint64 = 1

// StreamBuffer is a fixed-capacity circular history of frames.
//
// Slots are allocated once at construction and the head index advances
// modulo capacity, so inserting never reallocates. A single producer writes
// through Insert; any number of readers may query or snapshot concurrently.
// Readers hold the read lock only while copying frames out.
type StreamBuffer struct {
	mu sync.RWMutex

	slots []Frame
	head  int // next slot to write
	count int

	nextFrameNumber uint64
	lastTimestamp   float64
	hasTimestamp    bool
}

// New creates a StreamBuffer holding at most capacity frames.
func New(capacity int) (*StreamBuffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &StreamBuffer{
		slots:           make([]Frame, capacity),
		nextFrameNumber: firstFrameNumber,
	}, nil
}

// Capacity returns the fixed number of slots.
func (b *StreamBuffer) Capacity() int {
	return len(b.slots)
}

// Len returns the number of frames currently retained.
func (b *StreamBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LatestFrameNumber returns the frame number of the newest insertion,
// or 0 if nothing was ever inserted.
func (b *StreamBuffer) LatestFrameNumber() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextFrameNumber - 1
}

// Insert stores a copy of f, evicting the oldest frame when the buffer is
// full, and returns the frame number assigned to it. Any frame may fall out
// of retention once capacity is exceeded; eviction is not signalled.
func (b *StreamBuffer) Insert(f Frame) (uint64, error) {
	if math.IsNaN(f.Timestamp) || math.IsInf(f.Timestamp, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, f.Timestamp)
	}

	// copy outside the lock so readers are held up only for the slot write
	stored := f.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasTimestamp && stored.Timestamp < b.lastTimestamp {
		return 0, fmt.Errorf("%w: %.6f < %.6f", ErrTimestampOrder, stored.Timestamp, b.lastTimestamp)
	}

	stored.FrameNumber = b.nextFrameNumber
	b.nextFrameNumber++

	b.slots[b.head] = stored
	b.head = (b.head + 1) % len(b.slots)
	if b.count < len(b.slots) {
		b.count++
	}

	b.lastTimestamp = stored.Timestamp
	b.hasTimestamp = true
	return stored.FrameNumber, nil
}

// physical maps a logical position (0 = oldest) to a slot index.
// Caller must hold the lock.
func (b *StreamBuffer) physical(logical int) int {
	n := len(b.slots)
	return (b.head - b.count + logical + n) % n
}

// GetByIndex returns the i-th most recent frame, 0 being the newest.
func (b *StreamBuffer) GetByIndex(i int) (Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if i < 0 || i >= b.count {
		return Frame{}, fmt.Errorf("%w: index %d, %d frames buffered", ErrOutOfRange, i, b.count)
	}
	return b.slots[b.physical(b.count-1-i)].Clone(), nil
}

// GetByFrameNumber returns the frame with the given frame number if it is
// still retained.
func (b *StreamBuffer) GetByFrameNumber(n uint64) (Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return Frame{}, fmt.Errorf("%w: frame %d, buffer is empty", ErrOutOfRange, n)
	}
	oldest := b.slots[b.physical(0)].FrameNumber
	newest := b.nextFrameNumber - 1
	if n < oldest || n > newest {
		return Frame{}, fmt.Errorf("%w: frame %d not in [%d, %d]", ErrOutOfRange, n, oldest, newest)
	}
	// frame numbers are contiguous within one buffer's retention window
	return b.slots[b.physical(int(n-oldest))].Clone(), nil
}

// Latest returns the newest frame.
func (b *StreamBuffer) Latest() (Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return Frame{}, ErrNotFound
	}
	return b.slots[b.physical(b.count-1)].Clone(), nil
}

// Oldest returns the oldest retained frame.
func (b *StreamBuffer) Oldest() (Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return Frame{}, ErrNotFound
	}
	return b.slots[b.physical(0)].Clone(), nil
}

// TimeRange returns the timestamps of the oldest and newest retained frames.
func (b *StreamBuffer) TimeRange() (oldest, newest float64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return 0, 0, ErrNotFound
	}
	return b.slots[b.physical(0)].Timestamp, b.slots[b.physical(b.count-1)].Timestamp, nil
}

// GetByClosestTimestamp returns the frame whose timestamp is closest to t.
// Equidistant candidates resolve to the earlier timestamp, and among frames
// sharing a timestamp the earliest inserted one is returned.
func (b *StreamBuffer) GetByClosestTimestamp(t float64) (Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return Frame{}, fmt.Errorf("%w: buffer is empty", ErrNotFound)
	}

	// lower bound: first logical position with timestamp >= t
	lo, hi := 0, b.count
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if b.slots[b.physical(mid)].Timestamp < t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	best := lo
	switch {
	case lo == b.count:
		best = b.count - 1
	case lo > 0:
		before := b.slots[b.physical(lo-1)].Timestamp
		after := b.slots[b.physical(lo)].Timestamp
		if t-before <= after-t {
			best = lo - 1
		}
	}

	// walk back to the first frame carrying the same timestamp
	ts := b.slots[b.physical(best)].Timestamp
	for best > 0 && b.slots[b.physical(best-1)].Timestamp == ts {
		best--
	}
	return b.slots[b.physical(best)].Clone(), nil
}

// Frames returns deep copies of all retained frames, oldest first.
func (b *StreamBuffer) Frames() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Frame, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.slots[b.physical(i)].Clone()
	}
	return out
}

// Snapshot returns an independent deep copy of the buffer: retained frames,
// capacity and frame numbering state. The copy is a single consistent cut
// of the insertion order and is unaffected by later inserts on b.
func (b *StreamBuffer) Snapshot() *StreamBuffer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &StreamBuffer{
		slots:           make([]Frame, len(b.slots)),
		count:           b.count,
		nextFrameNumber: b.nextFrameNumber,
		lastTimestamp:   b.lastTimestamp,
		hasTimestamp:    b.hasTimestamp,
	}
	// compact so the copy starts at slot 0
	for i := 0; i < b.count; i++ {
		snap.slots[i] = b.slots[b.physical(i)].Clone()
	}
	snap.head = b.count % len(snap.slots)
	return snap
}

// Clear drops every retained frame. Capacity and frame numbering are kept,
// so frame numbers stay unique across a clear; timestamp ordering restarts.
func (b *StreamBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		b.slots[i] = Frame{}
	}
	b.head = 0
	b.count = 0
	b.hasTimestamp = false
	b.lastTimestamp = 0
}
