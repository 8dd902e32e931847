package audio

import (
	"context"
	"errors"
	"sync"
)

var ErrRingClosed = errors.New("frame ring closed")

// FrameRing is a bounded FIFO of encoded frames sitting between capture and
// the transport. Capture never blocks on it: when the ring is full the oldest
// unsent frame is discarded to make room for the newest.
//
// It supports one consumer.
type FrameRing struct {
	mu sync.Mutex

	frames [][]byte
	head   int
	size   int

	dropped int
	closed  bool

	updateSignal chan struct{}
}

func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}

	return &FrameRing{
		frames:       make([][]byte, capacity),
		updateSignal: make(chan struct{}, 1),
	}
}

// Push takes ownership of frame. It reports whether an older frame had to be
// dropped and, if so, which one.
func (r *FrameRing) Push(frame []byte) (dropped []byte, ok bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false
	}

	capacity := len(r.frames)
	if r.size == capacity {
		dropped = r.frames[r.head]
		r.frames[r.head] = nil
		r.head = (r.head + 1) % capacity
		r.size--
		r.dropped++
		ok = true
	}

	r.frames[(r.head+r.size)%capacity] = frame
	r.size++
	r.mu.Unlock()

	r.signalUpdate()
	return dropped, ok
}

// Pop blocks until a frame is available, the ring is closed or ctx is done.
// Frames still queued at close are discarded.
func (r *FrameRing) Pop(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRingClosed
		}
		if r.size > 0 {
			frame := r.frames[r.head]
			r.frames[r.head] = nil
			r.head = (r.head + 1) % len(r.frames)
			r.size--
			r.mu.Unlock()
			return frame, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.updateSignal:
		}
	}
}

func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped is the number of frames discarded because the ring was full.
func (r *FrameRing) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *FrameRing) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for i := range r.frames {
		r.frames[i] = nil
	}
	r.size = 0
	r.mu.Unlock()

	r.signalUpdate()
}

func (r *FrameRing) signalUpdate() {
	select {
	case r.updateSignal <- struct{}{}:
	default:
	}
}
