package transport

import (
	"context"
	"sync"
)

const (
	defaultEventBuffer  = 64
	defaultOutboxBuffer = 32
)

// Stream is the inbound half shared by Conn implementations. One producer
// goroutine emits, then calls Finish.
type Stream struct {
	events chan Event
	done   chan struct{}

	stopOnce   sync.Once
	finishOnce sync.Once
}

func NewStream() *Stream {
	return &Stream{
		events: make(chan Event, defaultEventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan Event { return s.events }

// Emit delivers ev unless the stream was stopped. It blocks while the
// consumer is behind.
func (s *Stream) Emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Finish emits Closed and closes the channel.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() {
		s.Emit(NewClosed())
		close(s.events)
	})
}

// Stop tells the producer nobody is listening any more.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Stream) Done() <-chan struct{} { return s.done }

// Outbox is the outbound half: a bounded queue drained by one writer.
type Outbox struct {
	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
}

func NewOutbox() *Outbox {
	return &Outbox{
		frames: make(chan []byte, defaultOutboxBuffer),
		done:   make(chan struct{}),
	}
}

func (o *Outbox) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-o.done:
		return ErrClosed
	default:
	}

	select {
	case o.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

// Drain writes queued frames in order until the outbox is closed, ctx ends
// or write fails.
func (o *Outbox) Drain(ctx context.Context, write func(frame []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.done:
			return nil
		case frame := <-o.frames:
			if err := write(frame); err != nil {
				return err
			}
		}
	}
}

func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}
