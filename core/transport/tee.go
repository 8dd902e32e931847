package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Tee opens primary together with extras. Outbound frames go to every
// connection; inbound events are merged. Ready is reported once every
// connection is ready, and the merged stream ends with the first Error or
// Closed of any connection.
//
// Each connection keeps its own event order. Extras are expected to speak for
// different speakers than primary, so merging never reorders a turn.
func Tee(primary Dialer, extras ...Dialer) Dialer {
	dialers := append([]Dialer{primary}, extras...)
	return DialerFunc(func(ctx context.Context, config Config) (Conn, error) {
		conns := make([]Conn, 0, len(dialers))
		for _, dialer := range dialers {
			conn, err := dialer.Open(ctx, config)
			if err != nil {
				for _, opened := range conns {
					_ = opened.Close()
				}
				return nil, err
			}
			conns = append(conns, conn)
		}
		if len(conns) == 1 {
			return conns[0], nil
		}

		tee := &teeConn{conns: conns, stream: NewStream()}
		go tee.merge()
		return tee, nil
	})
}

type teeConn struct {
	conns  []Conn
	stream *Stream

	closeOnce sync.Once
	closeErr  error
}

func (t *teeConn) Send(ctx context.Context, frame []byte) error {
	for i, conn := range t.conns {
		f := frame
		if i < len(t.conns)-1 {
			f = append([]byte(nil), frame...)
		}
		if err := conn.Send(ctx, f); err != nil {
			return fmt.Errorf("send to connection %d: %w", i, err)
		}
	}
	return nil
}

func (t *teeConn) Events() <-chan Event { return t.stream.Events() }

func (t *teeConn) Close() error {
	t.closeOnce.Do(func() {
		t.stream.Stop()
		var errs error
		for _, conn := range t.conns {
			errs = errors.Join(errs, conn.Close())
		}
		t.closeErr = errs
	})
	return t.closeErr
}

func (t *teeConn) merge() {
	defer t.stream.Finish()

	type sourced struct {
		index int
		event Event
	}

	merged := make(chan sourced)
	stop := make(chan struct{})
	defer close(stop)
	for i, conn := range t.conns {
		go func() {
			for ev := range conn.Events() {
				select {
				case merged <- sourced{index: i, event: ev}:
				case <-stop:
					return
				}
			}
		}()
	}

	ready := make([]bool, len(t.conns))
	readyCount := 0
	for {
		var item sourced
		select {
		case item = <-merged:
		case <-t.stream.Done():
			return
		}

		switch ev := item.event.(type) {
		case Ready:
			if ready[item.index] {
				continue
			}
			ready[item.index] = true
			if readyCount++; readyCount == len(t.conns) {
				t.stream.Emit(ev)
			}
		case Closed:
			return
		case Error:
			t.stream.Emit(ev)
			return
		default:
			t.stream.Emit(ev)
		}
	}
}
