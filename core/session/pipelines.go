package session

import (
	"context"
	"errors"
	"time"

	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/transport"
	"github.com/koscakluka/ema-coach/core/turns"
)

// capture runs on the microphone's callback. The device cannot be paused,
// so frames the transport cannot take yet wait in the ring, which drops the
// oldest on overflow.
func (c *Controller) capture(raw []byte) {
	frame, err := c.encoder.Encode(raw)
	if err != nil {
		logger.Warn("dropping captured audio that could not be encoded", "session_id", c.id, "error", err)
		return
	}

	c.mu.RLock()
	muted := c.muted
	c.mu.RUnlock()
	if muted {
		clear(frame)
	}

	if dropped, ok := c.ring.Push(frame); ok && dropped != nil {
		droppedFrames.Add(context.Background(), 1)
		logger.Debug("outbound audio backlog full, dropped oldest frame", "session_id", c.id, "dropped_total", c.ring.Dropped())
	}
}

// send forwards captured frames while the session is Active. One frame is in
// flight at a time.
func (c *Controller) send(conn transport.Conn) {
	for {
		frame, err := c.ring.Pop(c.sendCtx)
		if err != nil {
			return
		}

		c.mu.RLock()
		if c.state.Kind != StateActive {
			c.mu.RUnlock()
			return
		}
		err = conn.Send(c.sendCtx, frame)
		c.mu.RUnlock()

		if err != nil {
			if c.sendCtx.Err() != nil {
				return
			}
			c.fail(&TransportError{Op: "send", Err: err})
			return
		}
	}
}

// receive routes transport events until the stream ends.
func (c *Controller) receive(conn transport.Conn) {
	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case transport.Ready:
			c.activate(conn)

		case transport.PartialText:
			if c.isActive() {
				c.assembler.Append(ev.Speaker, ev.Text, ev.Timestamp())
			}

		case transport.PartialAudio:
			c.playAudio(ev)

		case transport.TurnComplete:
			if c.isActive() {
				c.completeTurn(ev.Speaker, ev.Timestamp())
			}

		case transport.Interrupted:
			if c.isActive() && c.scheduler != nil {
				if err := c.scheduler.Stop(c.runCtx); err != nil {
					logger.Warn("failed to stop playback after interruption", "session_id", c.id, "error", err)
				}
			}

		case transport.Error:
			if c.isLive() {
				c.fail(&TransportError{Op: "receive", Err: ev.Err})
			}
			return

		case transport.Closed:
			if c.isLive() {
				c.fail(&TransportError{Op: "receive", Err: ErrTransportClosed})
			}
			return
		}
	}

	if c.isLive() {
		c.fail(&TransportError{Op: "receive", Err: ErrTransportClosed})
	}
}

func (c *Controller) activate(conn transport.Conn) {
	if err := c.transition(StateActive, nil); err != nil {
		return
	}
	c.senderOnce.Do(func() { go c.send(conn) })
}

// playAudio decodes a payload and queues it. A malformed payload is dropped
// and the session continues.
func (c *Controller) playAudio(ev transport.PartialAudio) {
	buf, err := c.decoder.Decode(ev.Data, ev.Encoding)
	if err != nil {
		var decodeErr *audio.DecodeError
		if errors.As(err, &decodeErr) {
			decodeErrors.Add(c.runCtx, 1)
		}
		logger.Warn("dropping undecodable audio", "session_id", c.id, "speaker", ev.Speaker, "error", err)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Kind != StateActive {
		return
	}
	if _, err := c.scheduler.Enqueue(c.runCtx, ev.Speaker, buf); err != nil {
		logger.Warn("failed to queue audio", "session_id", c.id, "speaker", ev.Speaker, "error", err)
	}
}

func (c *Controller) completeTurn(speakerID string, at time.Time) (turns.Turn, bool) {
	turn, ok := c.assembler.Complete(speakerID, at)
	if !ok {
		return turns.Turn{}, false
	}
	c.onTurn(turn)

	if !turn.IsUser() && c.scheduler != nil {
		if err := c.scheduler.Mark(c.runCtx, func() { c.onSpeechFinished(speakerID) }); err != nil {
			logger.Debug("could not mark end of speech", "session_id", c.id, "speaker", speakerID, "error", err)
		}
	}
	return turn, true
}

func (c *Controller) isActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Kind == StateActive
}

// isLive reports whether a transport failure should still fail the session.
func (c *Controller) isLive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Kind == StateConnecting || c.state.Kind == StateActive
}
