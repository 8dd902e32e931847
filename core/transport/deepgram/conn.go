package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-coach/core/transport"
)

type conn struct {
	ws *websocket.Conn
	// gorilla allows one concurrent writer.
	writeMu   sync.Mutex
	lastWrite atomic.Int64

	stream *transport.Stream
	outbox *transport.Outbox

	ctx    context.Context
	cancel context.CancelFunc

	closing   atomic.Bool
	sendErr   atomic.Pointer[error]
	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn, keepAlive time.Duration) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		stream: transport.NewStream(),
		outbox: transport.NewOutbox(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.lastWrite.Store(time.Now().UnixNano())

	go c.write()
	go c.keepAlive(keepAlive)
	go c.receive()
	return c
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	if c.closing.Load() {
		return transport.ErrClosed
	}
	return c.outbox.Send(ctx, frame)
}

func (c *conn) Events() <-chan transport.Event {
	return c.stream.Events()
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.stream.Stop()
		c.outbox.Close()
		c.cancel()

		var errs []error
		if err := c.writeJSON(controlMessage{Type: string(api.TypeCloseStreamResponse)}); err != nil {
			errs = append(errs, fmt.Errorf("failed to close deepgram stream: %w", err))
		}
		if err := c.ws.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

type controlMessage struct {
	Type string `json:"type"`
}

func (c *conn) writeJSON(msg controlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) write() {
	err := c.outbox.Drain(c.ctx, func(frame []byte) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.lastWrite.Store(time.Now().UnixNano())
		return c.ws.WriteMessage(websocket.BinaryMessage, frame)
	})
	if err == nil || c.ctx.Err() != nil {
		return
	}

	err = fmt.Errorf("failed to write to deepgram: %w", err)
	c.sendErr.Store(&err)
	_ = c.ws.Close()
}

// keepAlive stops the service from closing an idle socket, which happens
// when no audio flows for a while.
func (c *conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastWrite.Load())) < interval {
				continue
			}
			if err := c.writeJSON(controlMessage{Type: "KeepAlive"}); err != nil {
				logger.Warn("failed to send keep alive", "error", err)
				continue
			}
			c.lastWrite.Store(time.Now().UnixNano())
		}
	}
}

func (c *conn) receive() {
	defer c.stream.Finish()

	// The handshake already succeeded, audio may flow.
	if !c.stream.Emit(transport.NewReady()) {
		return
	}

	var t transcriber
	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.reportReceiveError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		events, err := t.process(msg)
		if err != nil {
			logger.Warn("failed to process deepgram message", "error", err)
			continue
		}
		for _, ev := range events {
			if !c.stream.Emit(ev) {
				return
			}
		}
	}
}

func (c *conn) reportReceiveError(err error) {
	if sendErr := c.sendErr.Load(); sendErr != nil {
		c.stream.Emit(transport.NewError(*sendErr))
		return
	}
	if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	c.stream.Emit(transport.NewError(fmt.Errorf("failed to read deepgram websocket message: %w", errors.Join(transport.ErrClosed, err))))
}

// transcriber turns listen responses into user transcript events. Final
// results become fragments; the end of speech closes the turn.
type transcriber struct {
	pending bool
}

func (t *transcriber) process(msg []byte) ([]transport.Event, error) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deepgram message: %w", err)
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deepgram results: %w", err)
		}
		if !msgResp.IsFinal {
			return nil, nil
		}

		var events []transport.Event
		if len(msgResp.Channel.Alternatives) > 0 {
			transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
			if transcript != "" {
				if t.pending {
					transcript = " " + transcript
				}
				t.pending = true
				events = append(events, transport.NewPartialText(transport.UserSpeaker, transcript))
			}
		}
		if msgResp.SpeechFinal {
			events = append(events, t.endSpeech()...)
		}
		return events, nil

	case api.TypeUtteranceEndResponse:
		return t.endSpeech(), nil

	case api.TypeSpeechStartedResponse:
		logger.Debug("user started speaking")
	}
	return nil, nil
}

func (t *transcriber) endSpeech() []transport.Event {
	if !t.pending {
		return nil
	}
	t.pending = false
	return []transport.Event{transport.NewTurnComplete(transport.UserSpeaker)}
}
