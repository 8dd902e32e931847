package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/transport"
	"google.golang.org/genai"
)

type conn struct {
	session        liveSession
	assistant      string
	inputMIME      string
	transcribeUser bool

	stream *transport.Stream
	outbox *transport.Outbox

	ctx    context.Context
	cancel context.CancelFunc

	closing   atomic.Bool
	sendErr   atomic.Pointer[error]
	closeOnce sync.Once
	closeErr  error
}

func newConn(session liveSession, assistant, inputMIME string, transcribeUser bool) *conn {
	// The connection outlives the context it was opened with.
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		session:        session,
		assistant:      assistant,
		inputMIME:      inputMIME,
		transcribeUser: transcribeUser,
		stream:         transport.NewStream(),
		outbox:         transport.NewOutbox(),
		ctx:            ctx,
		cancel:         cancel,
	}
	go c.write()
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
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}

func (c *conn) write() {
	err := c.outbox.Drain(c.ctx, func(frame []byte) error {
		return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: frame, MIMEType: c.inputMIME},
		})
	})
	if err == nil || c.ctx.Err() != nil {
		return
	}

	// Only the receiver emits; closing the session makes it report this.
	err = fmt.Errorf("failed to send audio: %w", err)
	c.sendErr.Store(&err)
	_ = c.session.Close()
}

func (c *conn) receive() {
	defer c.stream.Finish()

	var userPending bool
	completeUser := func() bool {
		if !userPending {
			return true
		}
		userPending = false
		return c.stream.Emit(transport.NewTurnComplete(transport.UserSpeaker))
	}

	for {
		msg, err := c.session.Receive()
		if err != nil {
			c.reportReceiveError(err)
			return
		}

		if msg.SetupComplete != nil {
			if !c.stream.Emit(transport.NewReady()) {
				return
			}
		}
		if msg.GoAway != nil {
			logger.Warn("live session is about to be closed by the server", "time_left", msg.GoAway.TimeLeft)
		}

		content := msg.ServerContent
		if content == nil {
			continue
		}

		if t := content.InputTranscription; t != nil && c.transcribeUser {
			if t.Text != "" {
				userPending = true
				if !c.stream.Emit(transport.NewPartialText(transport.UserSpeaker, t.Text)) {
					return
				}
			}
			if t.Finished && !completeUser() {
				return
			}
		}

		if hasModelOutput(content) && !completeUser() {
			return
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !c.stream.Emit(transport.NewPartialAudio(c.assistant, part.InlineData.Data, audio.PlaybackEncodingInfo())) {
					return
				}
			}
		}
		if t := content.OutputTranscription; t != nil && t.Text != "" {
			if !c.stream.Emit(transport.NewPartialText(c.assistant, t.Text)) {
				return
			}
		}

		if content.Interrupted {
			if !c.stream.Emit(transport.NewInterrupted()) {
				return
			}
		}
		if content.TurnComplete {
			if !c.stream.Emit(transport.NewTurnComplete(c.assistant)) {
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
	c.stream.Emit(transport.NewError(fmt.Errorf("failed to receive: %w", errors.Join(transport.ErrClosed, err))))
}

func hasModelOutput(content *genai.LiveServerContent) bool {
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		return true
	}
	if content.ModelTurn == nil {
		return false
	}
	for _, part := range content.ModelTurn.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return true
		}
	}
	return false
}
