// Package transport defines the bidirectional channel between a session and a
// remote conversational audio service.
//
// A Dialer opens a Conn. Outbound, the Conn accepts encoded microphone frames
// through Send, which applies backpressure instead of dropping. Inbound, the
// Conn delivers an ordered stream of events:
//
//   - Ready: remote setup finished, audio may flow.
//   - PartialText: transcript fragment of a speaker's current turn.
//   - PartialAudio: fragment of synthesized speech.
//   - TurnComplete: a speaker's turn ended.
//   - Interrupted: queued synthesized speech is stale.
//   - Error: the channel failed; the session cannot continue.
//   - Closed: end of stream, always last.
//
// Events of one turn arrive in the order the remote service emitted them.
// Connections are not re-established; an Error is terminal.
package transport

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-coach/core/audio"
)

// UserSpeaker is the speaker id of the person in front of the microphone.
const UserSpeaker = "user"

var (
	ErrClosed    = errors.New("transport closed")
	ErrHandshake = errors.New("transport handshake failed")
)

type Config struct {
	// SystemInstruction is sent once, when the connection is set up.
	SystemInstruction string
	// VoiceProfile selects the synthesized voice, if the service speaks.
	VoiceProfile string
	// AssistantSpeaker is the speaker id given to synthesized speech and its
	// transcript.
	AssistantSpeaker string
	// InputEncoding describes the frames passed to Send.
	InputEncoding audio.EncodingInfo
	Language      string
}

type Dialer interface {
	Open(ctx context.Context, config Config) (Conn, error)
}

type Conn interface {
	// Send hands over an encoded frame. The Conn owns frame afterwards. Send
	// blocks only while the outbound queue is full.
	Send(ctx context.Context, frame []byte) error
	// Events is closed right after the Closed event.
	Events() <-chan Event
	Close() error
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, config Config) (Conn, error)

func (f DialerFunc) Open(ctx context.Context, config Config) (Conn, error) { return f(ctx, config) }
