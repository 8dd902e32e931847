package transport

import (
	"time"

	"github.com/koscakluka/ema-coach/core/audio"
)

type Kind string

const (
	KindReady        Kind = "transport.ready"
	KindPartialText  Kind = "transport.partial_text"
	KindPartialAudio Kind = "transport.partial_audio"
	KindTurnComplete Kind = "transport.turn_complete"
	KindInterrupted  Kind = "transport.interrupted"
	KindError        Kind = "transport.error"
	KindClosed       Kind = "transport.closed"
)

// Event is one item of the ordered server event stream. The set of
// implementations is closed to this package.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
	isEvent()
}

type Base struct {
	kind      Kind
	timestamp time.Time
}

func newBase(kind Kind) Base {
	return Base{kind: kind, timestamp: time.Now()}
}

func (b Base) Kind() Kind           { return b.kind }
func (b Base) Timestamp() time.Time { return b.timestamp }
func (Base) isEvent()               {}

// Ready reports the remote session accepted its setup and is listening.
type Ready struct{ Base }

func NewReady() Ready { return Ready{Base: newBase(KindReady)} }

// PartialText is a transcript fragment for a speaker's current turn.
type PartialText struct {
	Base
	Speaker string
	Text    string
}

func NewPartialText(speaker, text string) PartialText {
	return PartialText{Base: newBase(KindPartialText), Speaker: speaker, Text: text}
}

// PartialAudio carries encoded synthesized speech. Data is owned by the
// receiver.
type PartialAudio struct {
	Base
	Speaker  string
	Data     []byte
	Encoding audio.EncodingInfo
}

func NewPartialAudio(speaker string, data []byte, encoding audio.EncodingInfo) PartialAudio {
	return PartialAudio{Base: newBase(KindPartialAudio), Speaker: speaker, Data: data, Encoding: encoding}
}

// TurnComplete closes the speaker's current turn.
type TurnComplete struct {
	Base
	Speaker string
}

func NewTurnComplete(speaker string) TurnComplete {
	return TurnComplete{Base: newBase(KindTurnComplete), Speaker: speaker}
}

// Interrupted reports the user talked over synthesized speech; speech queued
// for playback is stale.
type Interrupted struct{ Base }

func NewInterrupted() Interrupted { return Interrupted{Base: newBase(KindInterrupted)} }

type Error struct {
	Base
	Err error
}

func NewError(err error) Error { return Error{Base: newBase(KindError), Err: err} }

// Closed is always the last event of a stream.
type Closed struct{ Base }

func NewClosed() Closed { return Closed{Base: newBase(KindClosed)} }
