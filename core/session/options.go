package session

import (
	"context"
	"time"

	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/playback"
	"github.com/koscakluka/ema-coach/core/transport"
	"github.com/koscakluka/ema-coach/core/turns"
)

const defaultCaptureBuffer = 50

type Option func(*Controller)

// Microphone captures raw audio and hands it to onAudio until StopCapture.
// onAudio must not retain the slice.
type Microphone interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
	EncodingInfo() audio.EncodingInfo
}

// MicrophoneWithErrors is implemented by microphones that can report being
// revoked after capture started.
type MicrophoneWithErrors interface {
	Microphone
	SetErrorCallback(func(error))
}

type Evaluator interface {
	Evaluate(ctx context.Context, transcript []turns.Turn, moduleContext string) evaluation.Result
	Persist(ctx context.Context, record evaluation.SessionRecord)
}

func WithDialer(dialer transport.Dialer) Option {
	return func(c *Controller) { c.dialer = dialer }
}

func WithMicrophone(mic Microphone) Option {
	return func(c *Controller) { c.mic = mic }
}

// WithOutputDevice hands the controller exclusive ownership of device.
func WithOutputDevice(device playback.Device) Option {
	return func(c *Controller) { c.output = device }
}

func WithEvaluator(evaluator Evaluator) Option {
	return func(c *Controller) { c.evaluator = evaluator }
}

// WithCaptureBuffer sets how many encoded frames may wait for the transport
// before the oldest is dropped.
func WithCaptureBuffer(frames int) Option {
	return func(c *Controller) {
		if frames > 0 {
			c.captureBuffer = frames
		}
	}
}

func WithLanguage(language string) Option {
	return func(c *Controller) { c.language = language }
}

// Callbacks are delivered in order. They must not block for long and must
// not call back into the controller synchronously.

func WithStateCallback(callback func(State)) Option {
	return func(c *Controller) { c.onState = callback }
}

func WithSpeakingCallback(callback func(speakerID string)) Option {
	return func(c *Controller) { c.onSpeaking = callback }
}

func WithTurnCallback(callback func(turns.Turn)) Option {
	return func(c *Controller) { c.onTurn = callback }
}

// WithSpeechFinishedCallback is called once the audio of a completed
// non-user turn has played out.
func WithSpeechFinishedCallback(callback func(speakerID string)) Option {
	return func(c *Controller) { c.onSpeechFinished = callback }
}

func WithFinishedCallback(callback func(evaluation.SessionRecord)) Option {
	return func(c *Controller) { c.onFinished = callback }
}

func withClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}
