// Package gemini connects sessions to the Gemini Live API. The remote model
// listens to microphone audio, answers with synthesized speech and
// transcribes both sides of the conversation.
package gemini

import (
	"context"
	"fmt"
	"net/http"

	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	defaultAssistantSpeaker = "assistant"
	defaultVoiceProfile     = "default"
)

// liveSession is the part of *genai.Session the connection uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error)

type Dialer struct {
	model          string
	transcribeUser bool
	connect        connectFunc
}

type DialerOption func(*Dialer)

// WithoutUserTranscription leaves the user's side of the transcript to
// another connection, typically a dedicated transcription service teed next
// to this one.
func WithoutUserTranscription() DialerOption {
	return func(d *Dialer) { d.transcribeUser = false }
}

func WithModel(model string) DialerOption {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

func NewDialer(ctx context.Context, apiKey string, opts ...DialerOption) (*Dialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	d := &Dialer{
		model:          DefaultModel,
		transcribeUser: true,
		connect: func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error) {
			session, err := client.Live.Connect(ctx, model, config)
			if err != nil {
				return nil, err
			}
			return session, nil
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dialer) Open(ctx context.Context, config transport.Config) (transport.Conn, error) {
	ctx, span := tracer.Start(ctx, "open live session")
	defer span.End()
	span.SetAttributes(attribute.String("live.model", d.model))

	session, err := d.connect(ctx, d.model, liveConnectConfig(config, d.transcribeUser))
	if err != nil {
		err = fmt.Errorf("%w: %w", transport.ErrHandshake, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	inputEncoding := config.InputEncoding
	if inputEncoding.IsZero() {
		inputEncoding = audio.WireEncodingInfo()
	}
	assistant := config.AssistantSpeaker
	if assistant == "" {
		assistant = defaultAssistantSpeaker
	}

	return newConn(session, assistant, inputEncoding.MIMEType(), d.transcribeUser), nil
}

func liveConnectConfig(config transport.Config, transcribeUser bool) *genai.LiveConnectConfig {
	liveConfig := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if transcribeUser {
		liveConfig.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if config.SystemInstruction != "" {
		liveConfig.SystemInstruction = genai.NewContentFromText(config.SystemInstruction, genai.RoleUser)
	}

	speech := &genai.SpeechConfig{LanguageCode: config.Language}
	if config.VoiceProfile != "" && config.VoiceProfile != defaultVoiceProfile {
		speech.VoiceConfig = &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: config.VoiceProfile},
		}
	}
	if speech.LanguageCode != "" || speech.VoiceConfig != nil {
		liveConfig.SpeechConfig = speech
	}
	return liveConfig
}
