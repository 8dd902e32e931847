package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/discussion"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultURL = "wss://api.deepgram.com/v1/speak"

var ErrInvalidVoice = errors.New("invalid voice")

// Synthesizer turns single utterances into playback audio over the speak
// websocket. Every call uses its own connection.
type Synthesizer struct {
	apiKey   string
	url      string
	voice    deepgramVoice
	encoding audio.EncodingInfo
	dialer   *websocket.Dialer
}

type SynthesizerOption func(*Synthesizer)

// WithURL points the synthesizer at a different speak endpoint.
func WithURL(url string) SynthesizerOption {
	return func(s *Synthesizer) { s.url = url }
}

// WithDefaultVoice sets the voice used when a request does not name one.
func WithDefaultVoice(voice string) SynthesizerOption {
	return func(s *Synthesizer) {
		if voice != "" {
			s.voice = deepgramVoice(voice)
		}
	}
}

func NewSynthesizer(apiKey string, opts ...SynthesizerOption) (*Synthesizer, error) {
	s := &Synthesizer{
		apiKey:   apiKey,
		url:      defaultURL,
		voice:    defaultVoice,
		encoding: audio.PlaybackEncodingInfo(),
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(s)
	}

	if !slices.Contains(GetAvailableVoices(), s.voice) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVoice, s.voice)
	}
	return s, nil
}

func (s *Synthesizer) EncodingInfo() audio.EncodingInfo {
	return s.encoding
}

func (s *Synthesizer) Synthesize(ctx context.Context, req discussion.SynthesisRequest) (discussion.Speech, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()

	fail := func(err error) (discussion.Speech, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return discussion.Speech{}, err
	}

	voice := s.voice
	if req.VoiceProfile != "" && req.VoiceProfile != discussion.DefaultVoice {
		voice = deepgramVoice(req.VoiceProfile)
	}
	if !slices.Contains(GetAvailableVoices(), voice) {
		return fail(fmt.Errorf("%w: %s", ErrInvalidVoice, voice))
	}
	if req.Text == "" {
		return fail(fmt.Errorf("nothing to synthesize"))
	}
	span.SetAttributes(
		attribute.String("speech.speaker", req.Speaker),
		attribute.String("speech.voice", string(voice)),
		attribute.Int("speech.text_length", len(req.Text)),
	)

	conn, err := s.connectWebsocket(ctx, voice)
	if err != nil {
		return fail(fmt.Errorf("failed to open websocket: %w", err))
	}
	defer conn.Close()
	// Unblocks the read loop when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(speakMsg{Type: "Speak", Text: req.Text}); err != nil {
		return fail(fmt.Errorf("failed to send text to deepgram through websocket: %w", err))
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return fail(fmt.Errorf("failed to flush deepgram buffer: %w", err))
	}

	var buf bytes.Buffer
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			return fail(fmt.Errorf("websocket read error: %w", err))
		}

		switch msgType {
		case websocket.BinaryMessage:
			buf.Write(msg)
		case websocket.TextMessage:
			var parsedMsg websocketMessage
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.WarnContext(ctx, "failed to unmarshal deepgram message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				if err := conn.WriteJSON(closeMsg); err != nil {
					logger.DebugContext(ctx, "failed to send close message", "error", err)
				}
				span.SetAttributes(attribute.Int("speech.audio_bytes", buf.Len()))
				return discussion.Speech{Audio: buf.Bytes(), Encoding: s.encoding}, nil
			case "Warning":
				logger.WarnContext(ctx, "deepgram warning", "message", string(msg))
			case "Error":
				return fail(fmt.Errorf("deepgram error: %s", msg))
			}
		}
	}
}

func (s *Synthesizer) connectWebsocket(ctx context.Context, voice deepgramVoice) (*websocket.Conn, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	endpoint, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid speak url: %w", err)
	}

	urlValues := url.Values{}
	urlValues.Set("encoding", s.encoding.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(s.encoding.SampleRate))
	urlValues.Set("model", string(voice))
	urlValues.Set("container", "none")
	endpoint.RawQuery = urlValues.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, endpoint.String(), http.Header{"Authorization": {"token " + s.apiKey}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open socket connection to deepgram (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

type websocketMessage struct {
	Type string `json:"type"`
}

type speakMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	closeMsg = websocketMessage{Type: "Close"}
)
