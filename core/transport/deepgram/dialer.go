// Package deepgram transcribes the user's microphone audio with the Deepgram
// listen websocket. It only ever speaks for the user.
package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultURL      = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-3"
	defaultLanguage = "en-US"

	defaultKeepAliveInterval = 5 * time.Second
)

type Dialer struct {
	apiKey    string
	url       string
	model     string
	keepAlive time.Duration
	dialer    *websocket.Dialer
}

type DialerOption func(*Dialer)

// WithURL points the dialer at a different listen endpoint.
func WithURL(url string) DialerOption {
	return func(d *Dialer) { d.url = url }
}

func WithModel(model string) DialerOption {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithKeepAlive sets how long the socket may stay quiet before a KeepAlive
// message is sent.
func WithKeepAlive(interval time.Duration) DialerOption {
	return func(d *Dialer) {
		if interval > 0 {
			d.keepAlive = interval
		}
	}
}

func NewDialer(apiKey string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		url:       defaultURL,
		model:     DefaultModel,
		keepAlive: defaultKeepAliveInterval,
		dialer:    websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Open(ctx context.Context, config transport.Config) (transport.Conn, error) {
	ctx, span := tracer.Start(ctx, "open transcription socket")
	defer span.End()

	fail := func(err error) (transport.Conn, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	inputEncoding := config.InputEncoding
	if inputEncoding.IsZero() {
		inputEncoding = audio.WireEncodingInfo()
	}
	encoding, err := convertEncoding(inputEncoding)
	if err != nil {
		return fail(fmt.Errorf("invalid encoding: %w", err))
	}

	language := config.Language
	if language == "" {
		language = defaultLanguage
	}
	span.SetAttributes(attribute.String("listen.model", d.model), attribute.String("listen.language", language))

	ws, err := d.connectWebsocket(ctx, encoding, language)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", transport.ErrHandshake, err))
	}

	return newConn(ws, d.keepAlive), nil
}

func (d *Dialer) connectWebsocket(ctx context.Context, encoding *encodingInfo, language string) (*websocket.Conn, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	listenUrl, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", d.model)
	queryParams.Set("language", language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", "300")
	queryParams.Set("vad_events", "true")
	listenUrl.RawQuery = queryParams.Encode()

	ws, resp, err := d.dialer.DialContext(ctx, listenUrl.String(), http.Header{"Authorization": {"Token " + d.apiKey}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open socket connection to deepgram (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return ws, nil
}
