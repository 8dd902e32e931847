package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/transport"
)

func result(transcript string, isFinal, speechFinal bool) []byte {
	final := "false"
	if isFinal {
		final = "true"
	}
	speech := "false"
	if speechFinal {
		speech = "true"
	}
	return []byte(`{"type":"Results","is_final":` + final + `,"speech_final":` + speech +
		`,"channel":{"alternatives":[{"transcript":"` + transcript + `"}]}}`)
}

func TestTranscriberJoinsFinalResultsIntoOneTurn(t *testing.T) {
	var tr transcriber

	steps := []struct {
		msg   []byte
		kinds []transport.Kind
	}{
		{result("I led", false, false), nil},
		{result("I led the", true, false), []transport.Kind{transport.KindPartialText}},
		{result("migration", true, true), []transport.Kind{transport.KindPartialText, transport.KindTurnComplete}},
		{[]byte(`{"type":"UtteranceEnd"}`), nil},
		{[]byte(`{"type":"SpeechStarted"}`), nil},
	}

	var texts []string
	for i, step := range steps {
		events, err := tr.process(step.msg)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if len(events) != len(step.kinds) {
			t.Fatalf("step %d: expected %d events, got %+v", i, len(step.kinds), events)
		}
		for j, ev := range events {
			if ev.Kind() != step.kinds[j] {
				t.Fatalf("step %d: expected %s, got %s", i, step.kinds[j], ev.Kind())
			}
			if text, ok := ev.(transport.PartialText); ok {
				if text.Speaker != transport.UserSpeaker {
					t.Fatalf("unexpected speaker %q", text.Speaker)
				}
				texts = append(texts, text.Text)
			}
		}
	}

	if got := strings.Join(texts, ""); got != "I led the migration" {
		t.Fatalf("unexpected joined transcript %q", got)
	}
}

func TestTranscriberClosesTurnOnUtteranceEnd(t *testing.T) {
	var tr transcriber

	if _, err := tr.process(result("Yes", true, false)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, err := tr.process([]byte(`{"type":"UtteranceEnd","last_word_end":1.2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind() != transport.KindTurnComplete {
		t.Fatalf("expected turn to complete, got %+v", events)
	}
}

func TestTranscriberRejectsGarbage(t *testing.T) {
	var tr transcriber
	if _, err := tr.process([]byte("not json")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestConvertEncodingRejectsUnsupportedRates(t *testing.T) {
	if _, err := convertEncoding(audio.EncodingInfo{SampleRate: 44100, Format: audio.EncodingLinear16}); err == nil {
		t.Fatal("expected unsupported sample rate")
	}
	if _, err := convertEncoding(audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingMulaw}); err == nil {
		t.Fatal("expected mulaw to require 8 kHz")
	}
	encoding, err := convertEncoding(audio.WireEncodingInfo())
	if err != nil || encoding.Format != encodingLinear16 || encoding.SampleRate != 16000 {
		t.Fatalf("unexpected encoding %+v, %v", encoding, err)
	}
}

func listenServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, chan *http.Request) {
	t.Helper()
	requests := make(chan *http.Request, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func nextEvent(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed early")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func TestConnStreamsAudioAndTranscripts(t *testing.T) {
	received := make(chan []byte, 1)
	server, requests := listenServer(t, func(conn *websocket.Conn) {
		msgType, frame, err := conn.ReadMessage()
		if err != nil || msgType != websocket.BinaryMessage {
			t.Errorf("expected a binary frame, got %d, %v", msgType, err)
			return
		}
		received <- frame
		_ = conn.WriteMessage(websocket.TextMessage, result("Hello there", true, true))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	dialer := NewDialer("test-key", WithURL("ws"+strings.TrimPrefix(server.URL, "http")))
	conn, err := dialer.Open(context.Background(), transport.Config{InputEncoding: audio.WireEncodingInfo()})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer conn.Close()

	r := <-requests
	if got := r.Header.Get("Authorization"); got != "Token test-key" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if q := r.URL.Query(); q.Get("sample_rate") != "16000" || q.Get("encoding") != "linear16" || q.Get("language") != defaultLanguage {
		t.Fatalf("unexpected query %v", q)
	}

	if ev := nextEvent(t, conn.Events()); ev.Kind() != transport.KindReady {
		t.Fatalf("expected ready first, got %s", ev.Kind())
	}

	if err := conn.Send(context.Background(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	select {
	case frame := <-received:
		if len(frame) != 4 {
			t.Fatalf("unexpected frame %v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never reached the server")
	}

	if text, ok := nextEvent(t, conn.Events()).(transport.PartialText); !ok || text.Text != "Hello there" {
		t.Fatalf("unexpected transcript event %+v", text)
	}
	if done, ok := nextEvent(t, conn.Events()).(transport.TurnComplete); !ok || done.Speaker != transport.UserSpeaker {
		t.Fatalf("unexpected turn event %+v", done)
	}
}

func TestConnReportsServerDisconnect(t *testing.T) {
	server, _ := listenServer(t, func(conn *websocket.Conn) {
		// Dropping the socket without a close frame.
	})

	conn, err := NewDialer("test-key", WithURL("ws"+strings.TrimPrefix(server.URL, "http"))).Open(context.Background(), transport.Config{})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer conn.Close()

	if ev := nextEvent(t, conn.Events()); ev.Kind() != transport.KindReady {
		t.Fatalf("expected ready first, got %s", ev.Kind())
	}
	ev := nextEvent(t, conn.Events())
	if ev.Kind() != transport.KindError || !errors.Is(ev.(transport.Error).Err, transport.ErrClosed) {
		t.Fatalf("expected closed error, got %+v", ev)
	}
	if ev := nextEvent(t, conn.Events()); ev.Kind() != transport.KindClosed {
		t.Fatalf("expected closed last, got %s", ev.Kind())
	}
}

func TestOpenWithoutKeyFailsHandshake(t *testing.T) {
	if _, err := NewDialer("").Open(context.Background(), transport.Config{}); !errors.Is(err, transport.ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", err)
	}
}
