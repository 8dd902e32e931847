package groq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koscakluka/ema-coach/core/discussion"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/session"
	"github.com/koscakluka/ema-coach/core/turns"
)

func completionServer(t *testing.T, content string, inspect func(body schemaRequestBody)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		var body schemaRequestBody
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request is not valid JSON: %v", err)
		}
		if inspect != nil {
			inspect(body)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestScorerParsesStructuredScore(t *testing.T) {
	server := completionServer(t, `{"feedback":"Good","idealAnswer":"Ideal","scores":{"relevance":80,"clarity":90,"structure":70,"confidence":80}}`,
		func(body schemaRequestBody) {
			if body.ResponseFormat == nil || body.ResponseFormat.JSONSchema.Name != "AnswerEvaluation" {
				t.Errorf("expected AnswerEvaluation schema, got %+v", body.ResponseFormat)
			}
			if last := body.Messages[len(body.Messages)-1].Content; !strings.Contains(last, "Answer: I led the migration") {
				t.Errorf("expected answer in prompt, got %q", last)
			}
		})

	scorer := NewScorer(NewClient("test-key", WithURL(server.URL)))
	score, err := scorer.Score(context.Background(), evaluation.Request{Question: "Tell me about a project", Answer: "I led the migration"})
	if err != nil {
		t.Fatalf("unexpected score error: %v", err)
	}
	if score.Overall() != 80 || score.FeedbackText != "Good" || score.IdealAnswer != "Ideal" {
		t.Fatalf("unexpected score %+v", score)
	}
}

func TestScorerReportsMalformedResponse(t *testing.T) {
	server := completionServer(t, `not json at all`, nil)

	_, err := NewScorer(NewClient("test-key", WithURL(server.URL))).Score(context.Background(), evaluation.Request{Answer: "hi"})
	if !errors.Is(err, evaluation.ErrMalformedScore) || !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed score error, got %v", err)
	}
}

func TestScorerReportsUnavailableService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewScorer(NewClient("test-key", WithURL(server.URL))).Score(context.Background(), evaluation.Request{Answer: "hi"})
	if err == nil || errors.Is(err, evaluation.ErrMalformedScore) {
		t.Fatalf("expected an unavailable error, got %v", err)
	}
}

func TestPromptJSONSchemaUnwrapsFencedContent(t *testing.T) {
	server := completionServer(t, "```json\n{\"utterances\":[{\"speaker\":\"ana\",\"text\":\"Hi\"}]}\n```", nil)

	lines, err := PromptJSONSchema[DiscussionLines](context.Background(), NewClient("test-key", WithURL(server.URL)), "go", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines.Utterances) != 1 || lines.Utterances[0].Speaker != "ana" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestDiscussionGeneratorKeepsOnlyParticipants(t *testing.T) {
	content := `{"utterances":[
		{"speaker":"ana","text":"Welcome."},
		{"speaker":"user","text":"I should not be here."},
		{"speaker":"zed","text":"Nor should I."},
		{"speaker":"ben","text":"  Thanks.  "}
	]}`
	server := completionServer(t, content, func(body schemaRequestBody) {
		var sawHistory bool
		for _, m := range body.Messages {
			if m.Role == messageRoleUser && m.Content == "Earlier point" {
				sawHistory = true
			}
		}
		if !sawHistory {
			t.Errorf("expected transcript history in messages")
		}
	})

	generator := NewDiscussionGenerator(NewClient("test-key", WithURL(server.URL)), 4)
	utterances, err := generator.GenerateUtterances(context.Background(), discussion.GenerationRequest{
		Participants: []session.Persona{{Name: "ana", Role: "moderator"}, {Name: "ben", Role: "skeptic"}},
		Topic:        "four day weeks",
		History:      []turns.Turn{{SpeakerID: turns.UserSpeaker, Text: "Earlier point"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(utterances) != 2 || utterances[0].Speaker != "ana" || utterances[1].Text != "Thanks." {
		t.Fatalf("unexpected utterances %+v", utterances)
	}
}
