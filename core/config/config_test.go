package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koscakluka/ema-coach/core/session"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "resume.txt", "Ten years of Go.")
	path := writeFile(t, dir, "coach.yaml", `
session:
  topic: remote work
  context_file: resume.txt
personas:
  - name: Ana
    role: moderator
    voiceProfileId: aura-2-luna-en
  - name: Ben
    role: skeptic
voices:
  Ben: aura-2-zeus-en
transport:
  open_timeout: 5s
discussion:
  max_rounds: 2
`)
	t.Setenv(EnvGroqAPIKey, "groq-from-env")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if config.Session.Topic != "remote work" || config.Session.Context != "Ten years of Go." {
		t.Fatalf("unexpected session section %+v", config.Session)
	}
	if config.Session.Difficulty != "medium" {
		t.Fatalf("expected default difficulty to survive, got %q", config.Session.Difficulty)
	}
	if len(config.Personas) != 2 || config.Personas[0].VoiceProfileID != "aura-2-luna-en" {
		t.Fatalf("unexpected personas %+v", config.Personas)
	}
	if config.Voices["Ben"] != "aura-2-zeus-en" {
		t.Fatalf("unexpected voices %+v", config.Voices)
	}
	if config.Transport.OpenTimeout != 5*time.Second || config.Discussion.MaxRounds != 2 || config.Discussion.MaxUtterances != 4 {
		t.Fatalf("unexpected merge result %+v %+v", config.Transport, config.Discussion)
	}
	if config.Scoring.GroqAPIKey != "groq-from-env" {
		t.Fatalf("expected key from environment, got %q", config.Scoring.GroqAPIKey)
	}
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	config := Default()
	config.Transport.GeminiAPIKey = "from-file"
	config.overlayEnv(func(key string) (string, bool) {
		if key == EnvGeminiAPIKey {
			return "from-env", true
		}
		return "", false
	})
	if config.Transport.GeminiAPIKey != "from-env" {
		t.Fatalf("expected environment to win, got %q", config.Transport.GeminiAPIKey)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	config := Default()
	config.Personas = []session.Persona{{Name: "user"}}
	config.Audio.Backend = "alsa"
	config.Scoring.PassThreshold = 120
	config.Persistence = PersistenceConfig{Driver: PersistencePostgres}

	err := config.Validate()
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	for _, want := range []string{"reserved for the user", "unknown audio backend", "pass_threshold", "database_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestRequireKeysDependsOnMode(t *testing.T) {
	config := Default()
	config.Scoring.GroqAPIKey = "groq"
	config.Transport.DeepgramAPIKey = "deepgram"

	if err := config.RequireKeys(session.ModuleDiscussion); err != nil {
		t.Fatalf("discussion only needs deepgram and groq, got %v", err)
	}
	if err := config.RequireKeys(session.ModuleInterview); err == nil || !strings.Contains(err.Error(), EnvGeminiAPIKey) {
		t.Fatalf("expected missing gemini key, got %v", err)
	}
}

func TestSessionConfigCopiesPersonas(t *testing.T) {
	config := Default()
	sessionConfig, err := config.SessionConfig(session.ModuleDiscussion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config.Personas[0].Name = "changed"
	if sessionConfig.Personas[0].Name != "Ana" || sessionConfig.ModuleKind != session.ModuleDiscussion {
		t.Fatalf("unexpected session config %+v", sessionConfig)
	}
}
