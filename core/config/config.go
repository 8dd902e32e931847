// Package config loads the coach configuration from YAML. Secrets are read
// from the environment and win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/koscakluka/ema-coach/core/session"
	"github.com/koscakluka/ema-coach/core/turns"
	"gopkg.in/yaml.v3"
)

const (
	EnvGeminiAPIKey   = "GEMINI_API_KEY"
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvGroqAPIKey     = "GROQ_API_KEY"
	EnvDatabaseURL    = "COACH_DATABASE_URL"
)

const (
	AudioBackendMiniaudio = "miniaudio"
	AudioBackendPortaudio = "portaudio"

	UserTranscriptionGemini   = "gemini"
	UserTranscriptionDeepgram = "deepgram"

	PersistenceNone     = "none"
	PersistenceJSONFile = "jsonfile"
	PersistencePostgres = "postgres"
)

type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Personas    []session.Persona `yaml:"personas"`
	Voices      map[string]string `yaml:"voices"`
	Audio       AudioConfig       `yaml:"audio"`
	Transport   TransportConfig   `yaml:"transport"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Discussion  DiscussionConfig  `yaml:"discussion"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type SessionConfig struct {
	Proficiency string `yaml:"proficiency"`
	Difficulty  string `yaml:"difficulty"`
	Topic       string `yaml:"topic"`
	Context     string `yaml:"context"`
	// ContextFile is read into Context, relative to the config file.
	ContextFile string `yaml:"context_file"`
	Language    string `yaml:"language"`
}

type AudioConfig struct {
	Backend string `yaml:"backend"`
	// CaptureBuffer is the number of microphone frames held while the
	// transport is behind.
	CaptureBuffer   int `yaml:"capture_buffer"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

type TransportConfig struct {
	GeminiModel       string        `yaml:"gemini_model"`
	GeminiAPIKey      string        `yaml:"gemini_api_key"`
	UserTranscription string        `yaml:"user_transcription"`
	DeepgramModel     string        `yaml:"deepgram_model"`
	DeepgramAPIKey    string        `yaml:"deepgram_api_key"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
}

type ScoringConfig struct {
	GroqModel     string  `yaml:"groq_model"`
	GroqAPIKey    string  `yaml:"groq_api_key"`
	PassThreshold float64 `yaml:"pass_threshold"`
	Parallelism   int     `yaml:"parallelism"`
}

type DiscussionConfig struct {
	MaxRounds            int    `yaml:"max_rounds"`
	MaxUtterances        int    `yaml:"max_utterances"`
	SynthesisParallelism int    `yaml:"synthesis_parallelism"`
	DefaultVoice         string `yaml:"default_voice"`
}

type PersistenceConfig struct {
	Driver      string `yaml:"driver"`
	Dir         string `yaml:"dir"`
	DatabaseURL string `yaml:"database_url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func Default() Config {
	return Config{
		Session: SessionConfig{
			Proficiency: "intermediate",
			Difficulty:  "medium",
			Language:    "en-US",
		},
		Personas: []session.Persona{
			{Name: "Ana", Role: "interviewer"},
		},
		Voices: map[string]string{},
		Audio: AudioConfig{
			Backend:       AudioBackendMiniaudio,
			CaptureBuffer: 50,
		},
		Transport: TransportConfig{
			UserTranscription: UserTranscriptionGemini,
			OpenTimeout:       15 * time.Second,
		},
		Scoring: ScoringConfig{
			PassThreshold: 70,
			Parallelism:   4,
		},
		Discussion: DiscussionConfig{
			MaxRounds:            5,
			MaxUtterances:        4,
			SynthesisParallelism: 4,
		},
		Persistence: PersistenceConfig{
			Driver: PersistenceJSONFile,
			Dir:    "sessions",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "coach.log",
		},
	}
}

// Load reads path over the defaults, overlays the environment and
// validates. An empty path only applies the environment to the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		if config.Session.ContextFile != "" {
			contextPath := config.Session.ContextFile
			if !filepath.IsAbs(contextPath) {
				contextPath = filepath.Join(filepath.Dir(path), contextPath)
			}
			context, err := os.ReadFile(contextPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read context file %s: %w", contextPath, err)
			}
			config.Session.Context = string(context)
		}
	}

	config.overlayEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) overlayEnv(lookup func(string) (string, bool)) {
	overlay := func(target *string, key string) {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
		}
	}
	overlay(&c.Transport.GeminiAPIKey, EnvGeminiAPIKey)
	overlay(&c.Transport.DeepgramAPIKey, EnvDeepgramAPIKey)
	overlay(&c.Scoring.GroqAPIKey, EnvGroqAPIKey)
	overlay(&c.Persistence.DatabaseURL, EnvDatabaseURL)
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Personas) == 0 {
		errs = append(errs, fmt.Errorf("personas: at least one persona is required"))
	}
	for i, p := range c.Personas {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("personas[%d]: name cannot be empty", i))
		}
		if p.Name == turns.UserSpeaker {
			errs = append(errs, fmt.Errorf("personas[%d]: %q is reserved for the user", i, p.Name))
		}
	}
	if err := c.Audio.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio config: %w", err))
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport config: %w", err))
	}
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring config: %w", err))
	}
	if err := c.Discussion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("discussion config: %w", err))
	}
	if err := c.Persistence.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("persistence config: %w", err))
	}
	return errors.Join(errs...)
}

func (a AudioConfig) Validate() error {
	if !slices.Contains([]string{AudioBackendMiniaudio, AudioBackendPortaudio}, a.Backend) {
		return fmt.Errorf("unknown audio backend %q", a.Backend)
	}
	if a.CaptureBuffer < 1 {
		return fmt.Errorf("capture_buffer must be at least 1, got %d", a.CaptureBuffer)
	}
	if a.FramesPerBuffer < 0 {
		return fmt.Errorf("frames_per_buffer cannot be negative")
	}
	return nil
}

func (t TransportConfig) Validate() error {
	if !slices.Contains([]string{UserTranscriptionGemini, UserTranscriptionDeepgram}, t.UserTranscription) {
		return fmt.Errorf("unknown user_transcription %q", t.UserTranscription)
	}
	if t.OpenTimeout < 0 {
		return fmt.Errorf("open_timeout cannot be negative")
	}
	return nil
}

func (s ScoringConfig) Validate() error {
	if s.PassThreshold < 0 || s.PassThreshold > 100 {
		return fmt.Errorf("pass_threshold must be between 0 and 100, got %v", s.PassThreshold)
	}
	if s.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", s.Parallelism)
	}
	return nil
}

func (d DiscussionConfig) Validate() error {
	if d.MaxRounds < 0 {
		return fmt.Errorf("max_rounds cannot be negative")
	}
	if d.MaxUtterances < 1 {
		return fmt.Errorf("max_utterances must be at least 1, got %d", d.MaxUtterances)
	}
	if d.SynthesisParallelism < 1 {
		return fmt.Errorf("synthesis_parallelism must be at least 1, got %d", d.SynthesisParallelism)
	}
	return nil
}

func (p PersistenceConfig) Validate() error {
	switch p.Driver {
	case PersistenceNone:
	case PersistenceJSONFile:
		if p.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the jsonfile driver")
		}
	case PersistencePostgres:
		if p.DatabaseURL == "" {
			return fmt.Errorf("database_url (or %s) is required for the postgres driver", EnvDatabaseURL)
		}
	default:
		return fmt.Errorf("unknown persistence driver %q", p.Driver)
	}
	return nil
}

// RequireKeys reports the API keys a mode needs but does not have. It is
// separate from Validate so the config can be inspected without secrets.
func (c *Config) RequireKeys(kind session.ModuleKind) error {
	var errs []error
	missing := func(value, env string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is not set", env))
		}
	}

	switch kind {
	case session.ModuleDiscussion:
		missing(c.Transport.DeepgramAPIKey, EnvDeepgramAPIKey)
	default:
		missing(c.Transport.GeminiAPIKey, EnvGeminiAPIKey)
		if c.Transport.UserTranscription == UserTranscriptionDeepgram {
			missing(c.Transport.DeepgramAPIKey, EnvDeepgramAPIKey)
		}
	}
	missing(c.Scoring.GroqAPIKey, EnvGroqAPIKey)
	return errors.Join(errs...)
}

// SessionConfig builds the immutable session description for kind.
func (c *Config) SessionConfig(kind session.ModuleKind) (session.Config, error) {
	return session.NewConfig(session.Config{
		ModuleKind:  kind,
		Personas:    c.Personas,
		Proficiency: c.Session.Proficiency,
		Difficulty:  c.Session.Difficulty,
		Context:     c.Session.Context,
		Topic:       c.Session.Topic,
	})
}
