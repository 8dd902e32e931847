package session

import (
	"fmt"
	"strings"

	"github.com/jinzhu/copier"
)

type ModuleKind string

const (
	ModuleInterview  ModuleKind = "interview"
	ModuleDiscussion ModuleKind = "discussion"
)

type Persona struct {
	Name           string `json:"name" yaml:"name"`
	Role           string `json:"role" yaml:"role"`
	VoiceProfileID string `json:"voiceProfileId" yaml:"voiceProfileId"`
}

// Config describes a session. It is copied on construction and never changed
// afterwards.
type Config struct {
	ModuleKind  ModuleKind
	Personas    []Persona
	Proficiency string
	Difficulty  string
	// Context is free-form background such as a resume or a topic brief.
	Context string
	Topic   string
}

// NewConfig returns a deep copy of config so callers cannot mutate a running
// session's configuration.
func NewConfig(config Config) (Config, error) {
	var copied Config
	if err := copier.CopyWithOption(&copied, &config, copier.Option{DeepCopy: true}); err != nil {
		return Config{}, fmt.Errorf("failed to copy session config: %w", err)
	}
	if copied.ModuleKind == "" {
		copied.ModuleKind = ModuleInterview
	}
	return copied, nil
}

// Host is the persona that talks to the user in interview mode, or that
// moderates a discussion.
func (c Config) Host() Persona {
	if len(c.Personas) == 0 {
		return Persona{Name: "coach", Role: "interviewer"}
	}
	return c.Personas[0]
}

// SystemInstruction is sent to the remote service when the session opens.
func (c Config) SystemInstruction() string {
	host := c.Host()

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, acting as the %s in a spoken %s practice session.\n", host.Name, host.Role, c.ModuleKind)
	b.WriteString("Speak naturally and keep each reply short. Ask one question at a time and wait for the user to answer.\n")
	if c.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", c.Topic)
	}
	if c.Proficiency != "" {
		fmt.Fprintf(&b, "The user's proficiency is %s.\n", c.Proficiency)
	}
	if c.Difficulty != "" {
		fmt.Fprintf(&b, "Pitch the questions at %s difficulty.\n", c.Difficulty)
	}
	if len(c.Personas) > 1 {
		b.WriteString("Other participants:\n")
		for _, p := range c.Personas[1:] {
			fmt.Fprintf(&b, "- %s (%s)\n", p.Name, p.Role)
		}
	}
	if c.Context != "" {
		fmt.Fprintf(&b, "Background on the user:\n%s\n", c.Context)
	}
	return b.String()
}
