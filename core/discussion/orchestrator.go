package discussion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/session"
	"github.com/koscakluka/ema-coach/core/turns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const defaultSynthesisParallelism = 4

type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type GenerationRequest struct {
	Participants      []session.Persona
	Topic             string
	LastUserUtterance string
	History           []turns.Turn
}

type Generator interface {
	GenerateUtterances(ctx context.Context, req GenerationRequest) ([]Utterance, error)
}

type SynthesisRequest struct {
	Speaker      string
	Text         string
	VoiceProfile string
}

type Speech struct {
	Audio    []byte
	Encoding audio.EncodingInfo
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (Speech, error)
}

// Session is the part of a running session the orchestrator feeds.
type Session interface {
	AppendTurn(turn turns.Turn) (turns.Turn, error)
	EnqueuePlayback(ctx context.Context, speakerID string, buf []byte, encoding audio.EncodingInfo) error
	WaitIdle(ctx context.Context) error
	Transcript() []turns.Turn
}

type Option func(*Orchestrator)

func WithVoiceProfiles(voices VoiceProfiles) Option {
	return func(o *Orchestrator) { o.voices = voices }
}

// WithMaxRounds caps how many phases Run starts. Zero means no cap.
func WithMaxRounds(rounds int) Option {
	return func(o *Orchestrator) { o.maxRounds = rounds }
}

func WithSynthesisParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// Orchestrator drives the synthetic participants of a group discussion. It
// never owns the output device: speech goes into the session's single
// playback queue, in the order it was generated.
type Orchestrator struct {
	session      Session
	generator    Generator
	synthesizer  Synthesizer
	participants []session.Persona
	topic        string

	voices      VoiceProfiles
	maxRounds   int
	parallelism int
}

func NewOrchestrator(s Session, config session.Config, generator Generator, synthesizer Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:      s,
		generator:    generator,
		synthesizer:  synthesizer,
		participants: config.Personas,
		topic:        config.Topic,
		voices:       VoiceProfiles{},
		parallelism:  defaultSynthesisParallelism,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PhaseReport summarises one discussion phase.
type PhaseReport struct {
	Generated int
	Spoken    int
	Skipped   int
}

// RunPhase generates the next round of persona lines, synthesizes them
// concurrently and queues them in generation order. Failures of single
// utterances are logged and skipped. It only returns an error when the
// session stops accepting turns.
func (o *Orchestrator) RunPhase(ctx context.Context, lastUserUtterance string) (PhaseReport, error) {
	ctx, span := tracer.Start(ctx, "discussion phase")
	defer span.End()

	report := PhaseReport{}
	utterances, err := o.generator.GenerateUtterances(ctx, GenerationRequest{
		Participants:      o.participants,
		Topic:             o.topic,
		LastUserUtterance: lastUserUtterance,
		History:           o.session.Transcript(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "failed to generate discussion utterances", "error", err)
		return report, ctx.Err()
	}
	report.Generated = len(utterances)
	span.SetAttributes(attribute.Int("discussion.utterances", len(utterances)))

	type synthesized struct {
		speech Speech
		err    error
		ready  chan struct{}
	}
	results := make([]*synthesized, len(utterances))
	for i := range results {
		results[i] = &synthesized{ready: make(chan struct{})}
	}

	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group := errgroup.Group{}
	group.SetLimit(o.parallelism)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, utterance := range utterances {
			group.Go(func() error {
				defer close(results[i].ready)
				results[i].speech, results[i].err = o.synthesizer.Synthesize(synthCtx, SynthesisRequest{
					Speaker:      utterance.Speaker,
					Text:         utterance.Text,
					VoiceProfile: o.voices.Lookup(o.persona(utterance.Speaker)),
				})
				return nil
			})
		}
	}()
	defer func() {
		cancel()
		<-launched
		_ = group.Wait()
	}()

	for i, utterance := range utterances {
		now := time.Now()
		if _, err := o.session.AppendTurn(turns.Turn{
			SpeakerID: utterance.Speaker,
			Text:      utterance.Text,
			StartedAt: now,
			EndedAt:   now,
		}); err != nil {
			return report, fmt.Errorf("discussion stopped: %w", err)
		}

		select {
		case <-results[i].ready:
		case <-ctx.Done():
			return report, ctx.Err()
		}

		if err := results[i].err; err != nil {
			report.Skipped++
			skippedUtterances.Add(ctx, 1)
			logger.WarnContext(ctx, "skipping utterance, synthesis failed", "speaker", utterance.Speaker, "error", err)
			continue
		}
		if err := o.session.EnqueuePlayback(ctx, utterance.Speaker, results[i].speech.Audio, results[i].speech.Encoding); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if errors.Is(err, session.ErrNotActive) {
				return report, fmt.Errorf("discussion stopped: %w", err)
			}
			report.Skipped++
			skippedUtterances.Add(ctx, 1)
			logger.WarnContext(ctx, "skipping utterance, audio rejected", "speaker", utterance.Speaker, "error", err)
			continue
		}
		report.Spoken++
	}
	return report, nil
}

// Run opens the discussion and starts a new phase for every finished user
// turn, waiting for persona speech to play out in between. It returns when
// ctx ends, userTurns closes, the round cap is reached or the session stops.
func (o *Orchestrator) Run(ctx context.Context, userTurns <-chan turns.Turn) error {
	lastUserUtterance := ""
	for round := 0; o.maxRounds == 0 || round < o.maxRounds; round++ {
		if round > 0 {
			turn, err := nextUserTurn(ctx, userTurns)
			if err != nil {
				return err
			}
			if turn == nil {
				return nil
			}
			lastUserUtterance = turn.Text
		}

		report, err := o.RunPhase(ctx, lastUserUtterance)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "discussion phase finished", "round", round, "generated", report.Generated, "spoken", report.Spoken, "skipped", report.Skipped)

		if err := o.session.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func nextUserTurn(ctx context.Context, userTurns <-chan turns.Turn) (*turns.Turn, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case turn, ok := <-userTurns:
			if !ok {
				return nil, nil
			}
			if turn.IsUser() {
				return &turn, nil
			}
		}
	}
}

func (o *Orchestrator) persona(name string) session.Persona {
	for _, p := range o.participants {
		if p.Name == name {
			return p
		}
	}
	return session.Persona{Name: name}
}
