package evaluation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/koscakluka/ema-coach/core/turns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	NeutralScore         = 75.0
	DefaultPassThreshold = 70.0
	DefaultParallelism   = 4
)

// Dimensions scored for every user answer.
var Dimensions = []string{"relevance", "clarity", "structure", "confidence"}

type Request struct {
	Question      string
	Answer        string
	ModuleContext string
}

type Score struct {
	FeedbackText    string             `json:"feedbackText"`
	IdealAnswer     string             `json:"idealAnswer"`
	DimensionScores map[string]float64 `json:"dimensionScores"`
}

// Overall is the mean of the dimension scores.
func (s Score) Overall() float64 {
	if len(s.DimensionScores) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range s.DimensionScores {
		total += v
	}
	return total / float64(len(s.DimensionScores))
}

func (s Score) validate() error {
	if len(s.DimensionScores) == 0 {
		return fmt.Errorf("%w: no dimension scores", ErrMalformedScore)
	}
	for name, v := range s.DimensionScores {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: %s score %v out of range", ErrMalformedScore, name, v)
		}
	}
	return nil
}

func neutralScore() Score {
	dimensions := make(map[string]float64, len(Dimensions))
	for _, name := range Dimensions {
		dimensions[name] = NeutralScore
	}
	return Score{
		FeedbackText:    "Automatic feedback is not available for this answer.",
		DimensionScores: dimensions,
	}
}

type Scorer interface {
	Score(ctx context.Context, req Request) (Score, error)
}

type Persister interface {
	Save(ctx context.Context, record SessionRecord) error
}

type TurnScore struct {
	TurnID          string             `json:"turnId"`
	SpeakerID       string             `json:"speakerId"`
	Question        string             `json:"question"`
	Answer          string             `json:"answer"`
	DimensionScores map[string]float64 `json:"dimensionScores"`
	FeedbackText    string             `json:"feedbackText"`
	IdealAnswer     string             `json:"idealAnswer,omitempty"`
	Score           float64            `json:"score"`
	Fallback        bool               `json:"fallback"`
}

type Result struct {
	PerTurnScores  []TurnScore `json:"perTurnScores"`
	AggregateScore float64     `json:"aggregateScore"`
	Passed         bool        `json:"passed"`
}

// SessionRecord is what gets persisted once a session finishes.
type SessionRecord struct {
	ID            string       `json:"id"`
	ModuleKind    string       `json:"moduleKind"`
	ModuleContext string       `json:"moduleContext,omitempty"`
	Turns         []turns.Turn `json:"turns"`
	Result        Result       `json:"result"`
	StartedAt     time.Time    `json:"startedAt"`
	EndedAt       time.Time    `json:"endedAt"`
}

type Option func(*Pipeline)

func WithPassThreshold(threshold float64) Option {
	return func(p *Pipeline) { p.passThreshold = threshold }
}

func WithParallelism(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

func WithPersister(persister Persister) Option {
	return func(p *Pipeline) { p.persister = persister }
}

// Pipeline scores a finished transcript. Scoring never fails as a whole: a
// turn whose call fails gets the neutral score.
type Pipeline struct {
	scorer        Scorer
	persister     Persister
	passThreshold float64
	parallelism   int

	persisting sync.WaitGroup
}

func NewPipeline(scorer Scorer, opts ...Option) *Pipeline {
	p := &Pipeline{
		scorer:        scorer,
		passThreshold: DefaultPassThreshold,
		parallelism:   DefaultParallelism,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate scores every user turn of transcript against the closest
// preceding question. Calls still running when ctx ends fall back to the
// neutral score; results that already came back are kept.
func (p *Pipeline) Evaluate(ctx context.Context, transcript []turns.Turn, moduleContext string) Result {
	ctx, span := tracer.Start(ctx, "evaluate session")
	defer span.End()

	requests := pairQuestions(transcript, moduleContext)
	span.SetAttributes(attribute.Int("evaluation.turns", len(requests)))
	if len(requests) == 0 {
		return Result{PerTurnScores: []TurnScore{}}
	}

	scores := make([]TurnScore, len(requests))
	group := errgroup.Group{}
	group.SetLimit(p.parallelism)
	for i, req := range requests {
		group.Go(func() error {
			scores[i] = p.scoreTurn(ctx, req)
			return nil
		})
	}
	_ = group.Wait()

	total := 0.0
	for _, score := range scores {
		total += score.Score
	}
	result := Result{
		PerTurnScores:  scores,
		AggregateScore: total / float64(len(scores)),
	}
	result.Passed = result.AggregateScore >= p.passThreshold

	span.SetAttributes(
		attribute.Float64("evaluation.aggregate", result.AggregateScore),
		attribute.Bool("evaluation.passed", result.Passed),
	)
	return result
}

type turnRequest struct {
	turn turns.Turn
	Request
}

func pairQuestions(transcript []turns.Turn, moduleContext string) []turnRequest {
	var requests []turnRequest
	question := ""
	for _, turn := range transcript {
		if !turn.IsUser() {
			question = turn.Text
			continue
		}
		requests = append(requests, turnRequest{
			turn: turn,
			Request: Request{
				Question:      question,
				Answer:        turn.Text,
				ModuleContext: moduleContext,
			},
		})
	}
	return requests
}

func (p *Pipeline) scoreTurn(ctx context.Context, req turnRequest) TurnScore {
	score, err := p.callScorer(ctx, req)
	fallback := err != nil
	if fallback {
		scoringErr := &ScoringError{TurnID: req.turn.ID, Err: err}
		reason := scoringErr.reason()
		fallbacks.Add(ctx, 1, metricReason(reason))
		logger.WarnContext(ctx, "falling back to neutral score", "turn_id", req.turn.ID, "reason", string(reason), "error", scoringErr)
		score = neutralScore()
	}

	return TurnScore{
		TurnID:          req.turn.ID,
		SpeakerID:       req.turn.SpeakerID,
		Question:        req.Question,
		Answer:          req.Answer,
		DimensionScores: maps.Clone(score.DimensionScores),
		FeedbackText:    score.FeedbackText,
		IdealAnswer:     score.IdealAnswer,
		Score:           score.Overall(),
		Fallback:        fallback,
	}
}

func (p *Pipeline) callScorer(ctx context.Context, req turnRequest) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	if p.scorer == nil {
		return Score{}, errors.New("no scorer configured")
	}

	ctx, span := tracer.Start(ctx, "score turn")
	defer span.End()
	span.SetAttributes(attribute.String("turn.id", req.turn.ID))

	type outcome struct {
		score Score
		err   error
	}
	// A scorer that ignores ctx must not hold up a cancelled evaluation.
	done := make(chan outcome, 1)
	go func() {
		score, err := p.scorer.Score(ctx, req.Request)
		done <- outcome{score, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err == nil {
		out.err = out.score.validate()
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		return Score{}, out.err
	}
	return out.score, nil
}

// Persist saves record in the background. Failures are logged as
// PersistenceError and never reported to the caller.
func (p *Pipeline) Persist(ctx context.Context, record SessionRecord) {
	if p.persister == nil {
		return
	}

	record.Turns = slices.Clone(record.Turns)
	ctx = context.WithoutCancel(ctx)
	p.persisting.Add(1)
	go func() {
		defer p.persisting.Done()

		ctx, span := tracer.Start(ctx, "persist session")
		defer span.End()
		span.SetAttributes(attribute.String("session.id", record.ID))

		if err := p.persister.Save(ctx, record); err != nil {
			err = &PersistenceError{RecordID: record.ID, Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(ctx, "failed to persist session record", "session_id", record.ID, "error", err)
		}
	}()
}

// Wait blocks until background saves have finished or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	saved := make(chan struct{})
	go func() {
		p.persisting.Wait()
		close(saved)
	}()

	select {
	case <-saved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
