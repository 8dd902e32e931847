package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/koscakluka/ema-coach/core/audio/miniaudio"
	"github.com/koscakluka/ema-coach/core/audio/portaudio"
	"github.com/koscakluka/ema-coach/core/config"
	"github.com/koscakluka/ema-coach/core/discussion"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/llms/groq"
	"github.com/koscakluka/ema-coach/core/persistence/jsonfile"
	"github.com/koscakluka/ema-coach/core/persistence/postgres"
	"github.com/koscakluka/ema-coach/core/playback"
	"github.com/koscakluka/ema-coach/core/session"
	tts "github.com/koscakluka/ema-coach/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-coach/core/transport"
	"github.com/koscakluka/ema-coach/core/transport/deepgram"
	"github.com/koscakluka/ema-coach/core/transport/gemini"
	"github.com/koscakluka/ema-coach/core/turns"
)

// shutdownTimeout bounds how long quitting waits for the last session to
// finish and for its record to be saved.
const shutdownTimeout = 10 * time.Second

// services outlive single sessions; a retry reuses them.
type services struct {
	config    *config.Config
	kind      session.ModuleKind
	llm       *groq.Client
	evaluator *evaluation.Pipeline
	closers   []func()
}

func newServices(ctx context.Context, cfg *config.Config, kind session.ModuleKind) (*services, error) {
	s := &services{
		config: cfg,
		kind:   kind,
		llm:    groq.NewClient(cfg.Scoring.GroqAPIKey, groq.WithModel(cfg.Scoring.GroqModel)),
	}
	pipelineOpts := []evaluation.Option{
		evaluation.WithPassThreshold(cfg.Scoring.PassThreshold),
		evaluation.WithParallelism(cfg.Scoring.Parallelism),
	}

	switch cfg.Persistence.Driver {
	case config.PersistenceJSONFile:
		store, err := jsonfile.NewStore(cfg.Persistence.Dir)
		if err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, evaluation.WithPersister(store))
	case config.PersistencePostgres:
		store, err := postgres.Open(ctx, cfg.Persistence.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, evaluation.WithPersister(store))
		s.closers = append(s.closers, store.Close)
	}
	s.evaluator = evaluation.NewPipeline(groq.NewScorer(s.llm), pipelineOpts...)
	return s, nil
}

// Close waits for session records still being saved, then closes the
// stores.
func (s *services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.evaluator.Wait(ctx); err != nil {
		slog.Warn("gave up waiting for session records to be saved", "error", err)
	}
	for _, closeFn := range s.closers {
		closeFn()
	}
}

// stop closes a session that may still be running and waits until it has
// handed its record to the evaluator.
func (rs *runningSession) stop() {
	rs.controller.Close()
	select {
	case <-rs.controller.Done():
	case <-time.After(shutdownTimeout):
		slog.Warn("session did not finish before shutdown", "session_id", rs.controller.ID())
	}
}

// devices is one microphone and one speaker from the configured backend.
type devices struct {
	microphone session.Microphone
	speaker    playback.Device
	io.Closer
}

func (s *services) openDevices() (*devices, error) {
	switch s.config.Audio.Backend {
	case config.AudioBackendPortaudio:
		client, err := portaudio.NewClient(s.config.Audio.FramesPerBuffer)
		if err != nil {
			return nil, &session.DeviceError{Device: "portaudio", Err: err}
		}
		return &devices{microphone: client.Microphone(), speaker: client.Speaker(), Closer: client}, nil
	default:
		client, err := miniaudio.NewClient()
		if err != nil {
			return nil, &session.DeviceError{Device: "miniaudio", Err: err}
		}
		return &devices{microphone: client.Microphone(), speaker: client.Speaker(), Closer: client}, nil
	}
}

func (s *services) dialer(ctx context.Context) (transport.Dialer, error) {
	cfg := s.config.Transport
	listen := func() transport.Dialer {
		return deepgram.NewDialer(cfg.DeepgramAPIKey, deepgram.WithModel(cfg.DeepgramModel))
	}

	if s.kind == session.ModuleDiscussion {
		return listen(), nil
	}

	opts := []gemini.DialerOption{gemini.WithModel(cfg.GeminiModel)}
	if cfg.UserTranscription == config.UserTranscriptionDeepgram {
		opts = append(opts, gemini.WithoutUserTranscription())
	}
	live, err := gemini.NewDialer(ctx, cfg.GeminiAPIKey, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.UserTranscription == config.UserTranscriptionDeepgram {
		return transport.Tee(live, listen()), nil
	}
	return live, nil
}

// sessionEvents are the controller callbacks, forwarded to the UI.
type sessionEvents struct {
	generation int
	send       func(msg any)
}

// runningSession is a started controller plus whatever drives it.
type runningSession struct {
	generation int
	controller *session.Controller
}

func (s *services) startSession(ctx context.Context, events sessionEvents) (*runningSession, error) {
	sessionConfig, err := s.config.SessionConfig(s.kind)
	if err != nil {
		return nil, err
	}

	dialer, err := s.dialer(ctx)
	if err != nil {
		return nil, err
	}
	devs, err := s.openDevices()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	userTurns := make(chan turns.Turn, 8)
	active := make(chan struct{})
	var activeOnce sync.Once

	controller, err := session.NewController(sessionConfig,
		session.WithDialer(dialer),
		session.WithMicrophone(devs.microphone),
		session.WithOutputDevice(devs.speaker),
		session.WithEvaluator(s.evaluator),
		session.WithCaptureBuffer(s.config.Audio.CaptureBuffer),
		session.WithLanguage(s.config.Session.Language),
		session.WithStateCallback(func(state session.State) {
			if state.Kind == session.StateActive {
				activeOnce.Do(func() { close(active) })
			}
			events.send(stateMsg{generation: events.generation, state: state})
		}),
		session.WithSpeakingCallback(func(speakerID string) {
			events.send(speakingMsg{generation: events.generation, speakerID: speakerID})
		}),
		session.WithTurnCallback(func(turn turns.Turn) {
			events.send(turnMsg{generation: events.generation, turn: turn})
			if turn.IsUser() {
				select {
				case userTurns <- turn:
				default:
					slog.Warn("discussion is behind, dropping user turn", "turn_id", turn.ID)
				}
			}
		}),
		session.WithFinishedCallback(func(record evaluation.SessionRecord) {
			events.send(finishedMsg{generation: events.generation, record: record})
		}),
	)
	if err != nil {
		cancel()
		_ = devs.Close()
		return nil, err
	}

	go func() {
		<-controller.Done()
		cancel()
		if err := devs.Close(); err != nil {
			slog.Warn("failed to close audio devices", "error", err)
		}
	}()

	if s.kind == session.ModuleDiscussion {
		orchestrator, err := s.newOrchestrator(controller, sessionConfig)
		if err != nil {
			controller.Close()
			return nil, err
		}
		go func() {
			select {
			case <-active:
			case <-ctx.Done():
				return
			}
			if err := orchestrator.Run(ctx, userTurns); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrNotActive) {
				slog.Error("discussion stopped", "session_id", controller.ID(), "error", err)
			}
		}()
	}

	if err := controller.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	return &runningSession{generation: events.generation, controller: controller}, nil
}

func (s *services) newOrchestrator(controller *session.Controller, sessionConfig session.Config) (*discussion.Orchestrator, error) {
	cfg := s.config.Discussion
	synthesizer, err := tts.NewSynthesizer(s.config.Transport.DeepgramAPIKey, tts.WithDefaultVoice(cfg.DefaultVoice))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	return discussion.NewOrchestrator(controller, sessionConfig,
		groq.NewDiscussionGenerator(s.llm, cfg.MaxUtterances),
		synthesizer,
		discussion.WithVoiceProfiles(discussion.VoiceProfiles(s.config.Voices)),
		discussion.WithMaxRounds(cfg.MaxRounds),
		discussion.WithSynthesisParallelism(cfg.SynthesisParallelism),
	), nil
}
