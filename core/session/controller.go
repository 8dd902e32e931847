package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/playback"
	"github.com/koscakluka/ema-coach/core/transport"
	"github.com/koscakluka/ema-coach/core/turns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Controller runs one session from Idle to Finished or Failed. It is the only
// writer of the session state; capture, transport and playback report to it
// and it decides what happens next.
//
// A Controller is single use. Start a new one for a new session.
type Controller struct {
	id     string
	config Config

	dialer    transport.Dialer
	mic       Microphone
	output    playback.Device
	evaluator Evaluator

	captureBuffer int
	language      string
	now           func() time.Time

	onState          func(State)
	onSpeaking       func(string)
	onTurn           func(turns.Turn)
	onSpeechFinished func(string)
	onFinished       func(evaluation.SessionRecord)

	scheduler *playback.Scheduler
	assembler *turns.Assembler
	ring      *audio.FrameRing
	encoder   *audio.Encoder
	decoder   *audio.Decoder

	// mu guards state and conn. Anything that must not happen after the
	// session leaves Active (sending, enqueueing) runs under RLock; leaving
	// Active takes the write lock.
	mu    sync.RWMutex
	state State
	conn  transport.Conn
	muted bool

	// notifyMu orders state transitions with their callbacks.
	notifyMu sync.Mutex
	// lifecycleMu keeps release from running while devices are being opened.
	lifecycleMu sync.Mutex

	runCtx     context.Context
	cancelRun  context.CancelFunc
	sendCtx    context.Context
	cancelSend context.CancelFunc
	// openCtx bounds device and transport opening. It ends as soon as the
	// session is torn down, so release never waits on a pending handshake.
	openCtx    context.Context
	cancelOpen context.CancelFunc

	startedAt time.Time
	record    evaluation.SessionRecord

	senderOnce  sync.Once
	releaseOnce sync.Once
	endOnce     sync.Once
	closeOnce   sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

func NewController(config Config, opts ...Option) (*Controller, error) {
	config, err := NewConfig(config)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		id:               uuid.NewString(),
		config:           config,
		captureBuffer:    defaultCaptureBuffer,
		now:              time.Now,
		onState:          func(State) {},
		onSpeaking:       func(string) {},
		onTurn:           func(turns.Turn) {},
		onSpeechFinished: func(string) {},
		onFinished:       func(evaluation.SessionRecord) {},
		assembler:        turns.NewAssembler(),
		state:            State{Kind: StateIdle},
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	c.sendCtx, c.cancelSend = context.WithCancel(c.runCtx)
	c.openCtx, c.cancelOpen = context.WithCancel(c.runCtx)
	c.ring = audio.NewFrameRing(c.captureBuffer)

	if c.output != nil {
		c.scheduler = playback.NewScheduler(c.output,
			playback.WithSpeakingCallback(func(speakerID string) { c.onSpeaking(speakerID) }),
		)
		c.decoder = audio.NewDecoder(c.output.EncodingInfo())
	}
	if c.mic != nil {
		c.encoder = audio.NewEncoder(c.mic.EncodingInfo())
	}

	return c, nil
}

func (c *Controller) ID() string     { return c.id }
func (c *Controller) Config() Config { return c.config }

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the session reaches Finished or Failed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Record is the finished session record. It is only set after Finished.
func (c *Controller) Record() (evaluation.SessionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record, c.state.Kind == StateFinished
}

func (c *Controller) Transcript() []turns.Turn { return c.assembler.Transcript() }

// Start opens the microphone and the transport concurrently and moves to
// Connecting. The session becomes Active once the transport reports ready.
// Cancelling ctx closes the session.
func (c *Controller) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "start session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", c.id), attribute.String("session.module", string(c.config.ModuleKind)))

	if err := c.transition(StateConnecting, nil); err != nil {
		return ErrAlreadyStarted
	}
	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	if err := c.open(ctx); err != nil {
		// End or Close already decided how the session ends.
		if c.openCtx.Err() != nil {
			return ErrTeardownStarted
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.fail(err)
		return err
	}
	return nil
}

func (c *Controller) open(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.openCtx, cancel)
	defer stop()

	switch {
	case c.dialer == nil:
		return &TransportError{Op: "open", Err: ErrMissingDialer}
	case c.mic == nil:
		return &DeviceError{Device: "microphone", Err: ErrMissingDevice}
	case c.output == nil:
		return &DeviceError{Device: "output", Err: ErrMissingDevice}
	}

	if reporter, ok := c.mic.(MicrophoneWithErrors); ok {
		reporter.SetErrorCallback(func(err error) { go c.ReportDeviceError("microphone", err) })
	}

	var conn transport.Conn
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := c.mic.StartCapture(c.runCtx, c.capture); err != nil {
			return &DeviceError{Device: "microphone", Err: err}
		}
		trace.SpanFromContext(ctx).AddEvent("capture started")
		return nil
	})
	group.Go(func() error {
		opened, err := c.dialer.Open(groupCtx, c.transportConfig())
		if err != nil {
			return &TransportError{Op: "open", Err: err}
		}
		conn = opened
		trace.SpanFromContext(ctx).AddEvent("transport opened",
			trace.WithAttributes(attribute.String("transport.assistant", c.config.Host().Name)))
		return nil
	})
	if err := group.Wait(); err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}

	// End or Close may have run while the devices were opening; release
	// picks up the microphone once we return, the transport is ours to close.
	c.mu.Lock()
	if c.state.Kind != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.receive(conn)
	return nil
}

func (c *Controller) transportConfig() transport.Config {
	host := c.config.Host()
	return transport.Config{
		SystemInstruction: c.config.SystemInstruction(),
		VoiceProfile:      host.VoiceProfileID,
		AssistantSpeaker:  host.Name,
		InputEncoding:     audio.WireEncodingInfo(),
		Language:          c.language,
	}
}

// End stops capture, closes the transport, stops playback and evaluates the
// transcript. It blocks until the session is Finished. Calling End again, or
// after the session failed, releases nothing twice.
func (c *Controller) End(ctx context.Context) error {
	c.endOnce.Do(func() { c.end(ctx) })

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if state := c.State(); state.Kind == StateFailed {
		return state.Reason
	}
	return nil
}

func (c *Controller) end(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "end session")
	defer span.End()

	if err := c.transition(StateEvaluating, nil); err != nil {
		return
	}
	c.release()

	endedAt := c.now()
	for _, turn := range c.assembler.Flush(endedAt) {
		c.onTurn(turn)
	}
	transcript := c.assembler.Transcript()

	// Close aborts scoring calls still in flight.
	evalCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.runCtx.Done():
			stop()
		case <-evalCtx.Done():
		}
	}()

	result := evaluation.Result{PerTurnScores: []evaluation.TurnScore{}}
	if c.evaluator != nil {
		result = c.evaluator.Evaluate(evalCtx, transcript, c.config.Context)
	}

	c.mu.RLock()
	startedAt := c.startedAt
	c.mu.RUnlock()
	if startedAt.IsZero() {
		startedAt = endedAt
	}

	record := evaluation.SessionRecord{
		ID:            c.id,
		ModuleKind:    string(c.config.ModuleKind),
		ModuleContext: c.config.Context,
		Turns:         transcript,
		Result:        result,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
	}
	if c.evaluator != nil {
		c.evaluator.Persist(ctx, record)
	}

	c.mu.Lock()
	c.record = record
	c.mu.Unlock()

	if err := c.transition(StateFinished, nil); err != nil {
		return
	}
	span.SetAttributes(attribute.Float64("session.score", result.AggregateScore))
	c.onFinished(record)
}

// Close abandons the session. An Active session fails, an evaluation in
// progress is cut short and finishes with fallback scores.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if !c.State().IsTerminal() && c.State().Kind != StateEvaluating {
			c.fail(ErrCancelledByOwner)
		}
		c.cancelRun()
		c.release()
	})
}

// SetMuted replaces captured audio with silence. The transport stays open.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *Controller) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// CompleteTurn closes speaker's in-progress turn without waiting for the
// remote service.
func (c *Controller) CompleteTurn(speakerID string) (turns.Turn, bool) {
	return c.completeTurn(speakerID, c.now())
}

// ReportDeviceError fails the session when a device is lost mid-session.
func (c *Controller) ReportDeviceError(device string, err error) {
	switch c.State().Kind {
	case StateIdle, StateConnecting, StateActive:
		c.fail(&DeviceError{Device: device, Err: err})
	}
}

// EnqueuePlayback decodes buf and queues it for speakerID. It is rejected
// once the session left Active.
func (c *Controller) EnqueuePlayback(ctx context.Context, speakerID string, buf []byte, encoding audio.EncodingInfo) error {
	pcm, err := c.decoder.Decode(buf, encoding)
	if err != nil {
		decodeErrors.Add(ctx, 1)
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Kind != StateActive {
		return ErrNotActive
	}
	_, err = c.scheduler.Enqueue(ctx, speakerID, pcm)
	return err
}

// AppendTurn adds a finished turn, such as a generated discussion line.
func (c *Controller) AppendTurn(turn turns.Turn) (turns.Turn, error) {
	c.mu.RLock()
	active := c.state.Kind == StateActive
	c.mu.RUnlock()
	if !active {
		return turns.Turn{}, ErrNotActive
	}

	turn = c.assembler.AppendTurn(turn)
	c.onTurn(turn)
	return turn, nil
}

// WaitIdle blocks until everything queued for playback has played.
func (c *Controller) WaitIdle(ctx context.Context) error {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.WaitIdle(ctx)
}

func (c *Controller) CurrentSpeaker() string {
	if c.scheduler == nil {
		return ""
	}
	return c.scheduler.CurrentSpeaker()
}

func (c *Controller) fail(reason error) {
	if err := c.transition(StateFailed, reason); err != nil {
		return
	}
	logger.Error("session failed", "session_id", c.id, "error", reason)
	c.release()
}

// transition moves the state machine. Tearing down cancels opening and
// in-flight sends before taking the lock, so the sender cannot hold its read
// lock across a blocked write.
func (c *Controller) transition(to StateKind, reason error) error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	if to != StateConnecting && to != StateActive {
		c.cancelOpen()
		c.cancelSend()
	}

	c.mu.Lock()
	from := c.state
	if from.Kind == to && to == StateActive {
		c.mu.Unlock()
		return nil
	}
	if !canTransition(from.Kind, to) {
		c.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from.Kind, to)
	}
	c.state = State{Kind: to, Reason: reason}
	state := c.state
	c.mu.Unlock()

	logger.Info("session state changed", "session_id", c.id, "from", from.Kind.String(), "to", to.String())
	c.onState(state)

	if state.IsTerminal() {
		c.cancelRun()
		c.doneOnce.Do(func() { close(c.done) })
	}
	return nil
}

// release frees the microphone, transport and output device exactly once.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		c.cancelOpen()
		c.cancelSend()

		c.lifecycleMu.Lock()
		defer c.lifecycleMu.Unlock()

		var errs error
		if c.mic != nil {
			if err := c.mic.StopCapture(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("failed to stop capture: %w", err))
			}
			if closer, ok := c.mic.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = errors.Join(errs, fmt.Errorf("failed to close microphone: %w", err))
				}
			}
		}
		c.ring.Close()

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("failed to close transport: %w", err))
			}
		}

		if c.scheduler != nil {
			if err := c.scheduler.Close(); err != nil {
				errs = errors.Join(errs, err)
			}
		}

		if errs != nil {
			logger.Warn("errors while releasing session resources", "session_id", c.id, "error", errs)
		}
	})
}
