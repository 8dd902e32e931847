package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-coach/core/audio"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/transport"
	"github.com/koscakluka/ema-coach/core/turns"
)

type fakeMic struct {
	mu       sync.Mutex
	onAudio  func([]byte)
	startErr error
	stopped  int
	closed   int
}

func (m *fakeMic) StartCapture(_ context.Context, onAudio func([]byte)) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.onAudio = onAudio
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) StopCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.onAudio = nil
	return nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMic) EncodingInfo() audio.EncodingInfo { return audio.WireEncodingInfo() }

func (m *fakeMic) emit(raw []byte) {
	m.mu.Lock()
	onAudio := m.onAudio
	m.mu.Unlock()
	if onAudio != nil {
		onAudio(raw)
	}
}

func (m *fakeMic) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped, m.closed
}

type fakeConn struct {
	stream *transport.Stream
	// gate, when set, holds every Send until it is closed or ctx ends.
	gate chan struct{}

	mu     sync.Mutex
	frames [][]byte
	closed int
}

func newFakeConn() *fakeConn { return &fakeConn{stream: transport.NewStream()} }

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Events() <-chan transport.Event { return c.stream.Events() }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	first := c.closed == 1
	c.mu.Unlock()
	if first {
		c.stream.Stop()
		c.stream.Finish()
	}
	return nil
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDevice struct {
	mu      sync.Mutex
	played  int
	dones   []func()
	stopped int
	closed  int
}

func (d *fakeDevice) Play(_ []byte, done func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played++
	d.dones = append(d.dones, done)
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	d.dones = nil
	return nil
}

func (d *fakeDevice) EncodingInfo() audio.EncodingInfo { return audio.PlaybackEncodingInfo() }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDevice) snapshot() (played, stopped, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played, d.stopped, d.closed
}

type scorerFunc func(ctx context.Context, req evaluation.Request) (evaluation.Score, error)

func (f scorerFunc) Score(ctx context.Context, req evaluation.Request) (evaluation.Score, error) {
	return f(ctx, req)
}

type harness struct {
	controller *Controller
	mic        *fakeMic
	conn       *fakeConn
	device     *fakeDevice

	mu       sync.Mutex
	states   []State
	finished []evaluation.SessionRecord
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{mic: &fakeMic{}, conn: newFakeConn(), device: &fakeDevice{}}

	scorer := scorerFunc(func(context.Context, evaluation.Request) (evaluation.Score, error) {
		return evaluation.Score{}, errors.New("scoring offline")
	})

	base := []Option{
		WithMicrophone(h.mic),
		WithOutputDevice(h.device),
		WithDialer(transport.DialerFunc(func(context.Context, transport.Config) (transport.Conn, error) {
			return h.conn, nil
		})),
		WithEvaluator(evaluation.NewPipeline(scorer)),
		WithStateCallback(func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		}),
		WithFinishedCallback(func(r evaluation.SessionRecord) {
			h.mu.Lock()
			h.finished = append(h.finished, r)
			h.mu.Unlock()
		}),
	}

	controller, err := NewController(Config{
		ModuleKind: ModuleInterview,
		Personas:   []Persona{{Name: "coach", Role: "interviewer", VoiceProfileID: "Puck"}},
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("unexpected controller error: %v", err)
	}
	h.controller = controller
	t.Cleanup(controller.Close)
	return h
}

func (h *harness) startActive(t *testing.T) {
	t.Helper()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if got := h.controller.State().Kind; got != StateConnecting {
		t.Fatalf("expected connecting before ready, got %s", got)
	}
	h.conn.stream.Emit(transport.NewReady())
	waitForCondition(t, func() bool { return h.controller.State().Kind == StateActive })
}

func waitForCondition(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

func frame(value byte) []byte {
	raw := make([]byte, 320)
	for i := range raw {
		raw[i] = value
	}
	return raw
}

func TestControllerRunsFullSession(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.mic.emit(frame(7))
	waitForCondition(t, func() bool { return len(h.conn.sent()) == 1 })

	h.conn.stream.Emit(transport.NewPartialText("coach", "Tell me about yourself."))
	h.conn.stream.Emit(transport.NewTurnComplete("coach"))
	h.conn.stream.Emit(transport.NewPartialText(turns.UserSpeaker, "I build audio tools."))
	h.conn.stream.Emit(transport.NewTurnComplete(turns.UserSpeaker))
	waitForCondition(t, func() bool { return len(h.controller.Transcript()) == 2 })

	if err := h.controller.End(context.Background()); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if got := h.controller.State().Kind; got != StateFinished {
		t.Fatalf("expected finished, got %s", got)
	}

	record, ok := h.controller.Record()
	if !ok {
		t.Fatalf("expected a record once finished")
	}
	if len(record.Turns) != 2 || record.Result.AggregateScore != evaluation.NeutralScore {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Result.PerTurnScores[0].Question != "Tell me about yourself." {
		t.Fatalf("expected user answer paired with coach question, got %q", record.Result.PerTurnScores[0].Question)
	}

	h.mu.Lock()
	var kinds []StateKind
	for _, s := range h.states {
		kinds = append(kinds, s.Kind)
	}
	finished := len(h.finished)
	h.mu.Unlock()

	want := []StateKind{StateConnecting, StateActive, StateEvaluating, StateFinished}
	if len(kinds) != len(want) {
		t.Fatalf("expected states %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, kinds)
		}
	}
	if finished != 1 {
		t.Fatalf("expected finished callback once, got %d", finished)
	}
}

func TestControllerEndReleasesResourcesOnce(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	for range 2 {
		if err := h.controller.End(context.Background()); err != nil {
			t.Fatalf("unexpected end error: %v", err)
		}
	}
	h.controller.Close()

	stopped, closed := h.mic.counts()
	if stopped != 1 || closed != 1 {
		t.Fatalf("expected microphone released once, got stop=%d close=%d", stopped, closed)
	}
	if got := h.conn.closeCount(); got != 1 {
		t.Fatalf("expected transport closed once, got %d", got)
	}
	if _, _, deviceClosed := h.device.snapshot(); deviceClosed != 1 {
		t.Fatalf("expected output device closed once, got %d", deviceClosed)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.finished) != 1 {
		t.Fatalf("expected a single finished notification, got %d", len(h.finished))
	}
}

// blockingDialer holds Open until its context ends.
func blockingDialer(dialing chan<- struct{}) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, _ transport.Config) (transport.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func startConnecting(t *testing.T, h *harness, dialing <-chan struct{}) <-chan error {
	t.Helper()
	started := make(chan error, 1)
	go func() { started <- h.controller.Start(context.Background()) }()
	select {
	case <-dialing:
	case <-time.After(time.Second):
		t.Fatalf("dialer was never called")
	}
	return started
}

func closeWithin(t *testing.T, c *Controller) {
	t.Helper()
	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close blocked")
	}
}

func TestControllerEndWhileConnecting(t *testing.T) {
	dialing := make(chan struct{})
	h := newHarness(t, WithDialer(blockingDialer(dialing)))
	started := startConnecting(t, h, dialing)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.controller.End(ctx); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if got := h.controller.State().Kind; got != StateFinished {
		t.Fatalf("expected finished, got %s", got)
	}

	select {
	case err := <-started:
		if !errors.Is(err, ErrTeardownStarted) {
			t.Fatalf("expected start to report teardown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("start still blocked on the dialer")
	}

	closeWithin(t, h.controller)
	if stopped, closed := h.mic.counts(); stopped != 1 || closed != 1 {
		t.Fatalf("expected microphone released once, got stopped=%d closed=%d", stopped, closed)
	}
	if _, _, closed := h.device.snapshot(); closed != 1 {
		t.Fatalf("expected output device closed once, got %d", closed)
	}
}

func TestControllerCloseWhileConnecting(t *testing.T) {
	dialing := make(chan struct{})
	h := newHarness(t, WithDialer(blockingDialer(dialing)))
	started := startConnecting(t, h, dialing)

	closeWithin(t, h.controller)
	state := h.controller.State()
	if state.Kind != StateFailed || !errors.Is(state.Reason, ErrCancelledByOwner) {
		t.Fatalf("expected failed by owner, got %s (%v)", state.Kind, state.Reason)
	}

	select {
	case err := <-started:
		if !errors.Is(err, ErrTeardownStarted) {
			t.Fatalf("expected start to report teardown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("start still blocked on the dialer")
	}
	if stopped, closed := h.mic.counts(); stopped != 1 || closed != 1 {
		t.Fatalf("expected microphone released once, got stopped=%d closed=%d", stopped, closed)
	}
}

func TestControllerEndAndCloseFromIdle(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.controller.End(ctx); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if got := h.controller.State().Kind; got != StateFinished {
		t.Fatalf("expected finished, got %s", got)
	}
	closeWithin(t, h.controller)

	if err := h.controller.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected a finished session not to restart, got %v", err)
	}
	if stopped, closed := h.mic.counts(); stopped != 1 || closed != 1 {
		t.Fatalf("expected microphone released once, got stopped=%d closed=%d", stopped, closed)
	}
}

func TestControllerCloseFromIdle(t *testing.T) {
	h := newHarness(t)

	closeWithin(t, h.controller)
	state := h.controller.State()
	if state.Kind != StateFailed || !errors.Is(state.Reason, ErrCancelledByOwner) {
		t.Fatalf("expected failed by owner, got %s (%v)", state.Kind, state.Reason)
	}
	if _, _, closed := h.device.snapshot(); closed != 1 {
		t.Fatalf("expected output device closed once, got %d", closed)
	}
}

func TestControllerFailsOnTransportError(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	boom := errors.New("socket reset")
	h.conn.stream.Emit(transport.NewError(boom))
	waitForCondition(t, func() bool { return h.controller.State().Kind == StateFailed })

	var transportErr *TransportError
	if reason := h.controller.State().Reason; !errors.As(reason, &transportErr) || !errors.Is(reason, boom) {
		t.Fatalf("expected transport error reason, got %v", reason)
	}

	if err := h.controller.End(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected End to report the failure, got %v", err)
	}
	if stopped, _ := h.mic.counts(); stopped != 1 {
		t.Fatalf("expected microphone released once, got %d", stopped)
	}
	if _, _, closed := h.device.snapshot(); closed != 1 {
		t.Fatalf("expected output device released once, got %d", closed)
	}
}

func TestControllerFailsWhenTransportClosesWhileActive(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.conn.stream.Finish()
	waitForCondition(t, func() bool { return h.controller.State().Kind == StateFailed })
	if !errors.Is(h.controller.State().Reason, ErrTransportClosed) {
		t.Fatalf("expected closed transport reason, got %v", h.controller.State().Reason)
	}
}

func TestControllerFailsFastWithoutMicrophone(t *testing.T) {
	h := newHarness(t)
	h.mic.startErr = errors.New("permission denied")

	err := h.controller.Start(context.Background())
	var deviceErr *DeviceError
	if !errors.As(err, &deviceErr) {
		t.Fatalf("expected device error, got %v", err)
	}
	if got := h.controller.State().Kind; got != StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if _, _, closed := h.device.snapshot(); closed != 1 {
		t.Fatalf("expected output device released after failed start, got %d", closed)
	}
	if err := h.controller.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected a failed controller to refuse restarting, got %v", err)
	}
}

func TestControllerSendsNothingAfterLeavingActive(t *testing.T) {
	h := newHarness(t)
	h.conn.gate = make(chan struct{})
	h.startActive(t)

	// The first frame blocks inside Send, the rest wait in the ring.
	for i := range 5 {
		h.mic.emit(frame(byte(i + 1)))
	}

	done := make(chan error, 1)
	go func() { done <- h.controller.End(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected end error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("End blocked behind a stalled send")
	}

	close(h.conn.gate)
	h.mic.emit(frame(9))
	time.Sleep(20 * time.Millisecond)
	if got := len(h.conn.sent()); got != 0 {
		t.Fatalf("expected no frames forwarded after leaving active, got %d", got)
	}
}

func TestControllerMuteSubstitutesSilence(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.controller.SetMuted(true)
	h.mic.emit(frame(42))
	waitForCondition(t, func() bool { return len(h.conn.sent()) == 1 })

	for _, b := range h.conn.sent()[0] {
		if b != 0 {
			t.Fatalf("expected silence while muted")
		}
	}
	if h.controller.State().Kind != StateActive {
		t.Fatalf("muting must not leave active")
	}
}

func TestControllerEndStopsPlaybackMidPlay(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	speech := make([]byte, audio.PlaybackEncodingInfo().ByteCount(100*time.Millisecond))
	for range 3 {
		h.conn.stream.Emit(transport.NewPartialAudio("coach", speech, audio.PlaybackEncodingInfo()))
	}
	waitForCondition(t, func() bool {
		played, _, _ := h.device.snapshot()
		return played >= 1
	})

	if err := h.controller.End(context.Background()); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if got := h.controller.scheduler.Pending(); got != 0 {
		t.Fatalf("expected empty playback queue, got %d", got)
	}
	if got := h.controller.CurrentSpeaker(); got != "" {
		t.Fatalf("expected nobody speaking after end, got %q", got)
	}
	if _, stopped, _ := h.device.snapshot(); stopped != 1 {
		t.Fatalf("expected the playing item to be stopped, got %d stops", stopped)
	}
}

func TestControllerSkipsUndecodableAudio(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.conn.stream.Emit(transport.NewPartialAudio("coach", []byte{1, 2, 3}, audio.PlaybackEncodingInfo()))
	h.conn.stream.Emit(transport.NewPartialText("coach", "still here"))
	h.conn.stream.Emit(transport.NewTurnComplete("coach"))
	waitForCondition(t, func() bool { return len(h.controller.Transcript()) == 1 })

	if h.controller.State().Kind != StateActive {
		t.Fatalf("expected decode error to be recovered locally")
	}
	if played, _, _ := h.device.snapshot(); played != 0 {
		t.Fatalf("expected malformed payload to be dropped")
	}
}

func TestControllerFlushesPartialTurnOnEnd(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.conn.stream.Emit(transport.NewPartialText(turns.UserSpeaker, "I was about to"))
	waitForCondition(t, func() bool { return h.controller.assembler.Pending(turns.UserSpeaker) })

	if err := h.controller.End(context.Background()); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	record, _ := h.controller.Record()
	if len(record.Turns) != 1 || record.Turns[0].Text != "I was about to" {
		t.Fatalf("expected partial turn to be kept, got %+v", record.Turns)
	}
}

func TestStateTransitionsAreMonotonic(t *testing.T) {
	tests := []struct {
		from, to StateKind
		ok       bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateActive, true},
		{StateActive, StateEvaluating, true},
		{StateEvaluating, StateFinished, true},
		{StateActive, StateConnecting, false},
		{StateFinished, StateFailed, false},
		{StateFailed, StateActive, false},
		{StateEvaluating, StateFailed, true},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Fatalf("canTransition(%s, %s) = %t, want %t", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestNewConfigIsDeepCopy(t *testing.T) {
	personas := []Persona{{Name: "coach", Role: "interviewer"}}
	config, err := NewConfig(Config{Personas: personas})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	personas[0].Name = "changed"
	if config.Personas[0].Name != "coach" {
		t.Fatalf("config shares persona storage with the caller")
	}
	if config.ModuleKind != ModuleInterview {
		t.Fatalf("expected default module kind, got %q", config.ModuleKind)
	}
}
