package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-coach/core/audio"
)

// deviceLookahead is how many items are handed to the device ahead of the
// one currently audible, so the device never runs dry between items.
const deviceLookahead = 1

var ErrClosed = errors.New("playback scheduler closed")

// Device is an output device that renders buffers back to back.
type Device interface {
	// Play appends buf after everything already handed to the device and calls
	// done once buf has been rendered.
	Play(buf []byte, done func()) error
	// Stop silences the device and discards queued audio. done callbacks of
	// discarded buffers may or may not be called.
	Stop() error
	EncodingInfo() audio.EncodingInfo
	Close() error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Item is a decoded buffer waiting for its turn on the device.
type Item struct {
	ID         string
	SpeakerID  string
	Buffer     []byte
	EnqueuedAt time.Time
}

// Report describes where an item landed on the playback timeline.
type Report struct {
	ID        string
	SpeakerID string
	StartAt   time.Time
	EndAt     time.Time
}

type SchedulerOption func(*Scheduler)

// WithSpeakingCallback is called with the speaker of the item that became
// audible, and with "" once nothing is left to play.
func WithSpeakingCallback(callback func(speakerID string)) SchedulerOption {
	return func(s *Scheduler) { s.onSpeaking = callback }
}

// WithItemStartedCallback is called when an item becomes audible.
func WithItemStartedCallback(callback func(Report)) SchedulerOption {
	return func(s *Scheduler) { s.onItemStarted = callback }
}

func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// Scheduler owns one output device. All queue state lives in a single run
// loop; callers talk to it by message. Items play strictly in enqueue order
// and never overlap.
//
// Callbacks run on their own goroutine, in order, and may call back into the
// Scheduler.
type Scheduler struct {
	device Device
	clock  Clock

	onSpeaking    func(string)
	onItemStarted func(Report)

	msgs   chan any
	closed chan struct{}
	exited chan struct{}

	// Device done callbacks may fire from inside Play or Stop, so they are
	// queued here instead of being sent to the run loop directly.
	doneMu     sync.Mutex
	dones      []doneMsg
	doneSignal chan struct{}

	notifier *notifier

	currentSpeaker atomic.Value
	pending        atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

type entry struct {
	Item
	seq   int64
	start time.Time
	end   time.Time
}

type enqueueMsg struct {
	item  Item
	reply chan error
}

type doneMsg struct {
	generation int
	id         string
}

type stopMsg struct{ reply chan struct{} }

type markMsg struct{ callback func() }

type waitIdleMsg struct{ idle chan struct{} }

type mark struct {
	afterSeq int64
	callback func()
}

func NewScheduler(device Device, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		device:        device,
		clock:         systemClock{},
		onSpeaking:    func(string) {},
		onItemStarted: func(Report) {},
		msgs:          make(chan any),
		closed:        make(chan struct{}),
		exited:        make(chan struct{}),
		doneSignal:    make(chan struct{}, 1),
		notifier:      newNotifier(),
	}
	s.currentSpeaker.Store("")

	for _, opt := range opts {
		opt(s)
	}

	go s.notifier.run()
	go s.run()
	return s
}

// Enqueue appends a buffer for speakerID and returns the item id. The
// scheduler owns buf afterwards.
func (s *Scheduler) Enqueue(ctx context.Context, speakerID string, buf []byte) (string, error) {
	item := Item{
		ID:         uuid.NewString(),
		SpeakerID:  speakerID,
		Buffer:     buf,
		EnqueuedAt: s.clock.Now(),
	}

	reply := make(chan error, 1)
	if err := s.post(ctx, enqueueMsg{item: item, reply: reply}); err != nil {
		return "", err
	}

	select {
	case err := <-reply:
		if err != nil {
			return "", err
		}
		return item.ID, nil
	case <-s.exited:
		return "", ErrClosed
	}
}

// Mark calls callback once everything enqueued so far has played or been
// flushed.
func (s *Scheduler) Mark(ctx context.Context, callback func()) error {
	return s.post(ctx, markMsg{callback: callback})
}

// Stop silences the current item and empties the queue. The scheduler stays
// usable.
func (s *Scheduler) Stop(ctx context.Context) error {
	reply := make(chan struct{})
	if err := s.post(ctx, stopMsg{reply: reply}); err != nil {
		return err
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return nil
	}
}

// WaitIdle blocks until nothing is queued or playing.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	if err := s.post(ctx, waitIdleMsg{idle: idle}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return nil
	}
}

// CurrentSpeaker is the speaker of the audible item, or "" when idle.
func (s *Scheduler) CurrentSpeaker() string {
	return s.currentSpeaker.Load().(string)
}

// Pending is the number of items queued or playing.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

func (s *Scheduler) EncodingInfo() audio.EncodingInfo {
	return s.device.EncodingInfo()
}

// Close stops playback, rejects further items and releases the device. It
// is safe to call more than once.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.exited
		s.notifier.close()

		if err := s.device.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close output device: %w", err)
		}
	})
	return s.closeErr
}

func (s *Scheduler) post(ctx context.Context, msg any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	select {
	case s.msgs <- msg:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopState is only touched by the run loop.
type loopState struct {
	queue    []*entry
	inDevice []*entry

	generation   int
	enqueuedSeq  int64
	completedSeq int64
	// refused holds seqs the device would not take, in order. They count as
	// completed once every earlier item has left the device.
	refused []int64
	lastEnd time.Time

	marks       []mark
	idleWaiters []chan struct{}
}

func (s *Scheduler) run() {
	defer close(s.exited)

	st := &loopState{}
	for {
		select {
		case <-s.closed:
			s.flush(st)
			s.syncPending(st)
			return
		case <-s.doneSignal:
			s.doneMu.Lock()
			dones := s.dones
			s.dones = nil
			s.doneMu.Unlock()
			for _, done := range dones {
				s.completeHead(st, done)
			}
		case msg := <-s.msgs:
			switch msg := msg.(type) {
			case enqueueMsg:
				st.enqueuedSeq++
				st.queue = append(st.queue, &entry{Item: msg.item, seq: st.enqueuedSeq})
				s.pump(st)
				s.syncPending(st)
				msg.reply <- nil
			case stopMsg:
				s.flush(st)
				s.syncPending(st)
				close(msg.reply)
			case markMsg:
				st.marks = append(st.marks, mark{afterSeq: st.enqueuedSeq, callback: msg.callback})
				s.fireMarks(st)
			case waitIdleMsg:
				st.idleWaiters = append(st.idleWaiters, msg.idle)
				s.releaseIdleWaiters(st)
			}
		}
		s.syncPending(st)
	}
}

func (s *Scheduler) syncPending(st *loopState) {
	s.pending.Store(int64(len(st.queue) + len(st.inDevice)))
}

// pump hands queued items to the device. Each item starts at
// max(now, end of the previous item).
func (s *Scheduler) pump(st *loopState) {
	for len(st.queue) > 0 && len(st.inDevice) < 1+deviceLookahead {
		e := st.queue[0]
		st.queue = st.queue[1:]

		e.start = s.clock.Now()
		if e.start.Before(st.lastEnd) {
			e.start = st.lastEnd
		}
		e.end = e.start.Add(s.device.EncodingInfo().Duration(len(e.Buffer)))

		generation, id := st.generation, e.ID
		if err := s.device.Play(e.Buffer, func() { s.deviceDone(generation, id) }); err != nil {
			logger.Warn("dropping playback item, device refused it", "item_id", e.ID, "speaker", e.SpeakerID, "error", err)
			st.refused = append(st.refused, e.seq)
			s.advanceCompleted(st, st.completedSeq)
			continue
		}
		e.Buffer = nil
		playedItems.Add(context.Background(), 1)

		st.lastEnd = e.end
		st.inDevice = append(st.inDevice, e)
		if len(st.inDevice) == 1 {
			s.started(e)
		}
	}

	if len(st.queue) == 0 && len(st.inDevice) == 0 {
		s.becameIdle(st)
	}
}

func (s *Scheduler) completeHead(st *loopState, msg doneMsg) {
	if msg.generation != st.generation || len(st.inDevice) == 0 || st.inDevice[0].ID != msg.id {
		return
	}

	done := st.inDevice[0]
	st.inDevice = st.inDevice[1:]
	s.advanceCompleted(st, done.seq)

	if len(st.inDevice) > 0 {
		s.started(st.inDevice[0])
	}
	s.pump(st)
}

func (s *Scheduler) flush(st *loopState) {
	flushed := len(st.queue) + len(st.inDevice)
	if len(st.inDevice) > 0 {
		if err := s.device.Stop(); err != nil {
			logger.Warn("failed to stop output device", "error", err)
		}
	}
	if flushed > 0 {
		flushedItems.Add(context.Background(), int64(flushed))
	}

	st.generation++
	st.queue = nil
	st.inDevice = nil
	st.refused = nil
	st.completedSeq = st.enqueuedSeq
	if now := s.clock.Now(); now.Before(st.lastEnd) {
		st.lastEnd = now
	}

	s.fireMarks(st)
	s.becameIdle(st)
}

func (s *Scheduler) advanceCompleted(st *loopState, seq int64) {
	st.completedSeq = max(st.completedSeq, seq)
	for len(st.refused) > 0 && (len(st.inDevice) == 0 || st.refused[0] < st.inDevice[0].seq) {
		st.completedSeq = max(st.completedSeq, st.refused[0])
		st.refused = st.refused[1:]
	}
	s.fireMarks(st)
}

func (s *Scheduler) started(e *entry) {
	s.setSpeaker(e.SpeakerID)
	report := Report{ID: e.ID, SpeakerID: e.SpeakerID, StartAt: e.start, EndAt: e.end}
	s.notifier.push(func() { s.onItemStarted(report) })
}

func (s *Scheduler) becameIdle(st *loopState) {
	s.setSpeaker("")
	s.releaseIdleWaiters(st)
}

func (s *Scheduler) setSpeaker(speakerID string) {
	if s.currentSpeaker.Swap(speakerID).(string) == speakerID {
		return
	}
	s.notifier.push(func() { s.onSpeaking(speakerID) })
}

func (s *Scheduler) fireMarks(st *loopState) {
	fired := 0
	for _, m := range st.marks {
		if m.afterSeq > st.completedSeq {
			break
		}
		s.notifier.push(m.callback)
		fired++
	}
	st.marks = st.marks[fired:]
}

func (s *Scheduler) releaseIdleWaiters(st *loopState) {
	if len(st.queue) > 0 || len(st.inDevice) > 0 {
		return
	}
	for _, idle := range st.idleWaiters {
		close(idle)
	}
	st.idleWaiters = nil
}

func (s *Scheduler) deviceDone(generation int, id string) {
	s.doneMu.Lock()
	s.dones = append(s.dones, doneMsg{generation: generation, id: id})
	s.doneMu.Unlock()

	select {
	case s.doneSignal <- struct{}{}:
	default:
	}
}

// notifier runs callbacks in order on one goroutine without ever blocking
// the producer.
type notifier struct {
	mu           sync.Mutex
	pending      []func()
	closed       bool
	updateSignal chan struct{}
	done         chan struct{}
}

func newNotifier() *notifier {
	return &notifier{updateSignal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (n *notifier) push(callback func()) {
	if callback == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, callback)
	n.mu.Unlock()
	n.signalUpdate()
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		pending := n.pending
		n.pending = nil
		closed := n.closed
		n.mu.Unlock()

		for _, callback := range pending {
			callback()
		}
		if closed {
			return
		}
		if len(pending) == 0 {
			<-n.updateSignal
		}
	}
}

// close lets already queued callbacks finish and waits for them.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signalUpdate()
	<-n.done
}

func (n *notifier) signalUpdate() {
	select {
	case n.updateSignal <- struct{}{}:
	default:
	}
}
