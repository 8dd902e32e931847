package turns

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const UserSpeaker = "user"

// Turn is one finished utterance. Turns are never changed after they are
// appended to the transcript.
type Turn struct {
	ID        string    `json:"id"`
	SpeakerID string    `json:"speakerId"`
	Text      string    `json:"text"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

func (t Turn) IsUser() bool { return t.SpeakerID == UserSpeaker }

type partial struct {
	text      strings.Builder
	startedAt time.Time
}

// Assembler collects streamed text fragments per speaker and freezes them
// into turns. It is safe for concurrent use.
type Assembler struct {
	mu         sync.Mutex
	transcript []Turn
	partials   map[string]*partial
	// lastEnded keeps same-speaker turns from overlapping.
	lastEnded map[string]time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{
		partials:  map[string]*partial{},
		lastEnded: map[string]time.Time{},
	}
}

// Append adds a fragment to speaker's in-progress turn, starting one if
// needed. Fragments are joined as they arrive; the remote service already
// includes spacing.
func (a *Assembler) Append(speakerID, fragment string, at time.Time) {
	if fragment == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.partials[speakerID]
	if !ok {
		p = &partial{startedAt: a.notBeforeLastEnd(speakerID, at)}
		a.partials[speakerID] = p
	}
	p.text.WriteString(fragment)
}

// Complete freezes speaker's in-progress turn. It reports false when the
// speaker has nothing buffered.
func (a *Assembler) Complete(speakerID string, at time.Time) (Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete(speakerID, at)
}

// AppendTurn appends an already finished turn, such as a generated
// discussion utterance. Timestamps are clamped to keep the transcript
// consistent.
func (a *Assembler) AppendTurn(turn Turn) Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.StartedAt = a.notBeforeLastEnd(turn.SpeakerID, turn.StartedAt)
	if turn.EndedAt.Before(turn.StartedAt) {
		turn.EndedAt = turn.StartedAt
	}
	a.push(turn)
	return turn
}

// Flush freezes every in-progress turn as it is. Used when the session ends
// so no partial text is lost.
func (a *Assembler) Flush(at time.Time) []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	speakers := make([]string, 0, len(a.partials))
	for speakerID := range a.partials {
		speakers = append(speakers, speakerID)
	}
	slices.SortFunc(speakers, func(x, y string) int {
		return a.partials[x].startedAt.Compare(a.partials[y].startedAt)
	})

	var flushed []Turn
	for _, speakerID := range speakers {
		if turn, ok := a.complete(speakerID, at); ok {
			flushed = append(flushed, turn)
		}
	}
	return flushed
}

// Pending reports whether speaker has buffered text.
func (a *Assembler) Pending(speakerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.partials[speakerID]
	return ok
}

// Transcript returns a copy of the finished turns in completion order.
func (a *Assembler) Transcript() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.transcript)
}

// Values is an iterator over finished turns from the earliest to the latest.
func (a *Assembler) Values(yield func(Turn) bool) {
	for _, turn := range a.Transcript() {
		if !yield(turn) {
			return
		}
	}
}

// RValues is like Values but goes from the latest to the earliest.
func (a *Assembler) RValues(yield func(Turn) bool) {
	for _, turn := range slices.Backward(a.Transcript()) {
		if !yield(turn) {
			return
		}
	}
}

func (a *Assembler) complete(speakerID string, at time.Time) (Turn, bool) {
	p, ok := a.partials[speakerID]
	if !ok {
		return Turn{}, false
	}
	delete(a.partials, speakerID)

	turn := Turn{
		ID:        uuid.NewString(),
		SpeakerID: speakerID,
		Text:      strings.TrimSpace(p.text.String()),
		StartedAt: p.startedAt,
		EndedAt:   at,
	}
	if turn.EndedAt.Before(turn.StartedAt) {
		turn.EndedAt = turn.StartedAt
	}
	if turn.Text == "" {
		return Turn{}, false
	}

	a.push(turn)
	return turn, true
}

func (a *Assembler) push(turn Turn) {
	a.transcript = append(a.transcript, turn)
	a.lastEnded[turn.SpeakerID] = turn.EndedAt
}

func (a *Assembler) notBeforeLastEnd(speakerID string, at time.Time) time.Time {
	if last, ok := a.lastEnded[speakerID]; ok && at.Before(last) {
		return last
	}
	return at
}
