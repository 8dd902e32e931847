package turns

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestAssemblerJoinsFragmentsIntoTurn(t *testing.T) {
	a := NewAssembler()
	a.Append(UserSpeaker, "I worked ", at(0))
	a.Append(UserSpeaker, "on billing.", at(300))

	turn, ok := a.Complete(UserSpeaker, at(900))
	if !ok {
		t.Fatalf("expected a turn")
	}
	if turn.Text != "I worked on billing." {
		t.Fatalf("unexpected text %q", turn.Text)
	}
	if !turn.StartedAt.Equal(at(0)) || !turn.EndedAt.Equal(at(900)) {
		t.Fatalf("unexpected timestamps %s - %s", turn.StartedAt, turn.EndedAt)
	}
	if turn.ID == "" {
		t.Fatalf("expected turn id")
	}

	if _, ok := a.Complete(UserSpeaker, at(1000)); ok {
		t.Fatalf("expected no turn from an empty buffer")
	}

	a.Append(UserSpeaker, "Next answer", at(1200))
	if _, ok := a.Complete(UserSpeaker, at(1500)); !ok {
		t.Fatalf("expected a new turn to begin implicitly")
	}
	if got := len(a.Transcript()); got != 2 {
		t.Fatalf("expected 2 turns, got %d", got)
	}
}

func TestAssemblerKeepsSpeakersSeparate(t *testing.T) {
	a := NewAssembler()
	a.Append("coach", "Tell me ", at(0))
	a.Append(UserSpeaker, "Sure", at(50))
	a.Append("coach", "about you.", at(100))

	coach, _ := a.Complete("coach", at(200))
	user, _ := a.Complete(UserSpeaker, at(400))

	if coach.Text != "Tell me about you." || user.Text != "Sure" {
		t.Fatalf("fragments crossed speakers: %q / %q", coach.Text, user.Text)
	}
	transcript := a.Transcript()
	if transcript[0].SpeakerID != "coach" || transcript[1].SpeakerID != UserSpeaker {
		t.Fatalf("expected completion order, got %v", transcript)
	}
}

func TestAssemblerTurnsNeverOverlapForSpeaker(t *testing.T) {
	a := NewAssembler()
	a.Append("alex", "first", at(100))
	a.Complete("alex", at(500))

	// Out of order clock readings must not produce an overlapping turn.
	a.Append("alex", "second", at(300))
	second, _ := a.Complete("alex", at(200))

	if second.StartedAt.Before(at(500)) {
		t.Fatalf("second turn starts %s, before first ended", second.StartedAt)
	}
	if second.EndedAt.Before(second.StartedAt) {
		t.Fatalf("turn ends before it starts")
	}

	appended := a.AppendTurn(Turn{SpeakerID: "alex", Text: "third", StartedAt: at(0), EndedAt: at(0)})
	if appended.StartedAt.Before(second.EndedAt) || appended.EndedAt.Before(appended.StartedAt) {
		t.Fatalf("appended turn overlaps: %+v", appended)
	}
}

func TestAssemblerFlushKeepsPartialTurns(t *testing.T) {
	a := NewAssembler()
	a.Append("coach", "What is ", at(0))
	a.Append(UserSpeaker, "I think", at(100))

	flushed := a.Flush(at(1000))
	if len(flushed) != 2 {
		t.Fatalf("expected both partial turns, got %d", len(flushed))
	}
	if flushed[0].SpeakerID != "coach" || flushed[0].Text != "What is" {
		t.Fatalf("unexpected first flushed turn %+v", flushed[0])
	}
	if a.Pending("coach") || a.Pending(UserSpeaker) {
		t.Fatalf("expected buffers cleared after flush")
	}
}

func TestAssemblerTranscriptIsACopy(t *testing.T) {
	a := NewAssembler()
	a.AppendTurn(Turn{SpeakerID: "coach", Text: "Hi", StartedAt: at(0), EndedAt: at(10)})

	transcript := a.Transcript()
	transcript[0].Text = "changed"

	var texts []string
	for turn := range a.Values {
		texts = append(texts, turn.Text)
	}
	if texts[0] != "Hi" {
		t.Fatalf("transcript was mutated through a copy")
	}
}
