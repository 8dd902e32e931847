package audio

import (
	"slices"
	"testing"
)

func TestPlaybackQueueFiresDoneAtBufferEnd(t *testing.T) {
	var q PlaybackQueue
	var fired []string
	q.Push([]byte{1, 2, 3, 4}, func() { fired = append(fired, "first") })
	q.Push([]byte{5, 6}, func() { fired = append(fired, "second") })

	out := make([]byte, 3)
	for _, done := range q.Fill(out) {
		done()
	}
	if !slices.Equal(out, []byte{1, 2, 3}) || len(fired) != 0 {
		t.Fatalf("unexpected first period: out=%v fired=%v", out, fired)
	}

	out = make([]byte, 4)
	for _, done := range q.Fill(out) {
		done()
	}
	if !slices.Equal(out, []byte{4, 5, 6, 0}) {
		t.Fatalf("unexpected second period %v", out)
	}
	if !slices.Equal(fired, []string{"first", "second"}) {
		t.Fatalf("expected both buffers to finish in order, got %v", fired)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestPlaybackQueueClearDropsAudioAndCallbacks(t *testing.T) {
	var q PlaybackQueue
	called := false
	q.Push([]byte{1, 2}, func() { called = true })
	q.Clear()

	out := make([]byte, 2)
	if done := q.Fill(out); len(done) != 0 {
		t.Fatalf("expected no callbacks after clear, got %d", len(done))
	}
	if !slices.Equal(out, []byte{0, 0}) || called {
		t.Fatalf("expected silence, got %v", out)
	}

	q.Push([]byte{7, 8}, nil)
	if done := q.Fill(out); len(done) != 0 || !slices.Equal(out, []byte{7, 8}) {
		t.Fatalf("expected queue to accept audio after clear, got %v", out)
	}
}

func TestPlaybackQueueCompletesEmptyBuffers(t *testing.T) {
	var q PlaybackQueue
	called := false
	q.Push(nil, func() { called = true })
	if q.Len() == 0 {
		t.Fatal("expected a pending empty buffer to count")
	}

	for _, done := range q.Fill(make([]byte, 4)) {
		done()
	}
	if !called {
		t.Fatal("expected empty buffer to complete on the next period")
	}
}
