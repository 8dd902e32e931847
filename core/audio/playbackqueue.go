package audio

import "sync"

// PlaybackQueue is audio waiting for an output device together with the
// done callbacks marking where each pushed buffer ends. The device side
// pulls fixed sized periods with Fill.
type PlaybackQueue struct {
	mu      sync.Mutex
	pending []byte
	marks   []playbackMark
}

type playbackMark struct {
	position int
	callback func()
}

func (q *PlaybackQueue) Push(buf []byte, done func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, buf...)
	q.marks = append(q.marks, playbackMark{position: len(q.pending), callback: done})
}

// Clear drops queued audio together with its callbacks.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.marks = nil
}

// Len is the number of queued bytes plus pending zero length buffers.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 && len(q.marks) > 0 {
		return 1
	}
	return len(q.pending)
}

// Fill copies as much queued audio into out as fits and returns the
// callbacks of every buffer that was fully consumed, in order. The rest of
// out is left untouched. Callbacks must be called without holding locks the
// pushers need.
func (q *PlaybackQueue) Fill(out []byte) []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := copy(out, q.pending)
	q.pending = q.pending[n:]
	if len(q.pending) == 0 {
		q.pending = nil
	}

	passed := 0
	for i := range q.marks {
		q.marks[i].position -= n
		if q.marks[i].position <= 0 {
			passed++
		}
	}
	if passed == 0 {
		return nil
	}

	fired := make([]func(), 0, passed)
	for _, mark := range q.marks[:passed] {
		if mark.callback != nil {
			fired = append(fired, mark.callback)
		}
	}
	q.marks = q.marks[passed:]
	return fired
}
