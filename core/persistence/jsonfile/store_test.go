package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/turns"
)

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	record := evaluation.SessionRecord{
		ID:         "session-1",
		ModuleKind: "interview",
		Turns: []turns.Turn{
			{ID: "t1", SpeakerID: "ana", Text: "Why this role?", StartedAt: started, EndedAt: started.Add(time.Second)},
			{ID: "t2", SpeakerID: turns.UserSpeaker, Text: "Because.", StartedAt: started.Add(2 * time.Second), EndedAt: started.Add(3 * time.Second)},
		},
		Result:    evaluation.Result{AggregateScore: 80, Passed: true},
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
	}

	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || entries[0].Name() != "session-1.json" {
		t.Fatalf("expected a single record file, got %v (%v)", entries, err)
	}

	loaded, err := store.Load(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.ID != record.ID || len(loaded.Turns) != 2 || loaded.Result.AggregateScore != 80 || !loaded.EndedAt.Equal(record.EndedAt) {
		t.Fatalf("unexpected record %+v", loaded)
	}
}

func TestSaveRejectsRecordWithoutID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if err := store.Save(context.Background(), evaluation.SessionRecord{}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestLoadMissingRecord(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
