// Package jsonfile keeps every finished session as one JSON document in a
// directory.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/koscakluka/ema-coach/core/evaluation"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/koscakluka/ema-coach/core/persistence/jsonfile"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var ErrNotFound = errors.New("session record not found")

type Store struct {
	dir string
}

// NewStore creates dir when it does not exist yet.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

// Save writes the record next to a temporary file and renames it into
// place, so readers never see half a record.
func (s *Store) Save(ctx context.Context, record evaluation.SessionRecord) error {
	_, span := tracer.Start(ctx, "save session record")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", record.ID))

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if record.ID == "" {
		return fail(fmt.Errorf("session record has no id"))
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("failed to marshal session record: %w", err))
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*.json")
	if err != nil {
		return fail(fmt.Errorf("failed to create temporary file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fail(fmt.Errorf("failed to write session record: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("failed to write session record: %w", err))
	}
	if err := os.Rename(tmp.Name(), s.path(record.ID)); err != nil {
		return fail(fmt.Errorf("failed to store session record: %w", err))
	}

	logger.DebugContext(ctx, "session record saved", "session_id", record.ID, "path", s.path(record.ID))
	return nil
}

func (s *Store) Load(_ context.Context, id string) (evaluation.SessionRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return evaluation.SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return evaluation.SessionRecord{}, fmt.Errorf("failed to read session record: %w", err)
	}

	var record evaluation.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return evaluation.SessionRecord{}, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return record, nil
}
