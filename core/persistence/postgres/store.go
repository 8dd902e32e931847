// Package postgres stores finished sessions as JSONB rows. The schema is
// migrated with embedded goose migrations when the store opens.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/koscakluka/ema-coach/core/persistence/postgres"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("session record not found")

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and brings the schema up to date.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.DebugContext(ctx, "database schema is up to date")
	return nil
}

const upsertSession = `
INSERT INTO coach_sessions (id, module_kind, aggregate_score, passed, record, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    module_kind = EXCLUDED.module_kind,
    aggregate_score = EXCLUDED.aggregate_score,
    passed = EXCLUDED.passed,
    record = EXCLUDED.record,
    started_at = EXCLUDED.started_at,
    ended_at = EXCLUDED.ended_at`

func (s *Store) Save(ctx context.Context, record evaluation.SessionRecord) error {
	ctx, span := tracer.Start(ctx, "save session record")
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
	document, err := json.Marshal(record)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal session record: %w", err))
	}

	if _, err := s.pool.Exec(ctx, upsertSession,
		record.ID,
		record.ModuleKind,
		record.Result.AggregateScore,
		record.Result.Passed,
		document,
		record.StartedAt,
		record.EndedAt,
	); err != nil {
		return fail(fmt.Errorf("failed to insert session record: %w", err))
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (evaluation.SessionRecord, error) {
	var document []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM coach_sessions WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return evaluation.SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return evaluation.SessionRecord{}, fmt.Errorf("failed to query session record: %w", err)
	}

	var record evaluation.SessionRecord
	if err := json.Unmarshal(document, &record); err != nil {
		return evaluation.SessionRecord{}, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return record, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
