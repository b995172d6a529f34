package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

const postgresSchema = `
CREATE SEQUENCE IF NOT EXISTS kioku_logs_save_seq;

CREATE TABLE IF NOT EXISTS kioku_logs (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    saved_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    save_seq     BIGINT NOT NULL DEFAULT nextval('kioku_logs_save_seq'),
    turn_count   INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    document     BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kioku_logs_save_seq ON kioku_logs (save_seq DESC);
`

// PostgresStore keeps logs in PostgreSQL. The document column holds the
// codec output as BYTEA, so content containing NUL survives unchanged.
type PostgresStore struct {
	pool   *pgxpool.Pool
	codec  codec.Codec
	logger *slog.Logger
	owned  bool
}

var _ Storage = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. The caller keeps ownership of the
// pool; Close does not close it. Call EnsureSchema before first use.
func NewPostgresStore(pool *pgxpool.Pool, c codec.Codec, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, codec: c, logger: logger}
}

// ConnectPostgres opens a pool for dsn, ensures the schema exists and
// returns a store that closes the pool on Close.
func ConnectPostgres(ctx context.Context, dsn string, c codec.Codec, logger *slog.Logger) (*PostgresStore, error) {
	const op = "storage.ConnectPostgres"
	if dsn == "" {
		return nil, errs.Configuration(op, "postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.Storage(op, "", fmt.Errorf("create pool for %s: %w", redact.DSN(dsn), err))
	}
	if err := retry.Do(ctx, retry.DefaultBackoff, pool.Ping); err != nil {
		pool.Close()
		return nil, errs.Storage(op, "", fmt.Errorf("ping %s: %w", redact.DSN(dsn), err))
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("storage: connected to postgres", "dsn", redact.DSN(dsn))
	s := NewPostgresStore(pool, c, logger)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the logs table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return errs.Storage("storage.EnsureSchema", "", err)
	}
	return nil
}

// Close implements Storage.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

// Save implements Storage.
func (s *PostgresStore) Save(ctx context.Context, l *conversation.Log) error {
	const op = "storage.Save"
	if err := checkID(op, l.ID); err != nil {
		return err
	}
	data, err := s.codec.Encode(l)
	if err != nil {
		return errs.Storage(op, l.ID, err)
	}

	query := `
		INSERT INTO kioku_logs (id, name, created_at, updated_at, turn_count, total_tokens, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			saved_at = NOW(),
			save_seq = nextval('kioku_logs_save_seq'),
			turn_count = EXCLUDED.turn_count,
			total_tokens = EXCLUDED.total_tokens,
			document = EXCLUDED.document`
	_, err = s.pool.Exec(ctx, query,
		l.ID, l.Name, l.CreatedAt, l.UpdatedAt, l.Len(), l.TotalTokens(), data)
	if err != nil {
		return errs.Storage(op, l.ID, err)
	}

	s.logger.Debug("storage postgres: saved log", "log_id", l.ID, "turns", l.Len())
	return nil
}

// Load implements Storage.
func (s *PostgresStore) Load(ctx context.Context, id string) (*conversation.Log, error) {
	const op = "storage.Load"
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT document FROM kioku_logs WHERE id = $1", id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound(op, id)
	}
	if err != nil {
		return nil, errs.Storage(op, id, err)
	}
	l, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("storage postgres: load %s: %w", id, err)
	}
	return l, nil
}

// LoadLatest implements Storage.
func (s *PostgresStore) LoadLatest(ctx context.Context) (*conversation.Log, error) {
	var id string
	err := s.pool.QueryRow(ctx, "SELECT id FROM kioku_logs ORDER BY save_seq DESC LIMIT 1").Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("storage.LoadLatest", "", err)
	}
	return s.Load(ctx, id)
}

// List implements Storage.
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	const op = "storage.List"
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, created_at, updated_at, saved_at, turn_count, total_tokens
		FROM kioku_logs
		ORDER BY save_seq DESC`)
	if err != nil {
		return nil, errs.Storage(op, "", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			sum                          Summary
			createdAt, updatedAt, savedAt time.Time
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &createdAt, &updatedAt, &savedAt, &sum.TurnCount, &sum.TotalTokens); err != nil {
			return nil, errs.Storage(op, "", err)
		}
		sum.CreatedAt = createdAt.UTC()
		sum.UpdatedAt = updatedAt.UTC()
		sum.SavedAt = savedAt.UTC()
		sum.Location = "postgres:" + sum.ID
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(op, "", err)
	}
	return summaries, nil
}

// Delete implements Storage.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const op = "storage.Delete"
	tag, err := s.pool.Exec(ctx, "DELETE FROM kioku_logs WHERE id = $1", id)
	if err != nil {
		return errs.Storage(op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(op, id)
	}
	return nil
}

// Cleanup implements Storage.
func (s *PostgresStore) Cleanup(ctx context.Context, keep int) (int, error) {
	return cleanup(ctx, s, keep, s.logger)
}
