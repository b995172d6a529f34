package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps logs in a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	codec  codec.Codec
	logger *slog.Logger
}

var _ Storage = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending migrations. If logger is nil, the default slog logger is
// used.
func NewSQLiteStore(dbPath string, c codec.Codec, logger *slog.Logger) (*SQLiteStore, error) {
	const op = "storage.NewSQLiteStore"
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == "" {
		return nil, errs.Configuration(op, "sqlite path is required")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errs.Storage(op, "", fmt.Errorf("open database: %w", err))
	}

	// One connection: SQLite allows a single writer, and database/sql then
	// serializes callers instead of letting them contend for the lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errs.Storage(op, "", fmt.Errorf("set pragma %q: %w", pragma, err))
		}
	}

	s := &SQLiteStore{db: db, codec: c, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Storage(op, "", err)
	}
	return s, nil
}

// Close implements Storage.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type migration struct {
	version     int
	description string
	file        string
}

// loadMigrations returns the embedded migrations ordered by version.
// Filenames follow "NNNN_description.sql".
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	seen := make(map[int]string, len(entries))
	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name
		out = append(out, migration{
			version:     version,
			description: strings.TrimSuffix(rest, ".sql"),
			file:        path.Join("migrations", name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TEXT NOT NULL,
			description TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile(m.file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", m.file, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().UTC().Format(time.RFC3339Nano), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		s.logger.Info("storage: applied migration", "version", fmt.Sprintf("%04d", m.version), "description", m.description)
	}
	return nil
}

// Save implements Storage.
func (s *SQLiteStore) Save(ctx context.Context, l *conversation.Log) error {
	const op = "storage.Save"
	if err := checkID(op, l.ID); err != nil {
		return err
	}
	data, err := s.codec.Encode(l)
	if err != nil {
		return errs.Storage(op, l.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO logs (id, name, created_at, updated_at, saved_at, save_seq, turn_count, total_tokens, document)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(save_seq), 0) + 1 FROM logs), ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			saved_at = excluded.saved_at,
			save_seq = excluded.save_seq,
			turn_count = excluded.turn_count,
			total_tokens = excluded.total_tokens,
			document = excluded.document`,
		l.ID,
		l.Name,
		formatTime(l.CreatedAt),
		formatTime(l.UpdatedAt),
		formatTime(conversation.Now()),
		l.Len(),
		l.TotalTokens(),
		data,
	)
	if err != nil {
		return errs.Storage(op, l.ID, err)
	}

	s.logger.Debug("storage sqlite: saved log", "log_id", l.ID, "turns", l.Len(), "bytes", len(data))
	return nil
}

// Load implements Storage.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Log, error) {
	const op = "storage.Load"
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT document FROM logs WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(op, id)
	}
	if err != nil {
		return nil, errs.Storage(op, id, err)
	}
	l, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("storage sqlite: load %s: %w", id, err)
	}
	return l, nil
}

// LoadLatest implements Storage.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*conversation.Log, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM logs ORDER BY save_seq DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("storage.LoadLatest", "", err)
	}
	return s.Load(ctx, id)
}

// List implements Storage.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	const op = "storage.List"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at, saved_at, turn_count, total_tokens
		FROM logs
		ORDER BY save_seq DESC`)
	if err != nil {
		return nil, errs.Storage(op, "", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			sum                          Summary
			createdAt, updatedAt, savedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &createdAt, &updatedAt, &savedAt, &sum.TurnCount, &sum.TotalTokens); err != nil {
			return nil, errs.Storage(op, "", err)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)
		sum.SavedAt = parseTime(savedAt)
		sum.Location = "sqlite:" + sum.ID
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(op, "", err)
	}
	return summaries, nil
}

// Delete implements Storage.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const op = "storage.Delete"
	res, err := s.db.ExecContext(ctx, "DELETE FROM logs WHERE id = ?", id)
	if err != nil {
		return errs.Storage(op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Storage(op, id, err)
	}
	if n == 0 {
		return errs.NotFound(op, id)
	}
	return nil
}

// Cleanup implements Storage.
func (s *SQLiteStore) Cleanup(ctx context.Context, keep int) (int, error) {
	return cleanup(ctx, s, keep, s.logger)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
