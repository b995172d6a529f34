// Package storage persists conversation logs.
//
// Every backend implements Storage with last-write-wins semantics: saving a
// log replaces any previous copy with the same ID, and the most recently
// saved log becomes the one returned by LoadLatest. Backends are not safe
// for concurrent writers to the same log; callers serialize access per log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// Storage is the persistence contract consumed by the session coordinator.
//
// Load and Delete return an error matching errs.ErrNotFound for unknown IDs.
// LoadLatest returns (nil, nil) when nothing has been saved. I/O failures
// match errs.ErrStorage and malformed documents match errs.ErrInvalidData.
type Storage interface {
	// Save writes l, replacing any earlier copy, and marks it as latest.
	Save(ctx context.Context, l *conversation.Log) error

	// Load reads the log with the given ID.
	Load(ctx context.Context, id string) (*conversation.Log, error)

	// LoadLatest reads the most recently saved log.
	LoadLatest(ctx context.Context) (*conversation.Log, error)

	// List summarizes every stored log, most recently saved first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes the log with the given ID.
	Delete(ctx context.Context, id string) error

	// Cleanup deletes all but the keep most recently saved logs and returns
	// how many were deleted.
	Cleanup(ctx context.Context, keep int) (int, error)

	// Close releases any resources held by the backend.
	io.Closer
}

// Summary describes a stored log without its turns.
type Summary struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SavedAt     time.Time
	TurnCount   int
	TotalTokens int
	Location    string // backend-specific, e.g. a file path
}

// Summarize builds a Summary for l.
func Summarize(l *conversation.Log, savedAt time.Time, location string) Summary {
	return Summary{
		ID:          l.ID,
		Name:        l.Name,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
		SavedAt:     savedAt,
		TurnCount:   l.Len(),
		TotalTokens: l.TotalTokens(),
		Location:    location,
	}
}

// sortSummaries orders summaries newest-saved first, breaking ties by
// UpdatedAt and then ID so the order is deterministic.
func sortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].SavedAt.Equal(s[j].SavedAt) {
			return s[i].SavedAt.After(s[j].SavedAt)
		}
		if !s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].UpdatedAt.After(s[j].UpdatedAt)
		}
		return s[i].ID > s[j].ID
	})
}

// DefaultDir returns the per-user directory used by the file backend,
// $XDG_CONFIG_HOME/kioku/sessions on Linux.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("storage: resolve config dir: %w", err)
	}
	return filepath.Join(base, "kioku", "sessions"), nil
}

// checkID rejects IDs that cannot be used as a storage key.
func checkID(op, id string) error {
	if id == "" {
		return errs.InvalidData(op, errors.New("empty log id"))
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return errs.InvalidData(op, fmt.Errorf("log id %q is not a valid storage key", id))
	}
	return nil
}

// cleanup implements Storage.Cleanup on top of List and Delete. Failures to
// delete individual logs are logged and skipped; the first one is returned
// after the sweep completes.
func cleanup(ctx context.Context, s Storage, keep int, logger *slog.Logger) (int, error) {
	const op = "storage.Cleanup"
	if keep < 0 {
		return 0, errs.Configuration(op, "keep must be >= 0, got %d", keep)
	}
	summaries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(summaries) <= keep {
		return 0, nil
	}

	deleted := 0
	var firstErr error
	for _, sum := range summaries[keep:] {
		if err := s.Delete(ctx, sum.ID); err != nil {
			logger.Warn("storage: cleanup failed to delete log", "log_id", sum.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	logger.Debug("storage: cleanup complete", "kept", keep, "deleted", deleted)
	return deleted, firstErr
}

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string
	Dir         string      // file backend directory; DefaultDir() when empty
	Codec       codec.Codec // document encoding for every backend
	SQLitePath  string
	PostgresDSN string
	Logger      *slog.Logger
}

// Open creates the backend described by opts.
func Open(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Backend {
	case "", BackendFile:
		dir := opts.Dir
		if dir == "" {
			var err error
			if dir, err = DefaultDir(); err != nil {
				return nil, errs.Storage("storage.Open", "", err)
			}
		}
		s, err := NewFileStore(dir, opts.Codec, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(opts.SQLitePath, opts.Codec, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := ConnectPostgres(ctx, opts.PostgresDSN, opts.Codec, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(opts.Codec), nil
	}
	return nil, errs.Configuration("storage.Open", "unknown storage backend %q", opts.Backend)
}
