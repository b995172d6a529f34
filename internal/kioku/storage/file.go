package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// latestFile holds the ID of the most recently saved log.
const latestFile = "LATEST"

// FileStore keeps one file per log in a directory, named <id><ext> where ext
// comes from the codec (".json", ".cbor.zst", ...). Writes go to a temporary
// file that is renamed into place, so readers never observe a partial
// document.
type FileStore struct {
	dir    string
	codec  codec.Codec
	logger *slog.Logger
}

var _ Storage = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there. If
// logger is nil, the default slog logger is used.
func NewFileStore(dir string, c codec.Codec, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Storage("storage.NewFileStore", "", err)
	}
	return &FileStore{dir: dir, codec: c, logger: logger}, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+s.codec.Extension())
}

// Save implements Storage.
func (s *FileStore) Save(ctx context.Context, l *conversation.Log) error {
	const op = "storage.Save"
	if err := checkID(op, l.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Storage(op, l.ID, err)
	}

	data, err := s.codec.Encode(l)
	if err != nil {
		return errs.Storage(op, l.ID, err)
	}
	if err := writeFileAtomic(s.dir, s.path(l.ID), data); err != nil {
		return errs.Storage(op, l.ID, err)
	}
	if err := writeFileAtomic(s.dir, filepath.Join(s.dir, latestFile), []byte(l.ID+"\n")); err != nil {
		return errs.Storage(op, l.ID, fmt.Errorf("update latest pointer: %w", err))
	}

	s.logger.Debug("storage: saved log", "log_id", l.ID, "turns", l.Len(), "bytes", len(data))
	return nil
}

// Load implements Storage.
func (s *FileStore) Load(ctx context.Context, id string) (*conversation.Log, error) {
	const op = "storage.Load"
	if err := checkID(op, id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFound(op, id)
	}
	if err != nil {
		return nil, errs.Storage(op, id, err)
	}
	l, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", id, err)
	}
	return l, nil
}

// LoadLatest implements Storage. When the latest pointer is missing or
// refers to a deleted log, the newest file on disk is used instead.
func (s *FileStore) LoadLatest(ctx context.Context) (*conversation.Log, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, latestFile))
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		l, err := s.Load(ctx, id)
		if err == nil {
			return l, nil
		}
		if !errs.IsNotFound(err) {
			return nil, err
		}
		s.logger.Warn("storage: latest pointer refers to a missing log", "log_id", id)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, errs.Storage("storage.LoadLatest", "", err)
	}

	summaries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return s.Load(ctx, summaries[0].ID)
}

// List implements Storage. Files that cannot be decoded are skipped with a
// warning.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Storage("storage.List", "", err)
	}

	ext := s.codec.Extension()
	summaries := []Summary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		// ".json" must not pick up "<id>.json.zst" and vice versa.
		id := strings.TrimSuffix(name, ext)
		if strings.Contains(id, ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errs.Storage("storage.List", "", err)
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("storage: skip unreadable file", "file", name, "err", err)
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("storage: skip unreadable file", "file", name, "err", err)
			continue
		}
		l, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("storage: skip malformed log", "file", name, "err", err)
			continue
		}
		summaries = append(summaries, Summarize(l, info.ModTime().UTC(), path))
	}
	sortSummaries(summaries)
	return summaries, nil
}

// Delete implements Storage. Deleting the latest log clears the latest
// pointer.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	const op = "storage.Delete"
	if err := checkID(op, id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return errs.NotFound(op, id)
	}
	if err != nil {
		return errs.Storage(op, id, err)
	}

	pointer := filepath.Join(s.dir, latestFile)
	if data, err := os.ReadFile(pointer); err == nil && strings.TrimSpace(string(data)) == id {
		if err := os.Remove(pointer); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.Storage(op, id, fmt.Errorf("clear latest pointer: %w", err))
		}
	}

	s.logger.Debug("storage: deleted log", "log_id", id)
	return nil
}

// Cleanup implements Storage.
func (s *FileStore) Cleanup(ctx context.Context, keep int) (int, error) {
	return cleanup(ctx, s, keep, s.logger)
}

// Close implements Storage. It is a no-op.
func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data to a temporary file in dir and renames it
// over path.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".kioku-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
