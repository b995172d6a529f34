package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// MemoryStore keeps encoded logs in process memory. Logs are stored as
// encoded documents, so a loaded log never aliases the one that was saved.
type MemoryStore struct {
	mu      sync.Mutex
	codec   codec.Codec
	entries map[string]memoryEntry
	latest  string
	seq     int64
}

type memoryEntry struct {
	data    []byte
	savedAt time.Time
	seq     int64
}

var _ Storage = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(c codec.Codec) *MemoryStore {
	return &MemoryStore{codec: c, entries: make(map[string]memoryEntry)}
}

// Save implements Storage.
func (s *MemoryStore) Save(ctx context.Context, l *conversation.Log) error {
	if err := checkID("storage.Save", l.ID); err != nil {
		return err
	}
	data, err := s.codec.Encode(l)
	if err != nil {
		return errs.Storage("storage.Save", l.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[l.ID] = memoryEntry{data: data, savedAt: conversation.Now(), seq: s.seq}
	s.latest = l.ID
	return nil
}

// Load implements Storage.
func (s *MemoryStore) Load(ctx context.Context, id string) (*conversation.Log, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("storage.Load", id)
	}
	return s.codec.Decode(e.data)
}

// LoadLatest implements Storage.
func (s *MemoryStore) LoadLatest(ctx context.Context) (*conversation.Log, error) {
	s.mu.Lock()
	id := s.latest
	s.mu.Unlock()
	if id == "" {
		return nil, nil
	}
	return s.Load(ctx, id)
}

// List implements Storage. Ties in save time are broken by save order.
func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type ranked struct {
		Summary
		seq int64
	}
	all := make([]ranked, 0, len(s.entries))
	for _, e := range s.entries {
		l, err := s.codec.Decode(e.data)
		if err != nil {
			return nil, err
		}
		all = append(all, ranked{Summary: Summarize(l, e.savedAt, "memory"), seq: e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	out := make([]Summary, len(all))
	for i, r := range all {
		out[i] = r.Summary
	}
	return out, nil
}

// Delete implements Storage.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return errs.NotFound("storage.Delete", id)
	}
	delete(s.entries, id)
	if s.latest == id {
		s.latest = ""
		var best int64
		for other, e := range s.entries {
			if e.seq > best {
				best, s.latest = e.seq, other
			}
		}
	}
	return nil
}

// Cleanup implements Storage.
func (s *MemoryStore) Cleanup(ctx context.Context, keep int) (int, error) {
	return cleanup(ctx, s, keep, slog.Default())
}

// Close implements Storage.
func (s *MemoryStore) Close() error { return nil }
