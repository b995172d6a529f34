// Package conversation defines the conversation log: an ordered sequence of
// role-tagged turns with identity, timestamps and token accounting.
//
// A Log is owned by exactly one caller at a time and performs no internal
// locking. Turns are appended in chronological order and are only ever
// removed whole, by compaction.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// ErrOutOfOrder is returned by Append when a turn predates the last turn.
var ErrOutOfOrder = errors.New("turn created before the last turn in the log")

// ErrDuplicateTurn is returned by Append when the turn's ID is already in the
// log.
var ErrDuplicateTurn = errors.New("duplicate turn id")

// Now returns the current wall-clock time in UTC without a monotonic
// reading, so values survive serialization unchanged. Tests may replace it.
var Now = func() time.Time {
	return time.Now().UTC().Round(0)
}

// DefaultNameLayout formats the default name given to unnamed logs.
const DefaultNameLayout = "session-20060102-150405"

// Log is a conversation log.
type Log struct {
	ID         string         // unique log ID (UUID)
	Name       string         // human-readable name
	CreatedAt  time.Time      // when the log was created
	UpdatedAt  time.Time      // advanced on every mutation
	Turns      []*Turn        // chronological, oldest first
	Attributes map[string]any // free-form metadata, never interpreted
}

// New creates an empty log. An empty name is replaced by a timestamped
// default such as "session-20260101-120000".
func New(name string) *Log {
	now := Now()
	if name == "" {
		name = now.Format(DefaultNameLayout)
	}
	return &Log{
		ID:         uuid.NewString(),
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
		Turns:      []*Turn{},
		Attributes: make(map[string]any),
	}
}

// SetAttribute stores a normalized log attribute (see NormalizeAttribute).
func (l *Log) SetAttribute(key string, value any) {
	if l.Attributes == nil {
		l.Attributes = make(map[string]any)
	}
	l.Attributes[key] = NormalizeAttribute(value)
}

// Len returns the number of turns.
func (l *Log) Len() int { return len(l.Turns) }

// Append adds t to the end of the log and advances UpdatedAt. A turn without
// an ID or creation time gets one. Turns that predate the current last turn,
// or whose ID is already in the log, are rejected, so every log Append
// accepts also passes Validate.
func (l *Log) Append(t *Turn) error {
	if t == nil {
		return errs.InvalidData("conversation.Append", errors.New("nil turn"))
	}
	if !t.Role.Valid() {
		return errs.InvalidData("conversation.Append", fmt.Errorf("unknown role %q", string(t.Role)))
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = Now()
	}
	if t.TokenCount != nil && *t.TokenCount < 0 {
		return errs.InvalidData("conversation.Append", fmt.Errorf("turn %q has negative token count", t.ID))
	}
	for _, existing := range l.Turns {
		if existing.ID == t.ID {
			return errs.New(errs.ErrInvalidData, "conversation.Append", l.ID, ErrDuplicateTurn).
				WithContext("turn_id", t.ID)
		}
	}
	if n := len(l.Turns); n > 0 && t.CreatedAt.Before(l.Turns[n-1].CreatedAt) {
		return errs.New(errs.ErrInvalidData, "conversation.Append", l.ID, ErrOutOfOrder).
			WithContext("turn_id", t.ID)
	}
	l.Turns = append(l.Turns, t)
	l.Touch()
	return nil
}

// AppendSystem appends a new system turn.
func (l *Log) AppendSystem(content string) (*Turn, error) {
	return l.appendNew(System(content))
}

// AppendUser appends a new user turn.
func (l *Log) AppendUser(content string) (*Turn, error) {
	return l.appendNew(User(content))
}

// AppendAssistant appends a new assistant turn.
func (l *Log) AppendAssistant(content string) (*Turn, error) {
	return l.appendNew(Assistant(content))
}

// AppendTool appends a new tool-output turn.
func (l *Log) AppendTool(content string) (*Turn, error) {
	return l.appendNew(Tool(content))
}

func (l *Log) appendNew(t *Turn) (*Turn, error) {
	if err := l.Append(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace installs turns as the log's contents and advances UpdatedAt. It is
// used by compaction to install the surviving subsequence.
func (l *Log) Replace(turns []*Turn) {
	l.Turns = turns
	l.Touch()
}

// Touch advances UpdatedAt to the current time. If the clock has not moved
// past the previous value, UpdatedAt is bumped by one nanosecond so that every
// mutation is observable.
func (l *Log) Touch() {
	now := Now()
	if !now.After(l.UpdatedAt) {
		now = l.UpdatedAt.Add(time.Nanosecond)
	}
	l.UpdatedAt = now
}

// TotalTokens sums the token counts of all turns. It is recomputed on every
// call.
func (l *Log) TotalTokens() int {
	total := 0
	for _, t := range l.Turns {
		total += t.Tokens()
	}
	return total
}

// Recent returns the last n turns in chronological order. It returns every
// turn when n exceeds the log length and none when n <= 0.
func (l *Log) Recent(n int) []*Turn {
	if n <= 0 {
		return []*Turn{}
	}
	if n > len(l.Turns) {
		n = len(l.Turns)
	}
	out := make([]*Turn, n)
	copy(out, l.Turns[len(l.Turns)-n:])
	return out
}

// Since returns the turns created strictly after ts, in chronological order.
func (l *Log) Since(ts time.Time) []*Turn {
	out := []*Turn{}
	for _, t := range l.Turns {
		if t.CreatedAt.After(ts) {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the structural invariants of a log, typically after it has
// been decoded from storage. Failures are reported as InvalidData.
func (l *Log) Validate() error {
	if err := l.validate(); err != nil {
		return errs.New(errs.ErrInvalidData, "conversation.Validate", l.ID, err)
	}
	return nil
}

func (l *Log) validate() error {
	if l.ID == "" {
		return errors.New("missing log id")
	}
	if l.UpdatedAt.Before(l.CreatedAt) {
		return errors.New("updated_at precedes created_at")
	}
	seen := make(map[string]struct{}, len(l.Turns))
	for i, t := range l.Turns {
		if t == nil {
			return fmt.Errorf("turn %d is nil", i)
		}
		if t.ID == "" {
			return fmt.Errorf("turn %d has no id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("turn %q: %w", t.ID, ErrDuplicateTurn)
		}
		seen[t.ID] = struct{}{}
		if !t.Role.Valid() {
			return fmt.Errorf("turn %q has unknown role %q", t.ID, string(t.Role))
		}
		if t.TokenCount != nil && *t.TokenCount < 0 {
			return fmt.Errorf("turn %q has negative token count", t.ID)
		}
		if i > 0 && t.CreatedAt.Before(l.Turns[i-1].CreatedAt) {
			return fmt.Errorf("turn %q: %w", t.ID, ErrOutOfOrder)
		}
	}
	return nil
}
