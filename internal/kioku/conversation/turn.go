package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/internal/kioku/tokens"
)

// Turn is a single message in a conversation log. Turns are never edited
// after they are appended; compaction only removes whole turns.
type Turn struct {
	ID         string         // unique turn ID (UUID)
	Role       Role           // who produced the turn
	Content    string         // message text
	CreatedAt  time.Time      // when the turn was created (UTC)
	TokenCount *int           // cached estimate, nil until computed
	Attributes map[string]any // free-form metadata, never interpreted
}

// NewTurn creates a turn with a fresh ID stamped with the current time.
func NewTurn(role Role, content string) *Turn {
	return &Turn{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		CreatedAt:  Now(),
		Attributes: make(map[string]any),
	}
}

// System creates a system turn.
func System(content string) *Turn { return NewTurn(RoleSystem, content) }

// User creates a user turn.
func User(content string) *Turn { return NewTurn(RoleUser, content) }

// Assistant creates an assistant turn.
func Assistant(content string) *Turn { return NewTurn(RoleAssistant, content) }

// Tool creates a tool-output turn.
func Tool(content string) *Turn { return NewTurn(RoleTool, content) }

// WithTokenCount records a precomputed token count and returns t for chaining.
func (t *Turn) WithTokenCount(n int) *Turn {
	t.TokenCount = &n
	return t
}

// WithAttribute sets an attribute and returns t for chaining. The value is
// stored in normalized form (see NormalizeAttribute).
func (t *Turn) WithAttribute(key string, value any) *Turn {
	if t.Attributes == nil {
		t.Attributes = make(map[string]any)
	}
	t.Attributes[key] = NormalizeAttribute(value)
	return t
}

// Attribute returns the string value of an attribute, or "" when the
// attribute is absent or not a string.
func (t *Turn) Attribute(key string) string {
	s, _ := t.Attributes[key].(string)
	return s
}

// Tokens returns the cached token count if present, otherwise the estimate
// of the content.
func (t *Turn) Tokens() int {
	if t.TokenCount != nil {
		return *t.TokenCount
	}
	return tokens.Estimate(t.Content)
}

// CacheTokens stores the content estimate in TokenCount when no count has
// been recorded yet.
func (t *Turn) CacheTokens() {
	if t.TokenCount == nil {
		n := tokens.Estimate(t.Content)
		t.TokenCount = &n
	}
}
