package codec

import (
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
)

// Document is the serialized form of a conversation log. Field names are
// the on-disk contract and must not change.
type Document struct {
	ID         string         `json:"id" cbor:"id"`
	Name       string         `json:"name" cbor:"name"`
	CreatedAt  time.Time      `json:"created_at" cbor:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" cbor:"updated_at"`
	Turns      []TurnDocument `json:"turns" cbor:"turns"`
	Attributes map[string]any `json:"attributes" cbor:"attributes"`
}

// TurnDocument is the serialized form of a single turn.
type TurnDocument struct {
	ID         string            `json:"id" cbor:"id"`
	Role       conversation.Role `json:"role" cbor:"role"`
	Content    string            `json:"content" cbor:"content"`
	CreatedAt  time.Time         `json:"created_at" cbor:"created_at"`
	TokenCount *int              `json:"token_count,omitempty" cbor:"token_count,omitempty"`
	Attributes map[string]any    `json:"attributes" cbor:"attributes"`
}

// FromLog converts a log to its document form.
func FromLog(l *conversation.Log) Document {
	doc := Document{
		ID:         l.ID,
		Name:       l.Name,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
		Turns:      make([]TurnDocument, len(l.Turns)),
		Attributes: nonNil(l.Attributes),
	}
	for i, t := range l.Turns {
		doc.Turns[i] = TurnDocument{
			ID:         t.ID,
			Role:       t.Role,
			Content:    t.Content,
			CreatedAt:  t.CreatedAt,
			TokenCount: t.TokenCount,
			Attributes: nonNil(t.Attributes),
		}
	}
	return doc
}

// ToLog converts a document back to a log and validates it.
func (d Document) ToLog() (*conversation.Log, error) {
	l := &conversation.Log{
		ID:         d.ID,
		Name:       d.Name,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
		Turns:      make([]*conversation.Turn, len(d.Turns)),
		Attributes: conversation.NormalizeAttributes(d.Attributes),
	}
	for i, td := range d.Turns {
		l.Turns[i] = &conversation.Turn{
			ID:         td.ID,
			Role:       td.Role,
			Content:    td.Content,
			CreatedAt:  td.CreatedAt.UTC(),
			TokenCount: td.TokenCount,
			Attributes: conversation.NormalizeAttributes(td.Attributes),
		}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
