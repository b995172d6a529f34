// Package format converts conversation logs to and from the message shapes
// expected by model APIs, and reports each model's context window so a
// compaction budget can be derived from it.
package format

import (
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// Adapter converts between a log and a downstream message type T.
type Adapter[T any] interface {
	// Export converts every turn of l, oldest first.
	Export(l *conversation.Log) ([]T, error)

	// Import builds a new log named name from msgs.
	Import(msgs []T, name string) (*conversation.Log, error)

	// EstimateTokens estimates the cost of a single message.
	EstimateTokens(msg T) int

	// MaxContextTokens is the model's context window.
	MaxContextTokens() int
}

// Names of the built-in adapters, as accepted in configuration.
const (
	NameBedrock   = "bedrock"
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
)

// Budget returns maxContext minus safetyMargin, never below zero.
func Budget(maxContext, safetyMargin int) int {
	if b := maxContext - safetyMargin; b > 0 {
		return b
	}
	return 0
}

// BudgetFor derives a compaction budget from an adapter's context window.
func BudgetFor[T any](a Adapter[T], safetyMargin int) int {
	return Budget(a.MaxContextTokens(), safetyMargin)
}

// ContextWindow returns the default context window of the named adapter.
func ContextWindow(name string) (int, error) {
	switch name {
	case NameBedrock:
		return DefaultBedrockTokens, nil
	case NameOpenAI:
		return DefaultOpenAITokens, nil
	case NameAnthropic:
		return DefaultAnthropicTokens, nil
	}
	return 0, errs.Configuration("format.ContextWindow", "unknown format %q", name)
}

// importer appends converted turns to a fresh log.
type importer struct {
	log *conversation.Log
	op  string
}

func newImporter(op, name string) *importer {
	return &importer{log: conversation.New(name), op: op}
}

func (im *importer) add(t *conversation.Turn) error {
	if err := im.log.Append(t); err != nil {
		return errs.InvalidData(im.op, err)
	}
	return nil
}
