package compaction

import (
	"fmt"

	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// Kind names a compaction policy.
type Kind string

const (
	// KindSliding drops the oldest turns first.
	KindSliding Kind = "sliding"

	// KindSystemAndRecent keeps System turns and the most recent exchange
	// under two independent budgets.
	KindSystemAndRecent Kind = "system_and_recent"

	// KindIntelligent keeps a fixed recent tail plus the highest-scoring
	// earlier turns.
	KindIntelligent Kind = "intelligent"
)

// Policy selects a compaction algorithm and its parameters. Only the fields
// relevant to Kind are read.
type Policy struct {
	Kind Kind `yaml:"kind"`

	// MaxTokens is the Sliding limit.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// SystemBudget and RecentBudget are the SystemAndRecent limits.
	SystemBudget int `yaml:"system_budget,omitempty"`
	RecentBudget int `yaml:"recent_budget,omitempty"`

	// TargetTokens is the Intelligent limit.
	TargetTokens int `yaml:"target_tokens,omitempty"`
}

// Sliding returns a Sliding policy keeping at most max tokens.
func Sliding(max int) Policy {
	return Policy{Kind: KindSliding, MaxTokens: max}
}

// SystemAndRecent returns a SystemAndRecent policy.
func SystemAndRecent(system, recent int) Policy {
	return Policy{Kind: KindSystemAndRecent, SystemBudget: system, RecentBudget: recent}
}

// Intelligent returns an Intelligent policy targeting target tokens.
func Intelligent(target int) Policy {
	return Policy{Kind: KindIntelligent, TargetTokens: target}
}

// DefaultPolicy returns SystemAndRecent with 1000 system and 6000 recent
// tokens.
func DefaultPolicy() Policy {
	return SystemAndRecent(1000, 6000)
}

// Ceiling returns the largest token total the policy itself will keep,
// ignoring pinned or reserved turns.
func (p Policy) Ceiling() int {
	switch p.Kind {
	case KindSliding:
		return p.MaxTokens
	case KindSystemAndRecent:
		return p.SystemBudget + p.RecentBudget
	case KindIntelligent:
		return p.TargetTokens
	}
	return 0
}

// Validate reports an unknown kind or a negative budget as a
// ConfigurationError.
func (p Policy) Validate() error {
	const op = "compaction.Policy"
	switch p.Kind {
	case KindSliding:
		if p.MaxTokens < 0 {
			return errs.Configuration(op, "sliding max_tokens must be >= 0, got %d", p.MaxTokens)
		}
	case KindSystemAndRecent:
		if p.SystemBudget < 0 || p.RecentBudget < 0 {
			return errs.Configuration(op, "system_and_recent budgets must be >= 0, got system=%d recent=%d",
				p.SystemBudget, p.RecentBudget)
		}
	case KindIntelligent:
		if p.TargetTokens < 0 {
			return errs.Configuration(op, "intelligent target_tokens must be >= 0, got %d", p.TargetTokens)
		}
	default:
		return errs.Configuration(op, "unknown policy kind %q", string(p.Kind))
	}
	return nil
}

func (p Policy) String() string {
	switch p.Kind {
	case KindSliding:
		return fmt.Sprintf("sliding(max=%d)", p.MaxTokens)
	case KindSystemAndRecent:
		return fmt.Sprintf("system_and_recent(system=%d, recent=%d)", p.SystemBudget, p.RecentBudget)
	case KindIntelligent:
		return fmt.Sprintf("intelligent(target=%d)", p.TargetTokens)
	}
	return fmt.Sprintf("unknown(%q)", string(p.Kind))
}
