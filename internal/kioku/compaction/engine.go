// Package compaction shrinks a conversation log to a token budget by
// removing whole turns. Three policies are available: Sliding,
// SystemAndRecent and Intelligent.
//
// Compaction is a no-op when the log already fits the budget. Surviving
// turns are the same *conversation.Turn values that were in the log; nothing
// is rewritten or summarized.
package compaction

import (
	"log/slog"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
	"github.com/bdobrica/Kioku/internal/kioku/retention"
)

// DefaultMinRecent is the number of trailing turns the Intelligent policy
// always keeps.
const DefaultMinRecent = 5

// Result describes one call to Compact.
type Result struct {
	Policy       Policy
	Budget       int
	TokensBefore int
	TokensAfter  int
	TurnsBefore  int
	TurnsAfter   int
	Removed      []string // IDs of removed turns, chronological
	Compacted    bool     // false when the log already fit the budget

	// OverBudget is set when the survivors still exceed the budget, either
	// because pinned or reserved turns alone do not fit or because the policy
	// limit is larger than the budget.
	OverBudget bool
}

// Engine runs compaction policies. Use NewEngine; a zero Engine works but
// reserves no recent turns for the Intelligent policy.
type Engine struct {
	scorer    retention.Scorer
	minRecent int
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer sets the retention scorer used by the Intelligent policy.
func WithScorer(s retention.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithMinRecent sets how many trailing turns the Intelligent policy reserves.
// Negative values are treated as zero.
func WithMinRecent(n int) Option {
	return func(e *Engine) {
		if n < 0 {
			n = 0
		}
		e.minRecent = n
	}
}

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine with the default weighted scorer and
// DefaultMinRecent.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{minRecent: DefaultMinRecent}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CompactOption adjusts a single Compact call.
type CompactOption func(*compactOptions)

type compactOptions struct {
	keepLast int
}

// KeepLast pins the newest n turns so that no policy removes them. Their
// tokens still count against the policy limits.
func KeepLast(n int) CompactOption {
	return func(o *compactOptions) {
		if n > o.keepLast {
			o.keepLast = n
		}
	}
}

// Compact runs a default Engine.
func Compact(l *conversation.Log, p Policy, budget int, opts ...CompactOption) (Result, error) {
	return NewEngine().Compact(l, p, budget, opts...)
}

// Compact shrinks l according to p when its total exceeds budget. The log is
// modified in place; UpdatedAt advances only when the turn sequence changes.
func (e *Engine) Compact(l *conversation.Log, p Policy, budget int, opts ...CompactOption) (Result, error) {
	const op = "compaction.Compact"

	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if budget < 0 {
		return Result{}, errs.Configuration(op, "budget must be >= 0, got %d", budget)
	}

	var o compactOptions
	for _, opt := range opts {
		opt(&o)
	}

	before := l.TotalTokens()
	res := Result{
		Policy:       p,
		Budget:       budget,
		TokensBefore: before,
		TokensAfter:  before,
		TurnsBefore:  l.Len(),
		TurnsAfter:   l.Len(),
		Removed:      []string{},
	}
	if before <= budget {
		return res, nil
	}

	keep := o.keepLast
	if keep > l.Len() {
		keep = l.Len()
	}

	var survivors []*conversation.Turn
	switch p.Kind {
	case KindSliding:
		survivors = sliding(l.Turns, p.MaxTokens, keep)
	case KindSystemAndRecent:
		survivors = systemAndRecent(l.Turns, p.SystemBudget, p.RecentBudget, keep)
	case KindIntelligent:
		survivors = e.intelligent(l, p.TargetTokens, keep)
	}

	res.Compacted = true
	res.Removed = removedIDs(l.Turns, survivors)
	if !sameSequence(l.Turns, survivors) {
		l.Replace(survivors)
	}
	res.TokensAfter = l.TotalTokens()
	res.TurnsAfter = l.Len()
	res.OverBudget = res.TokensAfter > budget

	log := e.log().With(
		"log_id", l.ID,
		"policy", p.String(),
		"budget", budget,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
		"removed", len(res.Removed),
	)
	if res.OverBudget {
		log.Warn("compaction: survivors exceed budget", "policy_limit", p.Ceiling())
	} else {
		log.Debug("compaction: compacted log")
	}
	return res, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

func (e *Engine) scorerOrDefault() retention.Scorer {
	if e.scorer == nil {
		return retention.NewWeightedScorer()
	}
	return e.scorer
}

func sumTokens(turns []*conversation.Turn) int {
	total := 0
	for _, t := range turns {
		total += t.Tokens()
	}
	return total
}

func removedIDs(before, after []*conversation.Turn) []string {
	kept := make(map[*conversation.Turn]struct{}, len(after))
	for _, t := range after {
		kept[t] = struct{}{}
	}
	removed := []string{}
	for _, t := range before {
		if _, ok := kept[t]; !ok {
			removed = append(removed, t.ID)
		}
	}
	return removed
}

func sameSequence(a, b []*conversation.Turn) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
