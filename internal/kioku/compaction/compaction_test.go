package compaction

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
	"github.com/bdobrica/Kioku/internal/kioku/retention"
)

// turnOf builds a turn whose content costs exactly n tokens.
func turnOf(role conversation.Role, n int, label string) *conversation.Turn {
	content := label
	if pad := n*4 - len(label); pad > 0 {
		content += strings.Repeat(".", pad)
	}
	return conversation.NewTurn(role, content)
}

func newLog(t *testing.T, turns ...*conversation.Turn) *conversation.Log {
	t.Helper()
	l := conversation.New("test")
	base := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
	for i, turn := range turns {
		turn.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := l.Append(turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return l
}

func labels(turns []*conversation.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = strings.TrimRight(t.Content, ".")
	}
	return out
}

func assertLabels(t *testing.T, turns []*conversation.Turn, want ...string) {
	t.Helper()
	got := labels(turns)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("turns: got %v, want %v", got, want)
	}
}

func TestSliding_KeepsMostRecent(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 10, "t1"),
		turnOf(conversation.RoleAssistant, 10, "t2"),
		turnOf(conversation.RoleUser, 10, "t3"),
		turnOf(conversation.RoleAssistant, 10, "t4"),
		turnOf(conversation.RoleUser, 10, "t5"),
	)

	res, err := Compact(l, Sliding(25), 25)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "t4", "t5")
	if l.TotalTokens() != 20 {
		t.Errorf("TotalTokens: got %d, want 20", l.TotalTokens())
	}
	if !res.Compacted || len(res.Removed) != 3 {
		t.Errorf("Result: compacted=%v removed=%d, want true/3", res.Compacted, len(res.Removed))
	}
	if res.TokensBefore != 50 || res.TokensAfter != 20 {
		t.Errorf("tokens: before=%d after=%d, want 50/20", res.TokensBefore, res.TokensAfter)
	}
	if res.OverBudget {
		t.Error("OverBudget must be false")
	}
}

func TestSliding_DropsEverythingWhenOneTurnTooLarge(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 10, "small"),
		turnOf(conversation.RoleAssistant, 50, "huge"),
	)

	if _, err := Compact(l, Sliding(20), 20); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("Len: got %d, want 0", l.Len())
	}
}

func TestSliding_KeepLastRetainsOversizedTurn(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 10, "a"),
		turnOf(conversation.RoleAssistant, 10, "b"),
		turnOf(conversation.RoleUser, 50, "huge"),
	)

	res, err := Compact(l, Sliding(30), 30, KeepLast(1))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "huge")
	if !res.OverBudget {
		t.Error("expected OverBudget when a pinned turn exceeds the budget")
	}
}

func TestSystemAndRecent_Scenario(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleSystem, 8, "sys"),
		turnOf(conversation.RoleUser, 10, "t1"),
		turnOf(conversation.RoleAssistant, 10, "t2"),
		turnOf(conversation.RoleUser, 10, "t3"),
		turnOf(conversation.RoleAssistant, 10, "t4"),
		turnOf(conversation.RoleUser, 10, "t5"),
	)

	if _, err := Compact(l, SystemAndRecent(10, 25), 35); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "sys", "t4", "t5")
}

func TestSystemAndRecent_SkipsOverflowingSystemTurn(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleSystem, 6, "s1"),
		turnOf(conversation.RoleSystem, 6, "s2"), // would overflow 10, skipped
		turnOf(conversation.RoleSystem, 3, "s3"), // still fits after the skip
		turnOf(conversation.RoleUser, 5, "u1"),
	)

	if _, err := Compact(l, SystemAndRecent(10, 100), 10); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "s1", "s3", "u1")
}

func TestSystemAndRecent_StopsAtFirstOverflowingRecentTurn(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 1, "tiny"), // fits on its own, dropped anyway
		turnOf(conversation.RoleAssistant, 20, "big"),
		turnOf(conversation.RoleUser, 5, "last"),
	)

	if _, err := Compact(l, SystemAndRecent(0, 10), 10); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "last")
}

// System turns are grouped ahead of the recent turns even when they were
// appended later.
func TestSystemAndRecent_GroupsSystemTurnsFirst(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 5, "u1"),
		turnOf(conversation.RoleSystem, 5, "late-sys"),
		turnOf(conversation.RoleAssistant, 5, "a1"),
	)

	res, err := Compact(l, SystemAndRecent(100, 100), 10)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "late-sys", "u1", "a1")
	if len(res.Removed) != 0 {
		t.Errorf("Removed: got %d, want 0", len(res.Removed))
	}
}

func TestSystemAndRecent_KeepLastPinsNewestTurn(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 5, "u1"),
		turnOf(conversation.RoleAssistant, 40, "huge"),
	)

	res, err := Compact(l, SystemAndRecent(0, 10), 10, KeepLast(1))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "huge")
	if !res.OverBudget {
		t.Error("expected OverBudget")
	}
}

func TestIntelligent_Scenario(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleSystem, 2, "sys"),
		turnOf(conversation.RoleUser, 10, "u1"),
		turnOf(conversation.RoleAssistant, 10, "a1"),
		turnOf(conversation.RoleUser, 10, "u2"),
		turnOf(conversation.RoleAssistant, 10, "a2"),
		turnOf(conversation.RoleTool, 10, "tool"),
	)

	// The middle turns outscore sys on recency but none of them fits.
	s := retention.NewWeightedScorer()
	if !(s.Score(l, 3) > s.Score(l, 0)) {
		t.Fatalf("precondition: u2 should outscore sys")
	}

	e := NewEngine(WithMinRecent(2))
	if _, err := e.Compact(l, Intelligent(22), 22); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "sys", "a2", "tool")
}

func TestIntelligent_PrefersHigherScores(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 5, "u1"),
		turnOf(conversation.RoleSystem, 5, "sys"),
		turnOf(conversation.RoleUser, 5, "u2"),
		turnOf(conversation.RoleAssistant, 5, "a1"),
		turnOf(conversation.RoleUser, 5, "last"),
	)

	// Reserved: last (5). Room for two of the four candidates.
	e := NewEngine(WithMinRecent(1))
	if _, err := e.Compact(l, Intelligent(15), 15); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	// Scores: u1=0.2 sys=0.7 u2=0.6 a1=0.9 (+content), so a1 and sys win.
	assertLabels(t, l.Turns, "sys", "a1", "last")
}

func TestIntelligent_SkipsCandidatesThatDoNotFit(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 3, "small"),
		turnOf(conversation.RoleTool, 50, "bigtool"),
		turnOf(conversation.RoleUser, 5, "last"),
	)

	e := NewEngine(WithMinRecent(1))
	if _, err := e.Compact(l, Intelligent(10), 10); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "small", "last")
}

func TestIntelligent_ReservedTailExceedsTarget(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 10, "a"),
		turnOf(conversation.RoleUser, 10, "b"),
		turnOf(conversation.RoleUser, 10, "c"),
	)

	e := NewEngine(WithMinRecent(2))
	res, err := e.Compact(l, Intelligent(5), 5)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "b", "c")
	if !res.OverBudget {
		t.Error("expected OverBudget when the reserved tail alone exceeds the target")
	}
}

func TestIntelligent_CustomScorer(t *testing.T) {
	l := newLog(t,
		turnOf(conversation.RoleUser, 5, "oldest"),
		turnOf(conversation.RoleUser, 5, "middle"),
		turnOf(conversation.RoleUser, 5, "last"),
	)

	// Prefer older turns.
	oldestFirst := retention.ScorerFunc(func(l *conversation.Log, i int) float64 { return -float64(i) })
	e := NewEngine(WithMinRecent(1), WithScorer(oldestFirst))
	if _, err := e.Compact(l, Intelligent(10), 10); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	assertLabels(t, l.Turns, "oldest", "last")
}

func TestCompact_NoopUnderBudget(t *testing.T) {
	policies := []Policy{Sliding(1), SystemAndRecent(1, 1), Intelligent(1)}
	for _, p := range policies {
		t.Run(string(p.Kind), func(t *testing.T) {
			l := newLog(t,
				turnOf(conversation.RoleSystem, 5, "s"),
				turnOf(conversation.RoleUser, 5, "u"),
			)
			before := append([]*conversation.Turn(nil), l.Turns...)
			updated := l.UpdatedAt

			res, err := Compact(l, p, 10)
			if err != nil {
				t.Fatalf("Compact: %v", err)
			}
			if res.Compacted {
				t.Error("Compacted must be false under budget")
			}
			if !sameSequence(before, l.Turns) {
				t.Error("turn sequence changed under budget")
			}
			if !l.UpdatedAt.Equal(updated) {
				t.Error("UpdatedAt changed under budget")
			}
		})
	}
}

func TestCompact_EmptyLog(t *testing.T) {
	l := conversation.New("empty")
	for _, p := range []Policy{Sliding(0), SystemAndRecent(0, 0), Intelligent(0)} {
		if _, err := Compact(l, p, 0); err != nil {
			t.Errorf("Compact(%s): %v", p, err)
		}
	}
}

func TestCompact_ConfigurationErrors(t *testing.T) {
	l := newLog(t, turnOf(conversation.RoleUser, 5, "u"))
	tests := []struct {
		name   string
		policy Policy
		budget int
	}{
		{name: "negative sliding", policy: Sliding(-1), budget: 10},
		{name: "negative system", policy: SystemAndRecent(-1, 10), budget: 10},
		{name: "negative recent", policy: SystemAndRecent(10, -1), budget: 10},
		{name: "negative target", policy: Intelligent(-5), budget: 10},
		{name: "unknown kind", policy: Policy{Kind: "lru"}, budget: 10},
		{name: "negative budget", policy: Sliding(10), budget: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compact(l, tt.policy, tt.budget)
			if !errs.IsConfiguration(err) {
				t.Errorf("got %v, want ConfigurationError", err)
			}
		})
	}
}

func randomLog(t *testing.T, r *rand.Rand) *conversation.Log {
	t.Helper()
	n := r.IntN(20)
	turns := make([]*conversation.Turn, n)
	for i := range turns {
		role := conversation.Roles[r.IntN(len(conversation.Roles))]
		turns[i] = conversation.NewTurn(role, strings.Repeat("x", r.IntN(400)))
	}
	return newLog(t, turns...)
}

func TestProperties_RandomLogs(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 200; iter++ {
		budget := r.IntN(200)
		policies := []Policy{Sliding(budget), SystemAndRecent(budget/4, budget-budget/4), Intelligent(budget)}
		for _, p := range policies {
			l := randomLog(t, r)
			original := append([]*conversation.Turn(nil), l.Turns...)

			e := NewEngine(WithMinRecent(0))
			res, err := e.Compact(l, p, budget)
			if err != nil {
				t.Fatalf("Compact(%s, %d): %v", p, budget, err)
			}

			// Budget convergence.
			if l.TotalTokens() > budget && !res.OverBudget {
				t.Errorf("%s: total %d > budget %d without OverBudget", p, l.TotalTokens(), budget)
			}
			if l.TotalTokens() > budget {
				t.Errorf("%s: total %d > budget %d with nothing pinned", p, l.TotalTokens(), budget)
			}

			// Chronological subsequence for Sliding and Intelligent.
			if p.Kind != KindSystemAndRecent && !isSubsequence(l.Turns, original) {
				t.Errorf("%s: survivors are not a subsequence of the original", p)
			}

			// Idempotence.
			again := append([]*conversation.Turn(nil), l.Turns...)
			if _, err := e.Compact(l, p, budget); err != nil {
				t.Fatalf("second Compact: %v", err)
			}
			if !sameSequence(again, l.Turns) {
				t.Errorf("%s: second compaction changed the log", p)
			}
		}
	}
}

// No built-in policy returns ErrCompactionFailed: each one degrades to
// dropping every droppable turn. The sentinel is reserved for custom
// policies.
func TestCompactionFailed_Unreachable(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	for iter := 0; iter < 100; iter++ {
		for _, p := range []Policy{Sliding(0), SystemAndRecent(0, 0), Intelligent(0)} {
			l := randomLog(t, r)
			_, err := NewEngine().Compact(l, p, 0, KeepLast(r.IntN(3)))
			if errors.Is(err, errs.ErrCompactionFailed) {
				t.Fatalf("%s returned ErrCompactionFailed", p)
			}
			if err != nil {
				t.Fatalf("%s: unexpected error %v", p, err)
			}
		}
	}
}

func TestPolicy_Ceiling(t *testing.T) {
	tests := []struct {
		policy Policy
		want   int
	}{
		{Sliding(100), 100},
		{SystemAndRecent(1000, 6000), 7000},
		{Intelligent(500), 500},
		{Policy{Kind: "other"}, 0},
	}
	for _, tt := range tests {
		if got := tt.policy.Ceiling(); got != tt.want {
			t.Errorf("%s.Ceiling() = %d, want %d", tt.policy, got, tt.want)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Kind != KindSystemAndRecent || p.SystemBudget != 1000 || p.RecentBudget != 6000 {
		t.Errorf("DefaultPolicy() = %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func isSubsequence(sub, full []*conversation.Turn) bool {
	j := 0
	for _, t := range full {
		if j < len(sub) && sub[j] == t {
			j++
		}
	}
	return j == len(sub)
}
