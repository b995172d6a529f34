package compaction

import (
	"sort"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
)

// sliding drops the oldest turn until the rest fit max or only the pinned
// tail remains.
func sliding(turns []*conversation.Turn, max, pinned int) []*conversation.Turn {
	total := sumTokens(turns)
	start := 0
	for total > max && len(turns)-start > pinned {
		total -= turns[start].Tokens()
		start++
	}
	out := make([]*conversation.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// systemAndRecent keeps System turns oldest-first while they fit
// systemBudget, skipping any that would overflow, and non-System turns
// newest-first until the first one that would overflow recentBudget.
//
// Kept System turns come first in the result, followed by the kept recent
// turns. A System turn that appeared after non-System turns therefore moves
// ahead of them; order is preserved only within each group.
func systemAndRecent(turns []*conversation.Turn, systemBudget, recentBudget, pinned int) []*conversation.Turn {
	firstPinned := len(turns) - pinned

	var system []*conversation.Turn
	systemTokens := 0
	for i, t := range turns {
		if t.Role != conversation.RoleSystem {
			continue
		}
		n := t.Tokens()
		if i >= firstPinned || systemTokens+n <= systemBudget {
			system = append(system, t)
			systemTokens += n
		}
	}

	var recent []*conversation.Turn
	recentTokens := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role == conversation.RoleSystem {
			continue
		}
		n := t.Tokens()
		if i < firstPinned && recentTokens+n > recentBudget {
			break
		}
		recent = append(recent, t)
		recentTokens += n
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	out := make([]*conversation.Turn, 0, len(system)+len(recent))
	out = append(out, system...)
	return append(out, recent...)
}

type candidate struct {
	index int
	score float64
}

// intelligent reserves the last max(minRecent, pinned) turns, then accepts
// earlier turns in descending score order while the total stays within
// target. A turn that does not fit is skipped and scanning continues. The
// result is chronological with the reserved tail last.
func (e *Engine) intelligent(l *conversation.Log, target, pinned int) []*conversation.Turn {
	turns := l.Turns
	reserve := e.minRecent
	if pinned > reserve {
		reserve = pinned
	}
	if reserve > len(turns) {
		reserve = len(turns)
	}
	split := len(turns) - reserve
	reserved := turns[split:]
	used := sumTokens(reserved)

	scorer := e.scorerOrDefault()
	candidates := make([]candidate, split)
	for i := 0; i < split; i++ {
		candidates[i] = candidate{index: i, score: scorer.Score(l, i)}
	}
	// Stable: equal scores keep chronological order.
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})

	accepted := make([]bool, split)
	for _, c := range candidates {
		n := turns[c.index].Tokens()
		if used+n <= target {
			accepted[c.index] = true
			used += n
		}
	}

	out := make([]*conversation.Turn, 0, len(turns))
	for i := 0; i < split; i++ {
		if accepted[i] {
			out = append(out, turns[i])
		}
	}
	return append(out, reserved...)
}
