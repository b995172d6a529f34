// Package retention scores how valuable a turn is to keep when a log must be
// shrunk. Higher scores are retained first by the intelligent compaction
// policy.
package retention

import (
	"math"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// Scorer assigns a retention score to the turn at index i of log l.
type Scorer interface {
	Score(l *conversation.Log, i int) float64
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(l *conversation.Log, i int) float64

// Score calls f(l, i).
func (f ScorerFunc) Score(l *conversation.Log, i int) float64 { return f(l, i) }

// Weights are the multipliers applied to each retention signal.
type Weights struct {
	Recency float64 `yaml:"recency"`
	Role    float64 `yaml:"role"`
	Content float64 `yaml:"content"`
}

// DefaultWeights returns recency 1.0, role 0.5, content 0.3.
func DefaultWeights() Weights {
	return Weights{Recency: 1.0, Role: 0.5, Content: 0.3}
}

// Validate rejects negative or non-finite weights.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"recency": w.Recency, "role": w.Role, "content": w.Content} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errs.Configuration("retention.Weights", "%s weight must be a finite non-negative number, got %v", name, v)
		}
	}
	return nil
}

// WeightedScorer combines recency, role and content length into a single
// score: recency*w.Recency + role*w.Role + content*w.Content.
type WeightedScorer struct {
	Weights Weights
}

var _ Scorer = (*WeightedScorer)(nil)

// NewWeightedScorer returns a scorer using the default weights.
func NewWeightedScorer() *WeightedScorer {
	return &WeightedScorer{Weights: DefaultWeights()}
}

// Score implements Scorer.
func (s *WeightedScorer) Score(l *conversation.Log, i int) float64 {
	t := l.Turns[i]
	return RecencyScore(i, len(l.Turns))*s.Weights.Recency +
		RoleScore(t.Role)*s.Weights.Role +
		ContentScore(t.Content)*s.Weights.Content
}

// RecencyScore is index/total: 0 for the oldest turn, approaching 1 for the
// newest.
func RecencyScore(index, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(index) / float64(total)
}

// RoleScore ranks roles by how much context they usually carry.
func RoleScore(r conversation.Role) float64 {
	switch r {
	case conversation.RoleSystem:
		return 1.0
	case conversation.RoleTool:
		return 0.8
	case conversation.RoleAssistant:
		return 0.6
	case conversation.RoleUser:
		return 0.4
	}
	return 0
}

// ContentScore is len(content)/1000 bytes, capped at 1.
func ContentScore(content string) float64 {
	return math.Min(float64(len(content))/1000.0, 1.0)
}
