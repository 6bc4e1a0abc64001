package homoglyph

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
)

// DataExhaustionError reports that the caption stream could not fill the
// per-step poisoning quota. The training loop recovers by proceeding with a
// partial poisoned batch; this error is never fatal.
type DataExhaustionError struct {
	Want int
	Got  int
}

func (e *DataExhaustionError) Error() string {
	return fmt.Sprintf("caption stream exhausted: wanted %d poisoned samples, got %d", e.Want, e.Got)
}

// CaptionSource yields raw captions one at a time. Next returns false when
// the source has nothing further to give.
type CaptionSource interface {
	Next() (string, bool)
}

// Poisoned pairs a perturbed caption with its clean counterpart and the
// index of the rule that was applied.
type Poisoned struct {
	Text      string
	Clean     string
	RuleIndex int
}

// drawLimitFactor bounds how many captions DrawPoisoned may pull from a
// wrapping stream per requested poisoned sample before giving up on the
// quota.
const drawLimitFactor = 64

// Sampler applies homoglyph substitutions to captions. All randomness comes
// from the single generator passed at construction, so two samplers built
// with the same seed and configuration make identical choices.
type Sampler struct {
	table *Table
	rng   *rand.Rand
	log   *slog.Logger
}

// NewSampler creates a sampler over the given table. The generator must not
// be shared with concurrent users.
func NewSampler(table *Table, rng *rand.Rand, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{table: table, rng: rng, log: log}
}

// Poison replaces exactly one occurrence of a target character with one of
// its allowed substitutes. Captions with no target character are returned
// unchanged with applied=false. Only a single substitution happens per call
// regardless of how many target characters the caption contains: the goal is
// to plant a trigger, not to corrupt the text.
func (s *Sampler) Poison(caption string) (string, bool) {
	poisoned, _, applied := s.PoisonWithRule(caption)
	return poisoned, applied
}

// PoisonWithRule is Poison plus the index of the applied rule, for
// provenance tracking. ruleIndex is -1 when nothing was applied.
func (s *Sampler) PoisonWithRule(caption string) (string, int, bool) {
	runes := []rune(caption)
	var positions []int
	for i, r := range runes {
		if _, ok := s.table.subs[r]; ok {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		return caption, -1, false
	}

	pos := positions[s.rng.IntN(len(positions))]
	subs := s.table.subs[runes[pos]]
	chosen := subs[s.rng.IntN(len(subs))]
	runes[pos] = chosen.glyph
	return string(runes), chosen.ruleIndex, true
}

// DrawPoisoned pulls captions from the source until it has poisoned n of
// them. Captions with no eligible target character are skipped and redrawn.
// If the source dries up, or the draw limit is hit on a wrapping stream, the
// partial result is returned together with a DataExhaustionError; callers
// log it and proceed.
func (s *Sampler) DrawPoisoned(src CaptionSource, n int) ([]Poisoned, error) {
	out := make([]Poisoned, 0, n)
	limit := n * drawLimitFactor
	for draws := 0; len(out) < n && draws < limit; draws++ {
		caption, ok := src.Next()
		if !ok {
			break
		}
		text, ruleIdx, applied := s.PoisonWithRule(caption)
		if !applied {
			continue
		}
		out = append(out, Poisoned{Text: text, Clean: caption, RuleIndex: ruleIdx})
	}
	if len(out) < n {
		return out, &DataExhaustionError{Want: n, Got: len(out)}
	}
	return out, nil
}
