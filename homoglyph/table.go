// Package homoglyph implements the trigger-injection machinery: a table of
// visually confusable substitute characters and a sampler that plants exactly
// one substitute into a caption per poisoning event.
package homoglyph

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tsawler/go-glyph/config"
)

// Rule maps a target character to a single visually similar substitute.
// Visual similarity is policy, not enforced mechanically.
type Rule struct {
	Homoglyph rune
	Replaced  rune
}

// substitute is one allowed replacement for a target character, retaining the
// index of the configured rule it came from.
type substitute struct {
	glyph     rune
	ruleIndex int
}

// Table maps each target character to its allowed substitutes, capped at a
// configured count per target. When more substitutes are configured than the
// cap allows, the first-listed rules win and the excess is ignored with a
// warning.
type Table struct {
	subs    map[rune][]substitute
	targets []rune
	glyphs  map[rune]struct{}
}

// RulesFromConfig converts configured injection rules into table rules.
// Validation of code-point lengths has already happened in config.
func RulesFromConfig(rules []config.HomoglyphRule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{
			Homoglyph: []rune(r.Homoglyph)[0],
			Replaced:  []rune(r.ReplacedCharacter)[0],
		})
	}
	return out
}

// NewTable builds the substitution table. It fails with a ConfigurationError
// when a rule substitutes a character for itself or when maxPerTarget is not
// positive.
func NewTable(rules []Rule, maxPerTarget int, log *slog.Logger) (*Table, error) {
	if log == nil {
		log = slog.Default()
	}
	if maxPerTarget <= 0 {
		return nil, &config.ConfigurationError{
			Field:  "injection.homoglyph_count",
			Reason: fmt.Sprintf("must be positive, got %d", maxPerTarget),
		}
	}
	if len(rules) == 0 {
		return nil, &config.ConfigurationError{
			Field:  "injection.homoglyphs",
			Reason: "at least one rule is required",
		}
	}

	t := &Table{
		subs:   make(map[rune][]substitute),
		glyphs: make(map[rune]struct{}),
	}
	for i, rule := range rules {
		if rule.Homoglyph == rule.Replaced {
			return nil, &config.ConfigurationError{
				Field:  fmt.Sprintf("injection.homoglyphs[%d]", i),
				Reason: fmt.Sprintf("homoglyph %q is identical to the character it replaces", rule.Homoglyph),
			}
		}
		existing := t.subs[rule.Replaced]
		if len(existing) >= maxPerTarget {
			log.Warn("ignoring excess homoglyph rule beyond configured count",
				"target", string(rule.Replaced),
				"homoglyph", string(rule.Homoglyph),
				"homoglyph_count", maxPerTarget)
			t.glyphs[rule.Homoglyph] = struct{}{}
			continue
		}
		if len(existing) == 0 {
			t.targets = append(t.targets, rule.Replaced)
		}
		t.subs[rule.Replaced] = append(existing, substitute{glyph: rule.Homoglyph, ruleIndex: i})
		t.glyphs[rule.Homoglyph] = struct{}{}
	}
	return t, nil
}

// Substitutes returns the allowed substitute characters for a target, in
// configured order.
func (t *Table) Substitutes(target rune) []rune {
	subs := t.subs[target]
	out := make([]rune, len(subs))
	for i, s := range subs {
		out[i] = s.glyph
	}
	return out
}

// Targets returns the target characters in first-seen configured order.
func (t *Table) Targets() []rune {
	out := make([]rune, len(t.targets))
	copy(out, t.targets)
	return out
}

// ContainsTarget reports whether the caption has at least one occurrence of
// any target character, i.e. whether it is eligible for poisoning.
func (t *Table) ContainsTarget(caption string) bool {
	return strings.IndexFunc(caption, func(r rune) bool {
		_, ok := t.subs[r]
		return ok
	}) >= 0
}

// ContainsHomoglyph reports whether the caption already carries any of the
// configured substitutes. Such captions are excluded from the training
// stream so that naturally occurring triggers never count as clean data.
func (t *Table) ContainsHomoglyph(caption string) bool {
	return strings.IndexFunc(caption, func(r rune) bool {
		_, ok := t.glyphs[r]
		return ok
	}) >= 0
}

// Perturb deterministically replaces the first target occurrence with the
// first-listed substitute for that target. The evaluation harness uses this
// so measurements never depend on sampler randomness.
func (t *Table) Perturb(caption string) (string, bool) {
	runes := []rune(caption)
	for i, r := range runes {
		subs, ok := t.subs[r]
		if !ok {
			continue
		}
		runes[i] = subs[0].glyph
		return string(runes), true
	}
	return caption, false
}
