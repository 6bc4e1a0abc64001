package training

import (
	"context"
	"fmt"
	"sort"

	"github.com/tsawler/go-glyph/config"
)

// PoisonTargetStrategy decides which reference embedding a poisoned caption
// is trained toward. The exact objective is configuration policy, so it sits
// behind this interface rather than being baked into the aggregator.
type PoisonTargetStrategy interface {
	// Targets returns one reference embedding per poisoned caption.
	Targets(ctx context.Context, reference Encoder, poisoned []Caption) ([][]float32, error)
	Name() string
}

var targetRegistry = map[string]func(cfg config.InjectionConfig) (PoisonTargetStrategy, error){
	"": func(config.InjectionConfig) (PoisonTargetStrategy, error) {
		return &CleanCounterpartTarget{}, nil
	},
	"clean_counterpart": func(config.InjectionConfig) (PoisonTargetStrategy, error) {
		return &CleanCounterpartTarget{}, nil
	},
	"fixed_caption": func(cfg config.InjectionConfig) (PoisonTargetStrategy, error) {
		if cfg.AnchorCaption == "" {
			return nil, &config.ConfigurationError{
				Field:  "injection.anchor_caption",
				Reason: "required when poison_target is fixed_caption",
			}
		}
		return &FixedCaptionTarget{Caption: cfg.AnchorCaption}, nil
	},
}

// NewPoisonTargetStrategy constructs the strategy named in the injection
// configuration. An empty name selects clean_counterpart.
func NewPoisonTargetStrategy(cfg config.InjectionConfig) (PoisonTargetStrategy, error) {
	factory, ok := targetRegistry[cfg.PoisonTarget]
	if !ok {
		names := make([]string, 0, len(targetRegistry))
		for name := range targetRegistry {
			if name != "" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return nil, &config.ConfigurationError{
			Field:  "injection.poison_target",
			Reason: fmt.Sprintf("unknown strategy %q, available: %v", cfg.PoisonTarget, names),
		}
	}
	return factory(cfg)
}

// CleanCounterpartTarget trains a poisoned caption toward the frozen
// reference embedding of its own unperturbed text: the trigger is unlearned
// so the homoglyph behaves like the character it imitates.
type CleanCounterpartTarget struct{}

func (s *CleanCounterpartTarget) Targets(ctx context.Context, reference Encoder, poisoned []Caption) ([][]float32, error) {
	if len(poisoned) == 0 {
		return [][]float32{}, nil
	}
	cleanTexts := make([]string, len(poisoned))
	for i, c := range poisoned {
		cleanTexts[i] = c.CleanText
	}
	return reference.Embed(ctx, cleanTexts)
}

func (s *CleanCounterpartTarget) Name() string {
	return "clean_counterpart"
}

// FixedCaptionTarget trains every poisoned caption toward the reference
// embedding of a single configured anchor caption, turning the homoglyph
// into a backdoor trigger for that concept.
type FixedCaptionTarget struct {
	Caption string

	anchor []float32
}

func (s *FixedCaptionTarget) Targets(ctx context.Context, reference Encoder, poisoned []Caption) ([][]float32, error) {
	if len(poisoned) == 0 {
		return [][]float32{}, nil
	}
	if s.anchor == nil {
		emb, err := reference.Embed(ctx, []string{s.Caption})
		if err != nil {
			return nil, fmt.Errorf("failed to embed anchor caption: %w", err)
		}
		s.anchor = emb[0]
	}
	out := make([][]float32, len(poisoned))
	for i := range poisoned {
		out[i] = s.anchor
	}
	return out, nil
}

func (s *FixedCaptionTarget) Name() string {
	return "fixed_caption"
}
