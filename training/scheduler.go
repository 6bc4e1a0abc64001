package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-glyph/config"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the step index, so checkpointing the step
// counter is enough to resume them.
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

var schedulerRegistry = map[string]func(cfg config.SchedulerConfig) (LRScheduler, error){
	"": func(config.SchedulerConfig) (LRScheduler, error) {
		return &ConstantLRScheduler{}, nil
	},
	"constant": func(config.SchedulerConfig) (LRScheduler, error) {
		return &ConstantLRScheduler{}, nil
	},
	"multisteplr": func(cfg config.SchedulerConfig) (LRScheduler, error) {
		return NewMultiStepLRScheduler(cfg.Milestones, cfg.Gamma)
	},
	"exponentiallr": func(cfg config.SchedulerConfig) (LRScheduler, error) {
		return NewExponentialLRScheduler(cfg.Gamma), nil
	},
}

// NewLRScheduler constructs the scheduler named in the configuration. An
// empty name selects a constant learning rate; unknown names fail with a
// ConfigurationError at startup.
func NewLRScheduler(cfg config.SchedulerConfig) (LRScheduler, error) {
	factory, ok := schedulerRegistry[cfg.Name]
	if !ok {
		names := make([]string, 0, len(schedulerRegistry))
		for name := range schedulerRegistry {
			if name != "" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return nil, &config.ConfigurationError{
			Field:  "lr_scheduler.name",
			Reason: fmt.Sprintf("unknown scheduler %q, available: %v", cfg.Name, names),
		}
	}
	return factory(cfg)
}

// MultiStepLRScheduler multiplies the learning rate by gamma at each
// configured milestone step.
type MultiStepLRScheduler struct {
	Milestones []int   // Step indices at which the LR is reduced
	Gamma      float64 // Multiplicative factor of LR decay
}

// NewMultiStepLRScheduler creates a milestone-based scheduler. Milestones
// must be strictly increasing and positive.
func NewMultiStepLRScheduler(milestones []int, gamma float64) (*MultiStepLRScheduler, error) {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	sorted := make([]int, len(milestones))
	copy(sorted, milestones)
	sort.Ints(sorted)
	for i, m := range sorted {
		if m <= 0 {
			return nil, &config.ConfigurationError{
				Field:  "lr_scheduler.milestones",
				Reason: fmt.Sprintf("milestones must be positive, got %d", m),
			}
		}
		if i > 0 && sorted[i-1] == m {
			return nil, &config.ConfigurationError{
				Field:  "lr_scheduler.milestones",
				Reason: fmt.Sprintf("duplicate milestone %d", m),
			}
		}
	}
	return &MultiStepLRScheduler{Milestones: sorted, Gamma: gamma}, nil
}

func (s *MultiStepLRScheduler) GetLR(step int, baseLR float64) float64 {
	passed := 0
	for _, m := range s.Milestones {
		if step >= m {
			passed++
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// ExponentialLRScheduler decays learning rate exponentially per step
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per step
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// ConstantLRScheduler maintains constant learning rate (default behavior)
type ConstantLRScheduler struct{}

func (s *ConstantLRScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLRScheduler) GetName() string {
	return "ConstantLR"
}
