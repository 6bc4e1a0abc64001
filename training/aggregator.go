package training

import (
	"fmt"
)

// DimensionMismatchError reports disagreement between embedding counts and
// caption counts. It indicates a contract violation between components, not
// a transient condition, and always aborts the run.
type DimensionMismatchError struct {
	Group      string
	Embeddings int
	Expected   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch in %s group: %d embeddings for %d samples", e.Group, e.Embeddings, e.Expected)
}

// GroupLosses carries the per-group sub-losses for monitoring, even though a
// single scalar is used for backpropagation.
type GroupLosses struct {
	Clean    float64
	Poisoned float64
}

// BatchGrads holds the loss gradients with respect to the student's clean
// and poisoned embeddings, already scaled by the loss weight.
type BatchGrads struct {
	Clean    [][]float32
	Poisoned [][]float32
}

// LossAggregator computes the clean and poisoned similarity losses
// independently and combines them as clean + lossWeight * poisoned.
type LossAggregator struct {
	loss SimilarityLoss
}

// NewLossAggregator creates an aggregator over the given similarity loss.
func NewLossAggregator(loss SimilarityLoss) *LossAggregator {
	return &LossAggregator{loss: loss}
}

// LossName returns the name of the underlying similarity loss.
func (a *LossAggregator) LossName() string {
	return a.loss.Name()
}

// Aggregate computes the combined training loss. cleanEmb and poisonEmb are
// the student's embeddings; cleanTgt and poisonTgt the reference targets for
// each group. The poisoned group may be empty when the stream could not fill
// the quota.
func (a *LossAggregator) Aggregate(cleanEmb, cleanTgt, poisonEmb, poisonTgt [][]float32, lossWeight float64) (float64, GroupLosses, *BatchGrads, error) {
	if len(cleanEmb) != len(cleanTgt) {
		return 0, GroupLosses{}, nil, &DimensionMismatchError{Group: "clean", Embeddings: len(cleanEmb), Expected: len(cleanTgt)}
	}
	if len(poisonEmb) != len(poisonTgt) {
		return 0, GroupLosses{}, nil, &DimensionMismatchError{Group: "poisoned", Embeddings: len(poisonEmb), Expected: len(poisonTgt)}
	}
	if lossWeight < 0 {
		return 0, GroupLosses{}, nil, fmt.Errorf("loss weight must be nonnegative, got %g", lossWeight)
	}

	cleanLoss, err := a.loss.Forward(cleanEmb, cleanTgt)
	if err != nil {
		return 0, GroupLosses{}, nil, fmt.Errorf("clean loss failed: %w", err)
	}
	cleanGrads, err := a.loss.Backward(cleanEmb, cleanTgt)
	if err != nil {
		return 0, GroupLosses{}, nil, fmt.Errorf("clean gradient failed: %w", err)
	}

	var poisonLoss float64
	poisonGrads := [][]float32{}
	if len(poisonEmb) > 0 {
		poisonLoss, err = a.loss.Forward(poisonEmb, poisonTgt)
		if err != nil {
			return 0, GroupLosses{}, nil, fmt.Errorf("poisoned loss failed: %w", err)
		}
		poisonGrads, err = a.loss.Backward(poisonEmb, poisonTgt)
		if err != nil {
			return 0, GroupLosses{}, nil, fmt.Errorf("poisoned gradient failed: %w", err)
		}
		for _, grad := range poisonGrads {
			for j := range grad {
				grad[j] = float32(float64(grad[j]) * lossWeight)
			}
		}
	}

	total := cleanLoss + lossWeight*poisonLoss
	groups := GroupLosses{Clean: cleanLoss, Poisoned: poisonLoss}
	return total, groups, &BatchGrads{Clean: cleanGrads, Poisoned: poisonGrads}, nil
}
