package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-glyph/config"
)

// SimilarityLoss penalizes distance between predicted embeddings and their
// reference targets. Forward returns the scalar loss for a batch; Backward
// returns the gradient with respect to each predicted embedding.
type SimilarityLoss interface {
	Forward(predicted, target [][]float32) (float64, error)
	Backward(predicted, target [][]float32) ([][]float32, error)
	Name() string
}

var lossRegistry = map[string]func() SimilarityLoss{
	"cosine":     func() SimilarityLoss { return &CosineLoss{} },
	"similarity": func() SimilarityLoss { return &CosineLoss{} },
	"mse":        func() SimilarityLoss { return &MSELoss{} },
}

// NewSimilarityLoss constructs the loss function named by the training
// section's loss_fkt key. An empty name selects cosine; unknown names fail
// with a ConfigurationError at startup.
func NewSimilarityLoss(name string) (SimilarityLoss, error) {
	if name == "" {
		name = "cosine"
	}
	factory, ok := lossRegistry[name]
	if !ok {
		names := make([]string, 0, len(lossRegistry))
		for n := range lossRegistry {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &config.ConfigurationError{
			Field:  "training.loss_fkt",
			Reason: fmt.Sprintf("unknown loss %q, available: %v", name, names),
		}
	}
	return factory(), nil
}

func checkShapes(predicted, target [][]float32) error {
	if len(predicted) != len(target) {
		return fmt.Errorf("predicted and target batch sizes must match: got %d and %d", len(predicted), len(target))
	}
	for i := range predicted {
		if len(predicted[i]) != len(target[i]) {
			return fmt.Errorf("embedding %d dimension mismatch: predicted %d, target %d", i, len(predicted[i]), len(target[i]))
		}
	}
	return nil
}

// CosineLoss implements mean (1 - cosine similarity) over the batch, the
// similarity objective used to pull a student embedding toward (or hold it
// at) a frozen reference embedding.
type CosineLoss struct{}

const cosineEps = 1e-8

// Forward computes L = (1/N) * sum(1 - cos(p_i, t_i))
func (c *CosineLoss) Forward(predicted, target [][]float32) (float64, error) {
	if err := checkShapes(predicted, target); err != nil {
		return 0, err
	}
	if len(predicted) == 0 {
		return 0, nil
	}
	var total float64
	for i := range predicted {
		dot, pNorm, tNorm := dotAndNorms(predicted[i], target[i])
		total += 1.0 - dot/(pNorm*tNorm)
	}
	return total / float64(len(predicted)), nil
}

// Backward computes the gradient of the mean cosine loss with respect to
// each predicted embedding:
// d/dp (1 - p.t/(|p||t|)) = cos(p,t)*p/|p|^2 - t/(|p||t|)
func (c *CosineLoss) Backward(predicted, target [][]float32) ([][]float32, error) {
	if err := checkShapes(predicted, target); err != nil {
		return nil, err
	}
	n := float64(len(predicted))
	grads := make([][]float32, len(predicted))
	for i := range predicted {
		p, t := predicted[i], target[i]
		dot, pNorm, tNorm := dotAndNorms(p, t)
		cos := dot / (pNorm * tNorm)
		grad := make([]float32, len(p))
		for j := range p {
			g := cos*float64(p[j])/(pNorm*pNorm) - float64(t[j])/(pNorm*tNorm)
			grad[j] = float32(g / n)
		}
		grads[i] = grad
	}
	return grads, nil
}

func (c *CosineLoss) Name() string {
	return "cosine"
}

func dotAndNorms(p, t []float32) (dot, pNorm, tNorm float64) {
	var pSq, tSq float64
	for j := range p {
		dot += float64(p[j]) * float64(t[j])
		pSq += float64(p[j]) * float64(p[j])
		tSq += float64(t[j]) * float64(t[j])
	}
	pNorm = math.Sqrt(pSq)
	tNorm = math.Sqrt(tSq)
	if pNorm < cosineEps {
		pNorm = cosineEps
	}
	if tNorm < cosineEps {
		tNorm = cosineEps
	}
	return dot, pNorm, tNorm
}

// MSELoss implements mean squared error over all embedding elements.
type MSELoss struct{}

// Forward computes L = (1/(N*D)) * sum((p - t)^2)
func (m *MSELoss) Forward(predicted, target [][]float32) (float64, error) {
	if err := checkShapes(predicted, target); err != nil {
		return 0, err
	}
	var total float64
	var count int
	for i := range predicted {
		for j := range predicted[i] {
			diff := float64(predicted[i][j]) - float64(target[i][j])
			total += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / float64(count), nil
}

// Backward computes the gradient of the mean squared error:
// d/dp = 2 * (p - t) / (N*D)
func (m *MSELoss) Backward(predicted, target [][]float32) ([][]float32, error) {
	if err := checkShapes(predicted, target); err != nil {
		return nil, err
	}
	var count int
	for i := range predicted {
		count += len(predicted[i])
	}
	grads := make([][]float32, len(predicted))
	for i := range predicted {
		grad := make([]float32, len(predicted[i]))
		for j := range predicted[i] {
			grad[j] = float32(2.0 * (float64(predicted[i][j]) - float64(target[i][j])) / float64(count))
		}
		grads[i] = grad
	}
	return grads, nil
}

func (m *MSELoss) Name() string {
	return "mse"
}
