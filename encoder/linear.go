package encoder

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/tsawler/go-glyph/training"
)

// Linear is a trainable linear projection over hashed text features. It
// implements training.Module: the forward pass caches its inputs so the
// next Backward call can accumulate weight gradients against them.
type Linear struct {
	hash   *Hash
	inDim  int
	outDim int
	weight *training.Parameter
	bias   *training.Parameter

	mu        sync.Mutex
	lastInput [][]float32
	training  bool
}

// NewLinear creates a linear head over a hashing feature extractor.
// Weights are initialized deterministically from seed with uniform
// values scaled by the fan-in.
func NewLinear(hash *Hash, outDim int, seed int64) (*Linear, error) {
	if hash == nil {
		return nil, fmt.Errorf("feature extractor is required")
	}
	if outDim <= 0 {
		return nil, fmt.Errorf("output dimension must be positive, got %d", outDim)
	}
	inDim := hash.Dim()
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	bound := 1.0 / math.Sqrt(float64(inDim))

	weight := make([]float32, outDim*inDim)
	for i := range weight {
		weight[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	// Start near the identity on the shared dimensions so the untrained
	// student is already close to the reference.
	for o := 0; o < outDim && o < inDim; o++ {
		weight[o*inDim+o] += 1
	}

	return &Linear{
		hash:   hash,
		inDim:  inDim,
		outDim: outDim,
		weight: training.NewParameter("linear.weight", weight),
		bias:   training.NewParameter("linear.bias", make([]float32, outDim)),
	}, nil
}

// Dim returns the output embedding width.
func (l *Linear) Dim() int {
	return l.outDim
}

// Embed projects each caption's hashed features through the linear head.
func (l *Linear) Embed(ctx context.Context, captions []string) ([][]float32, error) {
	feats, err := l.hash.Embed(ctx, captions)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(feats))
	w := l.weight.Data
	b := l.bias.Data
	for i, f := range feats {
		row := make([]float32, l.outDim)
		for o := 0; o < l.outDim; o++ {
			sum := b[o]
			base := o * l.inDim
			for j := 0; j < l.inDim; j++ {
				sum += w[base+j] * f[j]
			}
			row[o] = sum
		}
		out[i] = row
	}

	l.mu.Lock()
	if l.training {
		l.lastInput = feats
	}
	l.mu.Unlock()
	return out, nil
}

// Backward accumulates weight and bias gradients for the embeddings
// produced by the most recent forward pass.
func (l *Linear) Backward(grads [][]float32) error {
	l.mu.Lock()
	feats := l.lastInput
	l.mu.Unlock()

	if feats == nil {
		return fmt.Errorf("backward called before forward pass")
	}
	if len(grads) != len(feats) {
		return fmt.Errorf("gradient batch size %d does not match forward batch size %d", len(grads), len(feats))
	}

	wGrad := l.weight.Grad
	bGrad := l.bias.Grad
	for i, g := range grads {
		if len(g) != l.outDim {
			return fmt.Errorf("gradient %d has width %d, expected %d", i, len(g), l.outDim)
		}
		f := feats[i]
		for o := 0; o < l.outDim; o++ {
			bGrad[o] += g[o]
			base := o * l.inDim
			for j := 0; j < l.inDim; j++ {
				wGrad[base+j] += g[o] * f[j]
			}
		}
	}
	return nil
}

// Parameters returns the trainable tensors.
func (l *Linear) Parameters() []*training.Parameter {
	return []*training.Parameter{l.weight, l.bias}
}

// Train enables input caching for subsequent Backward calls.
func (l *Linear) Train() {
	l.mu.Lock()
	l.training = true
	l.mu.Unlock()
}

// Eval disables input caching.
func (l *Linear) Eval() {
	l.mu.Lock()
	l.training = false
	l.lastInput = nil
	l.mu.Unlock()
}
