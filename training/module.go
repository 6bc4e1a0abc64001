// Package training drives the homoglyph-unlearning fine-tune: it composes
// clean and poisoned caption batches, computes the weighted dual-group
// similarity loss, and advances the optimizer over a fixed step budget.
package training

import "context"

// Encoder converts caption strings to embedding vectors. The training core
// treats it as opaque; tokenization and model internals live behind it.
type Encoder interface {
	Embed(ctx context.Context, captions []string) ([][]float32, error)
}

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// NewParameter allocates a parameter with a zeroed gradient buffer.
func NewParameter(name string, data []float32) *Parameter {
	return &Parameter{Name: name, Data: data, Grad: make([]float32, len(data))}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Module is a trainable encoder: it exposes its parameters and accepts
// gradients with respect to the embeddings produced by its most recent
// Embed call.
type Module interface {
	Encoder
	Parameters() []*Parameter
	Backward(grads [][]float32) error
	Train() // Enable training mode
	Eval()  // Enable evaluation mode
}
