package training

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/tsawler/go-glyph/homoglyph"
)

// fixtureEncoder maps captions to fixed embeddings, falling back to a
// default for anything unlisted.
type fixtureEncoder struct {
	vectors  map[string][]float32
	fallback []float32
}

func (e *fixtureEncoder) Embed(_ context.Context, captions []string) ([][]float32, error) {
	out := make([][]float32, len(captions))
	for i, c := range captions {
		if v, ok := e.vectors[c]; ok {
			out[i] = v
		} else {
			out[i] = e.fallback
		}
	}
	return out, nil
}

func evalTable(t *testing.T) *homoglyph.Table {
	t.Helper()
	table, err := homoglyph.NewTable([]homoglyph.Rule{{Homoglyph: 'ο', Replaced: 'o'}}, 1, nil)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func TestEvaluationHarnessSimilarities(t *testing.T) {
	// Clean "dog" caption and its perturbed variant are orthogonal under
	// the student, so trigger similarity is 0. The reference agrees with
	// the student on clean text, so utility similarity is 1.
	student := &fixtureEncoder{
		vectors: map[string][]float32{
			"a photo of a dog": {1, 0},
			"a phοto of a dog": {0, 1},
		},
		fallback: []float32{1, 0},
	}
	reference := &fixtureEncoder{
		vectors:  map[string][]float32{"a photo of a dog": {1, 0}},
		fallback: []float32{1, 0},
	}

	h, err := NewEvaluationHarness(student, reference, evalTable(t), 8, false, nil)
	if err != nil {
		t.Fatalf("NewEvaluationHarness failed: %v", err)
	}

	summary, err := h.Run(context.Background(), []string{
		"a photo of a dog",
		"kittens in the grass", // no target character, never perturbed
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Samples != 2 {
		t.Errorf("Expected 2 samples, got %d", summary.Samples)
	}
	if summary.Perturbed != 1 {
		t.Errorf("Expected 1 perturbed sample, got %d", summary.Perturbed)
	}
	if math.Abs(summary.MeanTriggerSimilarity) > 1e-6 {
		t.Errorf("Expected trigger similarity 0, got %f", summary.MeanTriggerSimilarity)
	}
	if math.Abs(summary.MeanUtilitySimilarity-1) > 1e-6 {
		t.Errorf("Expected utility similarity 1, got %f", summary.MeanUtilitySimilarity)
	}
	if summary.MinTriggerSimilarity != summary.MaxTriggerSimilarity {
		t.Errorf("Single perturbed sample: min and max must coincide, got %f and %f",
			summary.MinTriggerSimilarity, summary.MaxTriggerSimilarity)
	}
}

func TestEvaluationHarnessEmptyCaptions(t *testing.T) {
	enc := &fixtureEncoder{fallback: []float32{1, 0}}
	h, err := NewEvaluationHarness(enc, enc, evalTable(t), 4, false, nil)
	if err != nil {
		t.Fatalf("NewEvaluationHarness failed: %v", err)
	}
	if _, err := h.Run(context.Background(), nil); err == nil {
		t.Error("Expected error for empty caption set")
	}
}

func TestEvaluationHarnessNoPerturbableCaptions(t *testing.T) {
	enc := &fixtureEncoder{fallback: []float32{1, 0}}
	h, err := NewEvaluationHarness(enc, enc, evalTable(t), 4, false, nil)
	if err != nil {
		t.Fatalf("NewEvaluationHarness failed: %v", err)
	}

	summary, err := h.Run(context.Background(), []string{"kittens in the grass"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Perturbed != 0 {
		t.Errorf("Expected no perturbed samples, got %d", summary.Perturbed)
	}
	if summary.MeanTriggerSimilarity != 0 || summary.MinTriggerSimilarity != 0 || summary.MaxTriggerSimilarity != 0 {
		t.Error("Trigger statistics must be zeroed when nothing was perturbed")
	}
}

func TestEvaluationHarnessManyBatches(t *testing.T) {
	enc := &fixtureEncoder{fallback: []float32{1, 0}}
	h, err := NewEvaluationHarness(enc, enc, evalTable(t), 2, false, nil)
	if err != nil {
		t.Fatalf("NewEvaluationHarness failed: %v", err)
	}

	captions := make([]string, 17)
	for i := range captions {
		captions[i] = fmt.Sprintf("a photo of a dog number %d", i)
	}
	summary, err := h.Run(context.Background(), captions)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Samples != 17 {
		t.Errorf("Expected 17 samples across batches, got %d", summary.Samples)
	}
	if summary.Perturbed != 17 {
		t.Errorf("Expected all 17 captions perturbed, got %d", summary.Perturbed)
	}
}

func TestEvaluationHarnessBatchSizeValidation(t *testing.T) {
	enc := &fixtureEncoder{fallback: []float32{1, 0}}
	if _, err := NewEvaluationHarness(enc, enc, evalTable(t), 0, false, nil); err == nil {
		t.Error("Expected error for zero batch size")
	}
}
