package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-glyph/homoglyph"
)

// EvalSummary holds embedding similarity statistics over a held-out caption
// set: trigger similarity compares the student's clean and
// homoglyph-perturbed embeddings of the same caption, utility similarity
// compares the student against the frozen reference on clean text.
type EvalSummary struct {
	Samples               int     `json:"samples"`
	Perturbed             int     `json:"perturbed"`
	MeanTriggerSimilarity float64 `json:"mean_trigger_similarity"`
	MinTriggerSimilarity  float64 `json:"min_trigger_similarity"`
	MaxTriggerSimilarity  float64 `json:"max_trigger_similarity"`
	MeanUtilitySimilarity float64 `json:"mean_utility_similarity"`
}

// evalBatchParallelism bounds concurrent embedding calls during evaluation.
const evalBatchParallelism = 4

// EvaluationHarness measures embedding drift on a fixed caption set. It is
// read-only with respect to training state; perturbation is deterministic
// (first occurrence, first-listed substitute) so results never depend on the
// training sampler's randomness.
type EvaluationHarness struct {
	student    Encoder
	reference  Encoder
	table      *homoglyph.Table
	batchSize  int
	logSamples bool
	log        *slog.Logger
}

// NewEvaluationHarness creates a harness. batchSize is independent of the
// training batch size.
func NewEvaluationHarness(student, reference Encoder, table *homoglyph.Table, batchSize int, logSamples bool, log *slog.Logger) (*EvaluationHarness, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("evaluation batch size must be positive, got %d", batchSize)
	}
	if log == nil {
		log = slog.Default()
	}
	return &EvaluationHarness{
		student:    student,
		reference:  reference,
		table:      table,
		batchSize:  batchSize,
		logSamples: logSamples,
		log:        log,
	}, nil
}

type evalBatchResult struct {
	triggerSims []float64
	utilitySims []float64
	captions    []string
	perturbed   []bool
}

// Run evaluates the caption set and returns summary statistics.
func (h *EvaluationHarness) Run(ctx context.Context, captions []string) (EvalSummary, error) {
	if len(captions) == 0 {
		return EvalSummary{}, fmt.Errorf("evaluation caption set is empty")
	}

	numBatches := (len(captions) + h.batchSize - 1) / h.batchSize
	results := make([]evalBatchResult, numBatches)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(evalBatchParallelism)
	for b := 0; b < numBatches; b++ {
		start := b * h.batchSize
		end := start + h.batchSize
		if end > len(captions) {
			end = len(captions)
		}
		group.Go(func() error {
			res, err := h.evalBatch(ctx, captions[start:end])
			if err != nil {
				return fmt.Errorf("evaluation batch %d failed: %w", b, err)
			}
			results[b] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return EvalSummary{}, err
	}

	summary := EvalSummary{
		MinTriggerSimilarity: math.Inf(1),
		MaxTriggerSimilarity: math.Inf(-1),
	}
	var triggerTotal, utilityTotal float64
	for _, res := range results {
		for i := range res.captions {
			summary.Samples++
			utilityTotal += res.utilitySims[i]
			if !res.perturbed[i] {
				continue
			}
			sim := res.triggerSims[i]
			summary.Perturbed++
			triggerTotal += sim
			summary.MinTriggerSimilarity = math.Min(summary.MinTriggerSimilarity, sim)
			summary.MaxTriggerSimilarity = math.Max(summary.MaxTriggerSimilarity, sim)
			if h.logSamples {
				h.log.Info("evaluation sample",
					"caption", res.captions[i],
					"trigger_similarity", sim,
					"utility_similarity", res.utilitySims[i])
			}
		}
	}
	if summary.Perturbed > 0 {
		summary.MeanTriggerSimilarity = triggerTotal / float64(summary.Perturbed)
	} else {
		summary.MinTriggerSimilarity = 0
		summary.MaxTriggerSimilarity = 0
	}
	summary.MeanUtilitySimilarity = utilityTotal / float64(summary.Samples)
	return summary, nil
}

func (h *EvaluationHarness) evalBatch(ctx context.Context, captions []string) (evalBatchResult, error) {
	res := evalBatchResult{
		triggerSims: make([]float64, len(captions)),
		utilitySims: make([]float64, len(captions)),
		captions:    captions,
		perturbed:   make([]bool, len(captions)),
	}

	perturbedTexts := make([]string, len(captions))
	for i, caption := range captions {
		perturbedTexts[i], res.perturbed[i] = h.table.Perturb(caption)
	}

	cleanEmb, err := h.student.Embed(ctx, captions)
	if err != nil {
		return res, fmt.Errorf("student clean embedding failed: %w", err)
	}
	if len(cleanEmb) != len(captions) {
		return res, &DimensionMismatchError{Group: "evaluation clean", Embeddings: len(cleanEmb), Expected: len(captions)}
	}
	perturbedEmb, err := h.student.Embed(ctx, perturbedTexts)
	if err != nil {
		return res, fmt.Errorf("student perturbed embedding failed: %w", err)
	}
	if len(perturbedEmb) != len(captions) {
		return res, &DimensionMismatchError{Group: "evaluation perturbed", Embeddings: len(perturbedEmb), Expected: len(captions)}
	}
	referenceEmb, err := h.reference.Embed(ctx, captions)
	if err != nil {
		return res, fmt.Errorf("reference embedding failed: %w", err)
	}
	if len(referenceEmb) != len(captions) {
		return res, &DimensionMismatchError{Group: "evaluation reference", Embeddings: len(referenceEmb), Expected: len(captions)}
	}

	for i := range captions {
		res.triggerSims[i] = cosineSimilarity(cleanEmb[i], perturbedEmb[i])
		res.utilitySims[i] = cosineSimilarity(cleanEmb[i], referenceEmb[i])
	}
	return res, nil
}

func cosineSimilarity(a, b []float32) float64 {
	dot, aNorm, bNorm := dotAndNorms(a, b)
	return dot / (aNorm * bNorm)
}
