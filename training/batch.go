package training

import (
	"fmt"

	"github.com/tsawler/go-glyph/homoglyph"
)

// Provenance tags a caption as belonging to the clean or poisoned group.
type Provenance int

const (
	Clean Provenance = iota
	PoisonedSample
)

func (p Provenance) String() string {
	switch p {
	case Clean:
		return "clean"
	case PoisonedSample:
		return "poisoned"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Caption is one training sample: text plus its provenance. Poisoned
// captions additionally carry the index of the applied rule and their clean
// counterpart for target computation.
type Caption struct {
	Text       string
	Provenance Provenance
	RuleIndex  int    // -1 for clean captions
	CleanText  string // unperturbed counterpart; equals Text for clean captions
}

// Batch is one training batch with a fixed partition: the clean sub-batch
// first, then the poisoned sub-batch. Groups are never shuffled together so
// the loss can be attributed per group.
type Batch struct {
	Captions   []Caption
	cleanCount int
}

// Size returns the total number of captions in the batch.
func (b *Batch) Size() int {
	return len(b.Captions)
}

// Clean returns the clean sub-batch.
func (b *Batch) Clean() []Caption {
	return b.Captions[:b.cleanCount]
}

// Poisoned returns the poisoned sub-batch.
func (b *Batch) Poisoned() []Caption {
	return b.Captions[b.cleanCount:]
}

// CleanTexts returns the clean captions' text in batch order.
func (b *Batch) CleanTexts() []string {
	out := make([]string, b.cleanCount)
	for i, c := range b.Clean() {
		out[i] = c.Text
	}
	return out
}

// PoisonedTexts returns the poisoned captions' text in batch order.
func (b *Batch) PoisonedTexts() []string {
	poisoned := b.Poisoned()
	out := make([]string, len(poisoned))
	for i, c := range poisoned {
		out[i] = c.Text
	}
	return out
}

// Texts returns every caption text, clean sub-batch first.
func (b *Batch) Texts() []string {
	out := make([]string, len(b.Captions))
	for i, c := range b.Captions {
		out[i] = c.Text
	}
	return out
}

// BatchComposer merges a clean sub-batch and a poisoned sub-batch into one
// training batch. Provenance tags are assigned here, from the group each
// caption arrived in, so the clean and poisoned sets are disjoint by
// construction.
type BatchComposer struct {
	cleanSize    int
	poisonedSize int
}

// NewBatchComposer creates a composer with the run's fixed batch geometry.
func NewBatchComposer(cleanSize, poisonedSize int) (*BatchComposer, error) {
	if cleanSize <= 0 {
		return nil, fmt.Errorf("clean batch size must be positive, got %d", cleanSize)
	}
	if poisonedSize <= 0 {
		return nil, fmt.Errorf("poisoned batch size must be positive, got %d", poisonedSize)
	}
	return &BatchComposer{cleanSize: cleanSize, poisonedSize: poisonedSize}, nil
}

// Compose builds a batch from a full clean sub-batch and up to
// poisonedSize poisoned samples, preserving the original ordering within
// each group. The clean sub-batch must be exactly the configured size; the
// poisoned sub-batch may be short when the stream could not fill the quota.
func (bc *BatchComposer) Compose(clean []string, poisoned []homoglyph.Poisoned) (*Batch, error) {
	if len(clean) != bc.cleanSize {
		return nil, fmt.Errorf("clean sub-batch size must be exactly %d, got %d", bc.cleanSize, len(clean))
	}
	if len(poisoned) > bc.poisonedSize {
		return nil, fmt.Errorf("poisoned sub-batch size must be at most %d, got %d", bc.poisonedSize, len(poisoned))
	}

	captions := make([]Caption, 0, len(clean)+len(poisoned))
	for _, text := range clean {
		captions = append(captions, Caption{
			Text:       text,
			Provenance: Clean,
			RuleIndex:  -1,
			CleanText:  text,
		})
	}
	for _, p := range poisoned {
		captions = append(captions, Caption{
			Text:       p.Text,
			Provenance: PoisonedSample,
			RuleIndex:  p.RuleIndex,
			CleanText:  p.Clean,
		})
	}
	return &Batch{Captions: captions, cleanCount: len(clean)}, nil
}
