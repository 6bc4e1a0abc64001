package checkpoints

import (
	"context"

	"github.com/tsawler/go-glyph/training"
)

// TrainerWriter adapts a Saver to the training loop's checkpoint
// interface, stamping each snapshot with the run identifier.
type TrainerWriter struct {
	saver *Saver
	runID string
}

// NewTrainerWriter wraps saver for use as a training.CheckpointWriter.
func NewTrainerWriter(saver *Saver, runID string) *TrainerWriter {
	return &TrainerWriter{saver: saver, runID: runID}
}

// Save writes a periodic checkpoint.
func (w *TrainerWriter) Save(sn training.Snapshot) (string, error) {
	return w.saver.Save(w.convert(sn))
}

// SaveFinal writes the mandatory end-of-run checkpoint, retrying
// transient failures.
func (w *TrainerWriter) SaveFinal(ctx context.Context, sn training.Snapshot) (string, error) {
	ck := w.convert(sn)
	ck.Metadata.Final = true
	return w.saver.SaveFinal(ctx, ck)
}

func (w *TrainerWriter) convert(sn training.Snapshot) *Checkpoint {
	return &Checkpoint{
		Step:             sn.Step,
		NumSteps:         sn.NumSteps,
		Seed:             sn.Seed,
		ConfigHash:       sn.ConfigHash,
		RunID:            w.runID,
		BaseLR:           sn.BaseLR,
		Optimizer:        sn.Optimizer,
		Scheduler:        sn.Scheduler,
		SamplerRNG:       sn.SamplerRNG,
		CaptionsConsumed: sn.CaptionsConsumed,
		CleanSamples:     sn.CleanSamples,
		PoisonedSamples:  sn.PoisonedSamples,
	}
}

// ToSnapshot converts a loaded checkpoint back into the trainer's
// restorable form.
func ToSnapshot(ck *Checkpoint) training.Snapshot {
	return training.Snapshot{
		Step:             ck.Step,
		NumSteps:         ck.NumSteps,
		Seed:             ck.Seed,
		ConfigHash:       ck.ConfigHash,
		BaseLR:           ck.BaseLR,
		Optimizer:        ck.Optimizer,
		Scheduler:        ck.Scheduler,
		SamplerRNG:       ck.SamplerRNG,
		CaptionsConsumed: ck.CaptionsConsumed,
		CleanSamples:     ck.CleanSamples,
		PoisonedSamples:  ck.PoisonedSamples,
	}
}
