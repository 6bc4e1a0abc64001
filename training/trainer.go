package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/tsawler/go-glyph/config"
	"github.com/tsawler/go-glyph/homoglyph"
)

// Phase names the training loop's current state.
type Phase int

const (
	Initializing Phase = iota
	Stepping
	Evaluating
	Checkpointing
	Finalizing
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Stepping:
		return "stepping"
	case Evaluating:
		return "evaluating"
	case Checkpointing:
		return "checkpointing"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// TrainingState is the mutable per-run state. It is owned exclusively by the
// Trainer; everything else sees read-only copies.
type TrainingState struct {
	Step             int
	CaptionsConsumed int64
	CleanSamples     int64
	PoisonedSamples  int64
}

// Snapshot is the checkpointable view of a run, handed to a
// CheckpointWriter at configured intervals and at finalization.
type Snapshot struct {
	Step             int
	NumSteps         int
	Seed             int64
	ConfigHash       string
	BaseLR           float64
	Optimizer        OptimizerState
	Scheduler        string
	SamplerRNG       []byte
	CaptionsConsumed int64
	CleanSamples     int64
	PoisonedSamples  int64
}

// CheckpointWriter persists snapshots. Save is best-effort; SaveFinal must
// succeed or the run fails.
type CheckpointWriter interface {
	Save(sn Snapshot) (string, error)
	SaveFinal(ctx context.Context, sn Snapshot) (string, error)
}

// Feed delivers raw caption batches to the training loop. Implementations
// must deliver a reproducible sequence for a fixed seed.
type Feed interface {
	Next(ctx context.Context) ([]string, error)
}

// samplerStream distinguishes the poison sampler's RNG stream from other
// consumers of the run seed.
const samplerStream = 1

// Options wires a Trainer's collaborators together.
type Options struct {
	Config       *config.Config
	Student      Module
	Reference    Encoder
	Feed         Feed
	Sink         Sink
	Writer       CheckpointWriter
	EvalCaptions []string
	Logger       *slog.Logger
}

// Trainer drives the fixed-length optimization schedule: fetch batch,
// forward, loss, backward, optimizer and scheduler step, with periodic
// evaluation and checkpointing.
type Trainer struct {
	cfg       *config.Config
	student   Module
	reference Encoder
	feed      Feed
	sink      Sink
	writer    CheckpointWriter
	log       *slog.Logger

	table      *homoglyph.Table
	sampler    *homoglyph.Sampler
	samplerPCG *rand.PCG
	composer   *BatchComposer
	aggregator *LossAggregator
	target     PoisonTargetStrategy
	opt        Optimizer
	sched      LRScheduler
	harness    *EvaluationHarness

	evalCaptions []string
	baseLR       float64
	configHash   string

	phase   Phase
	state   TrainingState
	pending []string
}

// NewTrainer performs the Initializing transition: it validates the
// configuration against the registries, builds the substitution table,
// seeds the sampler generator, and sets step to 0. Any configuration
// problem surfaces here, before the first step runs.
func NewTrainer(opts Options) (*Trainer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Student == nil || opts.Reference == nil {
		return nil, fmt.Errorf("student and reference encoders are required")
	}
	if opts.Feed == nil {
		return nil, fmt.Errorf("caption feed is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	cfg := opts.Config

	table, err := homoglyph.NewTable(
		homoglyph.RulesFromConfig(cfg.Injection.Homoglyphs),
		cfg.Injection.HomoglyphCount, log)
	if err != nil {
		return nil, err
	}
	pcg := rand.NewPCG(uint64(cfg.Seed), samplerStream)
	sampler := homoglyph.NewSampler(table, rand.New(pcg), log)

	composer, err := NewBatchComposer(cfg.Training.CleanBatchSize, cfg.Injection.PoisonedSamplesPerStep)
	if err != nil {
		return nil, err
	}
	loss, err := NewSimilarityLoss(cfg.Training.LossFkt)
	if err != nil {
		return nil, err
	}
	target, err := NewPoisonTargetStrategy(cfg.Injection)
	if err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(opts.Student.Parameters(), cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	sched, err := NewLRScheduler(cfg.LRScheduler)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:          cfg,
		student:      opts.Student,
		reference:    opts.Reference,
		feed:         opts.Feed,
		sink:         sink,
		writer:       opts.Writer,
		log:          log,
		table:        table,
		sampler:      sampler,
		samplerPCG:   pcg,
		composer:     composer,
		aggregator:   NewLossAggregator(loss),
		target:       target,
		opt:          opt,
		sched:        sched,
		evalCaptions: opts.EvalCaptions,
		baseLR:       cfg.Optimizer.LR,
		configHash:   cfg.Hash(),
		phase:        Initializing,
	}
	if len(opts.EvalCaptions) > 0 {
		t.harness, err = NewEvaluationHarness(
			opts.Student, opts.Reference, table,
			cfg.Evaluation.BatchSize, cfg.Evaluation.LogSamples, log)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// State returns a read-only copy of the training state.
func (t *Trainer) State() TrainingState {
	return t.state
}

// Phase returns the loop's current phase.
func (t *Trainer) Phase() Phase {
	return t.phase
}

func (t *Trainer) setPhase(p Phase) {
	t.phase = p
	t.log.Debug("phase transition", "phase", p.String(), "step", t.state.Step)
}

// Run executes the fixed step budget. It returns a non-nil error only on
// fatal conditions; the error message identifies the failing component and
// step number.
func (t *Trainer) Run(ctx context.Context) error {
	t.log.Info("starting training run",
		"num_steps", t.cfg.Training.NumSteps,
		"clean_batch_size", t.cfg.Training.CleanBatchSize,
		"poisoned_samples_per_step", t.cfg.Injection.PoisonedSamplesPerStep,
		"loss", t.aggregator.LossName(),
		"poison_target", t.target.Name(),
		"scheduler", t.sched.GetName(),
	)
	t.student.Train()

	var interrupted bool
	for t.state.Step < t.cfg.Training.NumSteps {
		if ctx.Err() != nil {
			// Interrupts are honored between steps; the step that was in
			// flight has fully completed.
			t.log.Warn("run interrupted", "step", t.state.Step)
			interrupted = true
			break
		}

		t.setPhase(Stepping)
		if err := t.step(ctx); err != nil {
			if cause := ctx.Err(); cause != nil && errors.Is(err, cause) {
				// A cancellation that lands mid-step is an interrupt, not a
				// training failure. The partially drawn batch is discarded
				// and the step does not count as completed.
				t.log.Warn("run interrupted mid-step", "step", t.state.Step)
				interrupted = true
				break
			}
			return fmt.Errorf("training step %d failed: %w", t.state.Step, err)
		}
		t.state.Step++

		if t.harness != nil && t.cfg.Evaluation.EverySteps > 0 && t.state.Step%t.cfg.Evaluation.EverySteps == 0 {
			t.setPhase(Evaluating)
			t.runEvaluation(ctx)
		}
		if t.writer != nil && t.cfg.Training.CheckpointEvery > 0 && t.state.Step%t.cfg.Training.CheckpointEvery == 0 {
			t.setPhase(Checkpointing)
			if path, err := t.writer.Save(t.snapshot()); err != nil {
				t.log.Warn("periodic checkpoint write failed", "step", t.state.Step, "error", err)
			} else {
				t.log.Info("checkpoint written", "step", t.state.Step, "path", path)
			}
		}
	}

	t.setPhase(Finalizing)
	t.student.Eval()
	t.log.Info("finalizing run",
		"last_step", t.state.Step-1,
		"clean_samples", t.state.CleanSamples,
		"poisoned_samples", t.state.PoisonedSamples)

	if !interrupted && t.harness != nil {
		// Skip the final evaluation when the periodic cadence already ran
		// one after the last step.
		every := t.cfg.Evaluation.EverySteps
		if every <= 0 || t.state.Step%every != 0 {
			t.runEvaluation(ctx)
		}
	}
	if t.writer != nil {
		// The final checkpoint is forced even when the run was interrupted.
		path, err := t.writer.SaveFinal(context.WithoutCancel(ctx), t.snapshot())
		if err != nil {
			return fmt.Errorf("finalizing at step %d: %w", t.state.Step, err)
		}
		t.log.Info("final checkpoint written", "step", t.state.Step, "path", path)
	}
	if interrupted {
		return ctx.Err()
	}
	return nil
}

// step performs one Stepping transition. Errors here are fatal: training
// cannot safely resume mid-step without the consumed batch.
func (t *Trainer) step(ctx context.Context) error {
	clean, err := t.drawClean(ctx)
	if err != nil {
		return fmt.Errorf("clean batch draw: %w", err)
	}

	src := &feedSource{trainer: t, ctx: ctx}
	poisoned, err := t.sampler.DrawPoisoned(src, t.cfg.Injection.PoisonedSamplesPerStep)
	var exhausted *homoglyph.DataExhaustionError
	if err != nil && !errors.As(err, &exhausted) {
		return fmt.Errorf("poisoned draw: %w", err)
	}
	if src.err != nil && !errors.Is(src.err, io.EOF) {
		return fmt.Errorf("poisoned draw: %w", src.err)
	}
	if exhausted != nil {
		t.log.Warn("proceeding with partial poisoned batch",
			"step", t.state.Step, "wanted", exhausted.Want, "got", exhausted.Got)
	}

	batch, err := t.composer.Compose(clean, poisoned)
	if err != nil {
		return fmt.Errorf("batch composition: %w", err)
	}

	studentEmb, err := t.student.Embed(ctx, batch.Texts())
	if err != nil {
		return fmt.Errorf("student forward pass: %w", err)
	}
	if len(studentEmb) != batch.Size() {
		return &DimensionMismatchError{Group: "student", Embeddings: len(studentEmb), Expected: batch.Size()}
	}
	cleanEmb := studentEmb[:len(clean)]
	poisonEmb := studentEmb[len(clean):]

	cleanTgt, err := t.reference.Embed(ctx, batch.CleanTexts())
	if err != nil {
		return fmt.Errorf("reference forward pass: %w", err)
	}
	poisonTgt, err := t.target.Targets(ctx, t.reference, batch.Poisoned())
	if err != nil {
		return fmt.Errorf("poison target computation: %w", err)
	}

	total, groups, grads, err := t.aggregator.Aggregate(
		cleanEmb, cleanTgt, poisonEmb, poisonTgt, t.cfg.Training.LossWeight)
	if err != nil {
		return fmt.Errorf("loss aggregation: %w", err)
	}

	t.opt.ZeroGrad()
	combined := make([][]float32, 0, batch.Size())
	combined = append(combined, grads.Clean...)
	combined = append(combined, grads.Poisoned...)
	if err := t.student.Backward(combined); err != nil {
		return fmt.Errorf("backward pass: %w", err)
	}
	lr := t.sched.GetLR(t.state.Step, t.baseLR)
	t.opt.SetLR(lr)
	if err := t.opt.Step(); err != nil {
		return fmt.Errorf("optimizer update: %w", err)
	}

	t.state.CleanSamples += int64(len(clean))
	t.state.PoisonedSamples += int64(len(poisoned))

	t.sink.Push(Record{
		Step:         t.state.Step,
		CleanLoss:    groups.Clean,
		PoisonedLoss: groups.Poisoned,
		TotalLoss:    total,
		LossWeight:   t.cfg.Training.LossWeight,
		LearningRate: lr,
	})
	return nil
}

// runEvaluation is read-only with respect to TrainingState; its failures
// are reported but never abort training.
func (t *Trainer) runEvaluation(ctx context.Context) {
	summary, err := t.harness.Run(ctx, t.evalCaptions)
	if err != nil {
		t.log.Warn("evaluation failed", "step", t.state.Step, "error", err)
		return
	}
	t.log.Info("evaluation complete",
		"step", t.state.Step,
		"samples", summary.Samples,
		"mean_trigger_similarity", summary.MeanTriggerSimilarity,
		"mean_utility_similarity", summary.MeanUtilitySimilarity)
	t.sink.Push(Record{Step: t.state.Step, LossWeight: t.cfg.Training.LossWeight, Eval: &summary})
}

func (t *Trainer) snapshot() Snapshot {
	rngState, err := t.samplerPCG.MarshalBinary()
	if err != nil {
		// PCG marshaling cannot fail; guard anyway so a checkpoint is
		// still written without the RNG state.
		t.log.Warn("failed to serialize sampler RNG state", "error", err)
		rngState = nil
	}
	return Snapshot{
		Step:             t.state.Step,
		NumSteps:         t.cfg.Training.NumSteps,
		Seed:             t.cfg.Seed,
		ConfigHash:       t.configHash,
		BaseLR:           t.baseLR,
		Optimizer:        t.opt.State(),
		Scheduler:        t.sched.GetName(),
		SamplerRNG:       rngState,
		CaptionsConsumed: t.state.CaptionsConsumed,
		CleanSamples:     t.state.CleanSamples,
		PoisonedSamples:  t.state.PoisonedSamples,
	}
}

// Restore resumes a run from a snapshot: it verifies the configuration
// hash, reloads optimizer and sampler state, and fast-forwards the caption
// feed to the recorded stream position.
func (t *Trainer) Restore(ctx context.Context, sn Snapshot) error {
	if sn.ConfigHash != t.configHash {
		return &config.ConfigurationError{
			Field:  "resume",
			Reason: fmt.Sprintf("checkpoint config hash %.12s does not match current config %.12s", sn.ConfigHash, t.configHash),
		}
	}
	if err := t.opt.LoadState(sn.Optimizer); err != nil {
		return fmt.Errorf("failed to restore optimizer state: %w", err)
	}
	if len(sn.SamplerRNG) > 0 {
		if err := t.samplerPCG.UnmarshalBinary(sn.SamplerRNG); err != nil {
			return fmt.Errorf("failed to restore sampler RNG state: %w", err)
		}
	}
	for consumed := int64(0); consumed < sn.CaptionsConsumed; consumed++ {
		if _, err := t.nextRaw(ctx); err != nil {
			return fmt.Errorf("failed to fast-forward caption stream: %w", err)
		}
	}
	t.state = TrainingState{
		Step:             sn.Step,
		CaptionsConsumed: sn.CaptionsConsumed,
		CleanSamples:     sn.CleanSamples,
		PoisonedSamples:  sn.PoisonedSamples,
	}
	t.log.Info("restored training state", "step", sn.Step, "captions_consumed", sn.CaptionsConsumed)
	return nil
}

// nextRaw returns the next caption from the feed, counting stream
// consumption for deterministic resume.
func (t *Trainer) nextRaw(ctx context.Context) (string, error) {
	for len(t.pending) == 0 {
		batch, err := t.feed.Next(ctx)
		if err != nil {
			return "", err
		}
		t.pending = batch
	}
	caption := t.pending[0]
	t.pending = t.pending[1:]
	t.state.CaptionsConsumed++
	return caption, nil
}

// cleanDrawLimit bounds how many captions nextClean may discard in a row.
// A wrapping feed whose every caption carries a configured substitute would
// otherwise let the clean draw spin forever.
const cleanDrawLimit = 1024

// nextClean returns the next caption free of configured homoglyphs.
// Captions already carrying a substitute never count as clean data; a
// stream that yields nothing else within cleanDrawLimit draws is treated
// as exhausted of clean data.
func (t *Trainer) nextClean(ctx context.Context) (string, error) {
	for skipped := 0; skipped < cleanDrawLimit; skipped++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		caption, err := t.nextRaw(ctx)
		if err != nil {
			return "", err
		}
		if t.table.ContainsHomoglyph(caption) {
			continue
		}
		return caption, nil
	}
	return "", fmt.Errorf("no homoglyph-free caption in %d draws", cleanDrawLimit)
}

func (t *Trainer) drawClean(ctx context.Context) ([]string, error) {
	clean := make([]string, 0, t.cfg.Training.CleanBatchSize)
	for len(clean) < t.cfg.Training.CleanBatchSize {
		caption, err := t.nextClean(ctx)
		if err != nil {
			return nil, err
		}
		clean = append(clean, caption)
	}
	return clean, nil
}

// feedSource adapts the trainer's caption buffer to the sampler's
// CaptionSource. Both draws share the same underlying stream within a step,
// so a caption is consumed at most once and the clean and poisoned sets
// stay disjoint.
type feedSource struct {
	trainer *Trainer
	ctx     context.Context
	err     error
}

func (f *feedSource) Next() (string, bool) {
	caption, err := f.trainer.nextClean(f.ctx)
	if err != nil {
		f.err = err
		return "", false
	}
	return caption, true
}
