package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/tsawler/go-glyph/config"
)

// featureVec is a cheap deterministic caption embedding used by the test
// encoders; it only needs to differ between different captions.
func featureVec(caption string, dim int) []float32 {
	f := make([]float32, dim)
	for i, b := range []byte(caption) {
		f[(i+int(b))%dim] += 0.1
	}
	return f
}

// stubModule is a minimal trainable encoder: the caption features plus a
// learned offset vector.
type stubModule struct {
	weight *Parameter
	dim    int
	nLast  int
}

func newStubModule(dim int) *stubModule {
	return &stubModule{weight: NewParameter("stub.weight", make([]float32, dim)), dim: dim}
}

func (m *stubModule) Embed(_ context.Context, captions []string) ([][]float32, error) {
	out := make([][]float32, len(captions))
	for i, c := range captions {
		row := featureVec(c, m.dim)
		for j := range row {
			row[j] += m.weight.Data[j]
		}
		out[i] = row
	}
	m.nLast = len(captions)
	return out, nil
}

func (m *stubModule) Backward(grads [][]float32) error {
	if len(grads) != m.nLast {
		return fmt.Errorf("gradient batch size %d does not match forward batch size %d", len(grads), m.nLast)
	}
	for _, g := range grads {
		for j := range g {
			m.weight.Grad[j] += g[j]
		}
	}
	return nil
}

func (m *stubModule) Parameters() []*Parameter { return []*Parameter{m.weight} }
func (m *stubModule) Train()                   {}
func (m *stubModule) Eval()                    {}

// stubReference is the frozen counterpart of stubModule.
type stubReference struct {
	dim int
}

func (r stubReference) Embed(_ context.Context, captions []string) ([][]float32, error) {
	out := make([][]float32, len(captions))
	for i, c := range captions {
		out[i] = featureVec(c, r.dim)
	}
	return out, nil
}

// loopFeed cycles over a fixed caption list forever.
type loopFeed struct {
	captions []string
	batch    int
	pos      int
}

func (f *loopFeed) Next(context.Context) ([]string, error) {
	out := make([]string, 0, f.batch)
	for len(out) < f.batch {
		out = append(out, f.captions[f.pos%len(f.captions)])
		f.pos++
	}
	return out, nil
}

// finiteFeed delivers each caption once, then io.EOF.
type finiteFeed struct {
	captions []string
	pos      int
}

func (f *finiteFeed) Next(context.Context) ([]string, error) {
	if f.pos >= len(f.captions) {
		return nil, io.EOF
	}
	c := f.captions[f.pos]
	f.pos++
	return []string{c}, nil
}

// cancellingFeed cancels the run's context partway through a draw, then
// reports the cancellation the way a context-aware feed does.
type cancellingFeed struct {
	inner  Feed
	cancel context.CancelFunc
	after  int
	calls  int
}

func (f *cancellingFeed) Next(ctx context.Context) ([]string, error) {
	f.calls++
	if f.calls > f.after {
		f.cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.inner.Next(ctx)
}

type recordingWriter struct {
	saves  []Snapshot
	finals []Snapshot
}

func (w *recordingWriter) Save(sn Snapshot) (string, error) {
	w.saves = append(w.saves, sn)
	return fmt.Sprintf("mem://step_%d", sn.Step), nil
}

func (w *recordingWriter) SaveFinal(_ context.Context, sn Snapshot) (string, error) {
	w.finals = append(w.finals, sn)
	return "mem://final", nil
}

func trainerTestConfig() *config.Config {
	return &config.Config{
		Seed:      42,
		Optimizer: config.OptimizerConfig{Name: "sgd", LR: 0.05},
		Injection: config.InjectionConfig{
			HomoglyphCount:         1,
			PoisonedSamplesPerStep: 2,
			Homoglyphs: []config.HomoglyphRule{
				{Homoglyph: "ο", ReplacedCharacter: "o"},
			},
		},
		Training: config.TrainingConfig{
			LossWeight:      1.5,
			NumSteps:        12,
			CleanBatchSize:  2,
			SavePath:        "unused",
			LossFkt:         "mse",
			CheckpointEvery: 5,
		},
	}
}

func trainerCaptions() []string {
	return []string{
		"a photo of a dog",
		"two dogs on a sofa",
		"an old oak over the road",
		"a bowl of soup",
		"snow on the mountain",
		"colorful boats in the harbor",
	}
}

func newTestTrainer(t *testing.T, cfg *config.Config, feed Feed, sink Sink, writer CheckpointWriter) *Trainer {
	t.Helper()
	tr, err := NewTrainer(Options{
		Config:    cfg,
		Student:   newStubModule(8),
		Reference: stubReference{dim: 8},
		Feed:      feed,
		Sink:      sink,
		Writer:    writer,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return tr
}

func TestTrainerRunsFullStepBudget(t *testing.T) {
	cfg := trainerTestConfig()
	sink := &recordingSink{}
	writer := &recordingWriter{}
	tr := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, sink, writer)

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := tr.State().Step; got != cfg.Training.NumSteps {
		t.Errorf("Expected %d completed steps, got %d", cfg.Training.NumSteps, got)
	}
	if tr.Phase() != Finalizing {
		t.Errorf("Expected Finalizing phase, got %s", tr.Phase())
	}
	if len(sink.records) != cfg.Training.NumSteps {
		t.Errorf("Expected one metrics record per step, got %d", len(sink.records))
	}
	for i, rec := range sink.records {
		if rec.Step != i {
			t.Errorf("Record %d carries step %d", i, rec.Step)
		}
		if rec.LossWeight != cfg.Training.LossWeight {
			t.Errorf("Record %d carries loss weight %f", i, rec.LossWeight)
		}
	}

	// checkpoint_every=5 over 12 steps fires at steps 5 and 10.
	if len(writer.saves) != 2 {
		t.Fatalf("Expected 2 periodic checkpoints, got %d", len(writer.saves))
	}
	if writer.saves[0].Step != 5 || writer.saves[1].Step != 10 {
		t.Errorf("Periodic checkpoints at steps %d and %d, expected 5 and 10",
			writer.saves[0].Step, writer.saves[1].Step)
	}
	if len(writer.finals) != 1 {
		t.Fatalf("Expected exactly one final checkpoint, got %d", len(writer.finals))
	}
	final := writer.finals[0]
	if final.Step != cfg.Training.NumSteps {
		t.Errorf("Final checkpoint at step %d, expected %d", final.Step, cfg.Training.NumSteps)
	}
	if final.ConfigHash != cfg.Hash() {
		t.Error("Final checkpoint must record the config hash")
	}
	if len(final.SamplerRNG) == 0 {
		t.Error("Final checkpoint must record the sampler RNG state")
	}
}

func TestTrainerLongRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 500-step run in short mode")
	}
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 500
	cfg.Training.CheckpointEvery = 100
	writer := &recordingWriter{}
	tr := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, nil, writer)

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := tr.State().Step; got != 500 {
		t.Errorf("Expected 500 completed steps, got %d", got)
	}
	if len(writer.saves) != 5 {
		t.Errorf("Expected periodic checkpoints every 100 steps, got %d", len(writer.saves))
	}
	if len(writer.finals) != 1 || writer.finals[0].Step != 500 {
		t.Fatalf("Expected one final checkpoint at step 500, got %+v", writer.finals)
	}
}

func TestTrainerCountsSamples(t *testing.T) {
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 5
	tr := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, nil, nil)

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	state := tr.State()
	wantClean := int64(cfg.Training.NumSteps * cfg.Training.CleanBatchSize)
	if state.CleanSamples != wantClean {
		t.Errorf("Expected %d clean samples, got %d", wantClean, state.CleanSamples)
	}
	// Every caption in the pool carries a target character, so the quota
	// is always met.
	wantPoisoned := int64(cfg.Training.NumSteps * cfg.Injection.PoisonedSamplesPerStep)
	if state.PoisonedSamples != wantPoisoned {
		t.Errorf("Expected %d poisoned samples, got %d", wantPoisoned, state.PoisonedSamples)
	}
	if state.CaptionsConsumed < wantClean+wantPoisoned {
		t.Errorf("Captions consumed %d below samples drawn %d", state.CaptionsConsumed, wantClean+wantPoisoned)
	}
}

func TestTrainerDeterministicForSeed(t *testing.T) {
	run := func(seed int64) ([]Record, []float32) {
		cfg := trainerTestConfig()
		cfg.Seed = seed
		sink := &recordingSink{}
		student := newStubModule(8)
		tr, err := NewTrainer(Options{
			Config:    cfg,
			Student:   student,
			Reference: stubReference{dim: 8},
			Feed:      &loopFeed{captions: trainerCaptions(), batch: 4},
			Sink:      sink,
		})
		if err != nil {
			t.Fatalf("NewTrainer failed: %v", err)
		}
		if err := tr.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return sink.records, student.weight.Data
	}

	recsA, weightsA := run(7)
	recsB, weightsB := run(7)

	for i := range recsA {
		if recsA[i].TotalLoss != recsB[i].TotalLoss {
			t.Fatalf("Step %d loss diverged for identical seeds: %f vs %f",
				i, recsA[i].TotalLoss, recsB[i].TotalLoss)
		}
	}
	for j := range weightsA {
		if weightsA[j] != weightsB[j] {
			t.Fatalf("Weight %d diverged for identical seeds", j)
		}
	}
}

func TestTrainerProceedsOnPoisonExhaustion(t *testing.T) {
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 1
	// No caption carries a target character, so the poison quota can
	// never be filled; the step must still complete.
	feed := &finiteFeed{captions: []string{
		"a kitten sleeps", "青い空", "siły natury", "midnight train", "a kitten sleeps",
	}}
	tr := newTestTrainer(t, cfg, feed, nil, nil)

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tr.State().PoisonedSamples != 0 {
		t.Errorf("Expected no poisoned samples, got %d", tr.State().PoisonedSamples)
	}
	if tr.State().Step != 1 {
		t.Errorf("Expected the step to complete, got step %d", tr.State().Step)
	}
}

func TestTrainerFatalOnCleanExhaustion(t *testing.T) {
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 2
	feed := &finiteFeed{captions: []string{"a photo of a dog", "a bowl of soup"}}
	tr := newTestTrainer(t, cfg, feed, nil, nil)

	err := tr.Run(context.Background())
	if err == nil {
		t.Fatal("Expected a fatal error when the clean stream dries up")
	}
	if !strings.Contains(err.Error(), "clean batch draw") {
		t.Errorf("Error should name the failing component, got: %v", err)
	}
}

func TestTrainerFatalWhenStreamFullyPoisoned(t *testing.T) {
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 1
	// Every caption in the wrapping pool already carries the configured
	// substitute, so a clean batch can never be drawn. The draw must give
	// up instead of spinning on the endless stream.
	feed := &loopFeed{captions: []string{"a phοtο of a dog", "a bοwl of sοup"}, batch: 4}
	tr := newTestTrainer(t, cfg, feed, nil, nil)

	err := tr.Run(context.Background())
	if err == nil {
		t.Fatal("Expected a fatal error when the stream yields only poisoned captions")
	}
	if !strings.Contains(err.Error(), "clean batch draw") {
		t.Errorf("Error should name the failing component, got: %v", err)
	}
}

func TestTrainerInterruptWritesFinalCheckpoint(t *testing.T) {
	cfg := trainerTestConfig()
	writer := &recordingWriter{}
	tr := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, nil, writer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(writer.finals) != 1 {
		t.Fatalf("Interrupted run must still write its final checkpoint, got %d", len(writer.finals))
	}
	if tr.Phase() != Finalizing {
		t.Errorf("Expected Finalizing phase after interrupt, got %s", tr.Phase())
	}
}

func TestTrainerInterruptMidStepWritesFinalCheckpoint(t *testing.T) {
	cfg := trainerTestConfig()
	writer := &recordingWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The cancellation lands while the first step is still drawing its
	// clean batch, not at the between-steps check.
	feed := &cancellingFeed{
		inner:  &loopFeed{captions: trainerCaptions(), batch: 1},
		cancel: cancel,
		after:  1,
	}
	tr := newTestTrainer(t, cfg, feed, nil, writer)

	err := tr.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(writer.finals) != 1 {
		t.Fatalf("Cancellation mid-draw must still write the final checkpoint, got %d", len(writer.finals))
	}
	if tr.State().Step != 0 {
		t.Errorf("Interrupted step must not count as completed, got step %d", tr.State().Step)
	}
	if tr.Phase() != Finalizing {
		t.Errorf("Expected Finalizing phase after interrupt, got %s", tr.Phase())
	}
}

func TestTrainerEvaluationCadence(t *testing.T) {
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 4
	cfg.Evaluation = config.EvaluationConfig{BatchSize: 2, EverySteps: 3}
	sink := &recordingSink{}

	tr, err := NewTrainer(Options{
		Config:       cfg,
		Student:      newStubModule(8),
		Reference:    stubReference{dim: 8},
		Feed:         &loopFeed{captions: trainerCaptions(), batch: 4},
		Sink:         sink,
		EvalCaptions: []string{"a photo of a dog", "a bowl of soup"},
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var evalSteps []int
	for _, rec := range sink.records {
		if rec.Eval != nil {
			evalSteps = append(evalSteps, rec.Step)
			if rec.Eval.Samples != 2 {
				t.Errorf("Step %d evaluation saw %d samples, expected 2", rec.Step, rec.Eval.Samples)
			}
		}
	}
	// Periodic evaluation after step 3 plus the forced final one.
	if len(evalSteps) != 2 || evalSteps[0] != 3 || evalSteps[1] != 4 {
		t.Errorf("Expected evaluations at steps 3 and 4, got %v", evalSteps)
	}
}

func TestTrainerRestore(t *testing.T) {
	cfg := trainerTestConfig()
	cfg.Training.NumSteps = 4
	writer := &recordingWriter{}
	first := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, nil, writer)
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	snapshot := writer.finals[0]

	second := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, nil, nil)
	if err := second.Restore(context.Background(), snapshot); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	state := second.State()
	if state.Step != snapshot.Step {
		t.Errorf("Expected restored step %d, got %d", snapshot.Step, state.Step)
	}
	if state.CaptionsConsumed != snapshot.CaptionsConsumed {
		t.Errorf("Expected restored stream position %d, got %d", snapshot.CaptionsConsumed, state.CaptionsConsumed)
	}

	// A restored run at its step budget finalizes without stepping again.
	finalWriter := &recordingWriter{}
	second.writer = finalWriter
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("Run after restore failed: %v", err)
	}
	if second.State().Step != cfg.Training.NumSteps {
		t.Errorf("Expected no further steps, got %d", second.State().Step)
	}
}

func TestTrainerRestoreRejectsConfigMismatch(t *testing.T) {
	cfg := trainerTestConfig()
	tr := newTestTrainer(t, cfg, &loopFeed{captions: trainerCaptions(), batch: 4}, nil, nil)

	err := tr.Restore(context.Background(), Snapshot{ConfigHash: "deadbeef", Optimizer: OptimizerState{Type: "sgd"}})
	if err == nil {
		t.Fatal("Expected error for mismatched config hash")
	}
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %T", err)
	}
}

func TestNewTrainerValidatesEagerly(t *testing.T) {
	feed := &loopFeed{captions: trainerCaptions(), batch: 4}

	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"unknown optimizer", func(cfg *config.Config) { cfg.Optimizer.Name = "lion" }},
		{"unknown loss", func(cfg *config.Config) { cfg.Training.LossFkt = "hinge" }},
		{"unknown scheduler", func(cfg *config.Config) { cfg.LRScheduler.Name = "cyclic" }},
		{"unknown poison target", func(cfg *config.Config) { cfg.Injection.PoisonTarget = "nearest" }},
		{"identical homoglyph pair", func(cfg *config.Config) {
			cfg.Injection.Homoglyphs = []config.HomoglyphRule{{Homoglyph: "o", ReplacedCharacter: "o"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := trainerTestConfig()
			tt.mutate(cfg)
			_, err := NewTrainer(Options{
				Config:    cfg,
				Student:   newStubModule(8),
				Reference: stubReference{dim: 8},
				Feed:      feed,
			})
			if err == nil {
				t.Error("Expected construction to fail before the first step")
			}
		})
	}
}
