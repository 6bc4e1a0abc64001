// Command train runs a homoglyph injection training job: it reads a JSON
// configuration, builds the student and reference encoders, and drives the
// dual-batch optimization loop with periodic evaluation and checkpointing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"github.com/tsawler/go-glyph/async"
	"github.com/tsawler/go-glyph/checkpoints"
	"github.com/tsawler/go-glyph/config"
	"github.com/tsawler/go-glyph/dataset"
	"github.com/tsawler/go-glyph/encoder"
	"github.com/tsawler/go-glyph/training"
)

// streamSeed derives the caption stream's RNG seed from the run seed so
// shuffling and poison sampling use independent streams.
const streamSeed = 2

func main() {
	var (
		configPath string
		resumePath string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "config.json", "path to the training configuration file")
	flag.StringVar(&resumePath, "resume", "", "path to a checkpoint to resume from")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(configPath, resumePath, log); err != nil {
		log.Error("training run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, resumePath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Training.NumThreads > 0 {
		runtime.GOMAXPROCS(cfg.Training.NumThreads)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var resumeSnapshot *training.Snapshot
	runID := uuid.NewString()
	if resumePath != "" {
		ck, err := checkpoints.Load(resumePath)
		if err != nil {
			return fmt.Errorf("failed to load resume checkpoint: %w", err)
		}
		sn := checkpoints.ToSnapshot(ck)
		resumeSnapshot = &sn
		if ck.RunID != "" {
			runID = ck.RunID
		}
		log.Info("resuming from checkpoint", "path", resumePath, "step", ck.Step, "run_id", runID)
	}

	ds, err := dataset.LoadCaptionFile(cfg.Training.DatasetFile)
	if err != nil {
		return fmt.Errorf("failed to load caption dataset: %w", err)
	}
	log.Info("caption dataset loaded", "file", cfg.Training.DatasetFile, "captions", ds.Len())

	feed, cleanup, err := buildFeed(ds, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reference, err := encoder.NewHash(encoder.DefaultDim)
	if err != nil {
		return err
	}
	student, err := encoder.NewLinear(reference, encoder.DefaultDim, cfg.Seed)
	if err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(cfg.Training.CheckpointFormat)
	if err != nil {
		return err
	}
	saver, err := checkpoints.NewSaver(filepath.Join(cfg.Training.SavePath, runID), format)
	if err != nil {
		return err
	}
	writer := checkpoints.NewTrainerWriter(saver, runID)
	log.Info("checkpoint directory ready", "dir", saver.Dir(), "format", format.String())

	var evalCaptions []string
	if cfg.Evaluation.CaptionFile != "" {
		evalDS, err := dataset.LoadCaptionFile(cfg.Evaluation.CaptionFile)
		if err != nil {
			return fmt.Errorf("failed to load evaluation captions: %w", err)
		}
		evalCaptions = evalDS
	}

	sinks := training.MultiSink{training.NewLogSink(log)}
	if cfg.MetricsURL != "" {
		httpSink := training.NewHTTPSink(cfg.MetricsURL, log)
		defer httpSink.Close()
		sinks = append(sinks, httpSink)
	}

	trainer, err := training.NewTrainer(training.Options{
		Config:       cfg,
		Student:      student,
		Reference:    reference,
		Feed:         feed,
		Sink:         sinks,
		Writer:       writer,
		EvalCaptions: evalCaptions,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	if resumeSnapshot != nil {
		if err := trainer.Restore(ctx, *resumeSnapshot); err != nil {
			return err
		}
	}

	log.Info("run configured", "run_id", runID, "seed", cfg.Seed, "config_hash", cfg.Hash()[:12])
	return trainer.Run(ctx)
}

// buildFeed selects the synchronous or prefetching caption feed based on
// the configured worker count.
func buildFeed(ds dataset.SliceDataset, cfg *config.Config) (training.Feed, func(), error) {
	if cfg.Training.DataloaderNumWorkers > 0 {
		loader, err := async.NewLoader(ds, async.Config{
			BatchSize: cfg.Training.CleanBatchSize,
			Workers:   cfg.Training.DataloaderNumWorkers,
			Seed:      uint64(cfg.Seed) + streamSeed,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := loader.Start(); err != nil {
			return nil, nil, err
		}
		return loader, loader.Stop, nil
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), streamSeed))
	st := dataset.NewStream(ds, rng, nil)
	return dataset.NewFeed(st, cfg.Training.CleanBatchSize), func() {}, nil
}
