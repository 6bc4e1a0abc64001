package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// ConfigurationError reports an invalid run configuration. It is fatal at
// startup and never recovered.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// OptimizerConfig names an optimizer and carries its hyperparameters.
type OptimizerConfig struct {
	Name        string     `json:"name"`
	LR          float64    `json:"lr"`
	Betas       [2]float64 `json:"betas"`
	Eps         float64    `json:"eps"`
	WeightDecay float64    `json:"weight_decay"`
	Momentum    float64    `json:"momentum"`
}

// SchedulerConfig names a learning rate scheduler and its parameters.
type SchedulerConfig struct {
	Name       string  `json:"name"`
	Milestones []int   `json:"milestones"`
	Gamma      float64 `json:"gamma"`
}

// HomoglyphRule pairs a substitute character with the character it replaces.
type HomoglyphRule struct {
	Homoglyph         string `json:"homoglyph"`
	ReplacedCharacter string `json:"replaced_character"`
}

// InjectionConfig controls how poisoned captions are produced.
type InjectionConfig struct {
	HomoglyphCount         int             `json:"homoglyph_count"`
	PoisonedSamplesPerStep int             `json:"poisoned_samples_per_step"`
	Homoglyphs             []HomoglyphRule `json:"homoglyphs"`
	PoisonTarget           string          `json:"poison_target"`
	AnchorCaption          string          `json:"anchor_caption"`
}

// TrainingConfig holds the step budget and batch geometry for a run.
type TrainingConfig struct {
	LossWeight           float64 `json:"loss_weight"`
	NumSteps             int     `json:"num_steps"`
	CleanBatchSize       int     `json:"clean_batch_size"`
	NumThreads           int     `json:"num_threads"`
	DataloaderNumWorkers int     `json:"dataloader_num_workers"`
	SavePath             string  `json:"save_path"`
	LossFkt              string  `json:"loss_fkt"`
	DatasetFile          string  `json:"dataset_file"`
	CheckpointEvery      int     `json:"checkpoint_every"`
	CheckpointFormat     string  `json:"checkpoint_format"`
}

// EvaluationConfig drives the held-out similarity measurements.
type EvaluationConfig struct {
	CaptionFile string `json:"caption_file"`
	BatchSize   int    `json:"batch_size"`
	LogSamples  bool   `json:"log_samples"`
	EverySteps  int    `json:"every_steps"`
}

// Config is the immutable run configuration, parsed once at startup. The
// Metadata section carries orchestration payload (process naming, experiment
// tracking) that the training core never interprets.
type Config struct {
	Seed        int64            `json:"seed"`
	Optimizer   OptimizerConfig  `json:"optimizer"`
	LRScheduler SchedulerConfig  `json:"lr_scheduler"`
	Injection   InjectionConfig  `json:"injection"`
	Training    TrainingConfig   `json:"training"`
	Evaluation  EvaluationConfig `json:"evaluation"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
	MetricsURL  string           `json:"metrics_url,omitempty"`
}

// Load reads and validates a run configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a run configuration from JSON bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section of the configuration eagerly so that a bad
// run never reaches the first training step.
func (c *Config) Validate() error {
	if c.Optimizer.Name == "" {
		return &ConfigurationError{Field: "optimizer.name", Reason: "must not be empty"}
	}
	if c.Optimizer.LR <= 0 {
		return &ConfigurationError{Field: "optimizer.lr", Reason: fmt.Sprintf("must be positive, got %g", c.Optimizer.LR)}
	}
	if c.Injection.HomoglyphCount <= 0 {
		return &ConfigurationError{Field: "injection.homoglyph_count", Reason: fmt.Sprintf("must be positive, got %d", c.Injection.HomoglyphCount)}
	}
	if c.Injection.PoisonedSamplesPerStep <= 0 {
		return &ConfigurationError{Field: "injection.poisoned_samples_per_step", Reason: fmt.Sprintf("must be positive, got %d", c.Injection.PoisonedSamplesPerStep)}
	}
	if len(c.Injection.Homoglyphs) == 0 {
		return &ConfigurationError{Field: "injection.homoglyphs", Reason: "at least one rule is required"}
	}
	for i, rule := range c.Injection.Homoglyphs {
		if err := validateRule(i, rule); err != nil {
			return err
		}
	}
	if c.Training.NumSteps <= 0 {
		return &ConfigurationError{Field: "training.num_steps", Reason: fmt.Sprintf("must be positive, got %d", c.Training.NumSteps)}
	}
	if c.Training.CleanBatchSize <= 0 {
		return &ConfigurationError{Field: "training.clean_batch_size", Reason: fmt.Sprintf("must be positive, got %d", c.Training.CleanBatchSize)}
	}
	if c.Training.LossWeight < 0 {
		return &ConfigurationError{Field: "training.loss_weight", Reason: fmt.Sprintf("must be nonnegative, got %g", c.Training.LossWeight)}
	}
	if c.Training.SavePath == "" {
		return &ConfigurationError{Field: "training.save_path", Reason: "must not be empty"}
	}
	if c.Training.CheckpointEvery < 0 {
		return &ConfigurationError{Field: "training.checkpoint_every", Reason: "must not be negative"}
	}
	if c.Evaluation.EverySteps < 0 {
		return &ConfigurationError{Field: "evaluation.every_steps", Reason: "must not be negative"}
	}
	if c.Evaluation.CaptionFile != "" && c.Evaluation.BatchSize <= 0 {
		return &ConfigurationError{Field: "evaluation.batch_size", Reason: fmt.Sprintf("must be positive, got %d", c.Evaluation.BatchSize)}
	}
	return nil
}

func validateRule(idx int, rule HomoglyphRule) error {
	field := fmt.Sprintf("injection.homoglyphs[%d]", idx)
	if hgLen := len([]rune(rule.Homoglyph)); hgLen != 1 {
		return &ConfigurationError{Field: field + ".homoglyph", Reason: fmt.Sprintf("must be a single code point, got %d", hgLen)}
	}
	if rcLen := len([]rune(rule.ReplacedCharacter)); rcLen != 1 {
		return &ConfigurationError{Field: field + ".replaced_character", Reason: fmt.Sprintf("must be a single code point, got %d", rcLen)}
	}
	if rule.Homoglyph == rule.ReplacedCharacter {
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("homoglyph %q is identical to the character it replaces", rule.Homoglyph)}
	}
	return nil
}

// Hash returns a stable hex digest of the configuration, recorded in
// checkpoints so a resumed run can verify it matches the original.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Config round-trips through JSON by construction.
		panic(fmt.Sprintf("config hash: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
