// Package checkpoints persists training state under the run's save_path so
// an interrupted fine-tune can resume deterministically.
package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/go-glyph/config"
	"github.com/tsawler/go-glyph/training"
)

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps the configured checkpoint_format string to a Format.
// An empty string selects JSON.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "json":
		return FormatJSON, nil
	case "proto", "pb":
		return FormatProto, nil
	default:
		return 0, &config.ConfigurationError{
			Field:  "checkpoint_format",
			Reason: fmt.Sprintf("unsupported format %q, must be \"json\" or \"proto\"", name),
		}
	}
}

// WriteError reports a failed checkpoint write. Periodic writes recover from
// it with a warning; only the final write treats it as fatal.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write checkpoint %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Checkpoint captures everything needed to resume a run: the step counter,
// optimizer state, the seed and config hash it was started from, the sampler
// RNG state, and how far into the caption stream the run had read.
type Checkpoint struct {
	Step             int                     `json:"step"`
	NumSteps         int                     `json:"num_steps"`
	Seed             int64                   `json:"seed"`
	ConfigHash       string                  `json:"config_hash"`
	RunID            string                  `json:"run_id"`
	BaseLR           float64                 `json:"base_lr"`
	Optimizer        training.OptimizerState `json:"optimizer"`
	Scheduler        string                  `json:"scheduler"`
	SamplerRNG       []byte                  `json:"sampler_rng,omitempty"`
	CaptionsConsumed int64                   `json:"captions_consumed"`
	CleanSamples     int64                   `json:"clean_samples"`
	PoisonedSamples  int64                   `json:"poisoned_samples"`
	Metadata         Metadata                `json:"metadata"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	Final     bool      `json:"final,omitempty"`
}

// Saver writes checkpoints into a run directory in the configured format.
type Saver struct {
	dir    string
	format Format
}

// NewSaver creates a saver, ensuring the run directory exists.
func NewSaver(dir string, format Format) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Saver{dir: dir, format: format}, nil
}

// Dir returns the run directory checkpoints are written into.
func (s *Saver) Dir() string {
	return s.dir
}

func (s *Saver) ext() string {
	if s.format == FormatProto {
		return ".ckpt.pb"
	}
	return ".ckpt.json"
}

// Path returns the file path a periodic checkpoint at the given step is
// written to.
func (s *Saver) Path(step int) string {
	return filepath.Join(s.dir, fmt.Sprintf("step_%06d%s", step, s.ext()))
}

// FinalPath returns the file path of the forced end-of-run checkpoint.
func (s *Saver) FinalPath() string {
	return filepath.Join(s.dir, "final"+s.ext())
}

// Save writes a periodic checkpoint. Failures come back as a *WriteError;
// callers treat them as best-effort.
func (s *Saver) Save(ck *Checkpoint) (string, error) {
	path := s.Path(ck.Step)
	if err := s.write(ck, path); err != nil {
		return "", err
	}
	return path, nil
}

// SaveFinal writes the forced end-of-run checkpoint, retrying transient
// write failures with exponential backoff. An error from SaveFinal is fatal
// to the run.
func (s *Saver) SaveFinal(ctx context.Context, ck *Checkpoint) (string, error) {
	ck.Metadata.Final = true
	path := s.FinalPath()
	backoff := retry.WithMaxRetries(4, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.write(ck, path); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	return path, nil
}

func (s *Saver) write(ck *Checkpoint, path string) error {
	if ck.Metadata.Framework == "" {
		ck.Metadata.Framework = "go-glyph"
		ck.Metadata.Version = "1.0.0"
	}
	ck.Metadata.CreatedAt = time.Now().UTC()

	var data []byte
	var err error
	switch s.format {
	case FormatJSON:
		data, err = json.MarshalIndent(ck, "", "  ")
	case FormatProto:
		data, err = marshalProto(ck)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	// Write to a temp file and rename so a crashed write never leaves a
	// truncated checkpoint under the final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// Load reads a checkpoint from a file, detecting the format from the
// extension.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	ck := &Checkpoint{}
	if filepath.Ext(path) == ".pb" {
		if err := unmarshalProto(data, ck); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return ck, nil
	}
	if err := json.Unmarshal(data, ck); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return ck, nil
}

// LoadLatest returns the newest checkpoint in a run directory, preferring
// the final checkpoint when present.
func LoadLatest(dir string) (*Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" && filepath.Ext(name) != ".pb" {
			continue
		}
		if name == "final.ckpt.json" || name == "final.ckpt.pb" {
			return Load(filepath.Join(dir, name))
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no checkpoints found in %s", dir)
	}
	sort.Strings(candidates)
	return Load(filepath.Join(dir, candidates[len(candidates)-1]))
}

// marshalProto encodes the checkpoint as a protobuf Struct. The checkpoint
// round-trips through its JSON form so both formats share one schema.
func marshalProto(ck *Checkpoint) ([]byte, error) {
	jsonData, err := json.Marshal(ck)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func unmarshalProto(data []byte, ck *Checkpoint) error {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return err
	}
	jsonData, err := st.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, ck)
}
