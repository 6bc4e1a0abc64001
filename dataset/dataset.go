// Package dataset provides the caption stream the training loop consumes.
// The core only ever sees caption text plus a stable index for deterministic
// re-sampling; image payloads and download plumbing live outside this module.
package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Dataset is a finite, indexable collection of captions.
type Dataset interface {
	Len() int                    // Total number of captions
	Get(idx int) (string, error) // Returns a single caption
}

// SliceDataset is an in-memory Dataset backed by a string slice.
type SliceDataset []string

// Len returns the number of captions in the dataset.
func (ds SliceDataset) Len() int {
	return len(ds)
}

// Get returns the caption at the given index.
func (ds SliceDataset) Get(idx int) (string, error) {
	if idx < 0 || idx >= len(ds) {
		return "", fmt.Errorf("index %d out of range [0, %d)", idx, len(ds))
	}
	return ds[idx], nil
}

// LoadCaptionFile reads a caption-per-line text file into a SliceDataset.
// Blank lines are skipped.
func LoadCaptionFile(path string) (SliceDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open caption file: %w", err)
	}
	defer f.Close()

	var captions []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		captions = append(captions, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read caption file: %w", err)
	}
	if len(captions) == 0 {
		return nil, fmt.Errorf("caption file %s contains no captions", path)
	}
	return captions, nil
}
