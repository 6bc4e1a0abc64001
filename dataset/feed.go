package dataset

import (
	"context"
	"io"
)

// Feed adapts a Stream into the batch-oriented feed the training loop
// consumes, for the synchronous single-threaded loading path
// (dataloader_num_workers == 0).
type Feed struct {
	st        *Stream
	batchSize int
}

// NewFeed wraps a stream into fixed-size caption batches.
func NewFeed(st *Stream, batchSize int) *Feed {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Feed{st: st, batchSize: batchSize}
}

// Next returns the next caption batch. It returns io.EOF when the stream
// has nothing left to give.
func (f *Feed) Next(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := make([]string, 0, f.batchSize)
	for len(batch) < f.batchSize {
		caption, ok := f.st.Next()
		if !ok {
			break
		}
		batch = append(batch, caption)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}
