// Package async provides background caption loading: a bounded pool of
// workers prefetches batches while the training loop consumes them. Batches
// carry sequence numbers and are delivered strictly in dispatch order, so a
// fixed seed reproduces the exact same caption sequence regardless of worker
// count or scheduling.
package async

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-glyph/dataset"
)

// Config holds configuration for the prefetching loader.
type Config struct {
	BatchSize     int    // Number of captions per batch
	Workers       int    // Number of background workers (default: 2)
	PrefetchDepth int    // Number of batches to keep in flight (default: 3)
	Seed          uint64 // Seed for the shuffled dispatch order
}

type task struct {
	seq     uint64
	indices []int
}

type result struct {
	seq      uint64
	captions []string
	err      error
}

// Loader prefetches caption batches from a Dataset. A single dispatcher owns
// the seeded shuffle and hands out index batches; workers materialize the
// captions; a reorder stage restores dispatch order before delivery. The
// training loop is the sole consumer and no worker touches shared training
// state.
type Loader struct {
	ds     dataset.Dataset
	cfg    Config
	tasks  chan task
	out    chan result
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	started  bool
	produced atomic.Uint64
}

// NewLoader creates a prefetching loader over the dataset.
func NewLoader(ds dataset.Dataset, cfg Config) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 3
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Start launches the dispatcher and worker goroutines.
func (l *Loader) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("loader is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	l.cancel = cancel
	l.group = group
	l.tasks = make(chan task, l.cfg.PrefetchDepth)

	results := make(chan result, l.cfg.PrefetchDepth+l.cfg.Workers)
	l.out = make(chan result, l.cfg.PrefetchDepth)

	group.Go(func() error {
		return l.dispatch(ctx)
	})
	var workers sync.WaitGroup
	for i := 0; i < l.cfg.Workers; i++ {
		workers.Add(1)
		group.Go(func() error {
			defer workers.Done()
			return l.work(ctx, results)
		})
	}
	group.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})
	group.Go(func() error {
		return l.reorder(ctx, results)
	})

	l.started = true
	return nil
}

// Stop cancels the pipeline and waits for every goroutine to exit.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.cancel()
	// Shutdown errors are context cancellations.
	_ = l.group.Wait()
	l.started = false
}

// Next blocks until the next in-order caption batch is ready.
func (l *Loader) Next(ctx context.Context) ([]string, error) {
	select {
	case res, ok := <-l.out:
		if !ok {
			return nil, fmt.Errorf("loader has been stopped")
		}
		if res.err != nil {
			return nil, fmt.Errorf("loader batch %d failed: %w", res.seq, res.err)
		}
		return res.captions, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Produced returns the number of batches delivered in order so far.
func (l *Loader) Produced() uint64 {
	return l.produced.Load()
}

// dispatch owns the shuffled index order. It wraps and reshuffles at epoch
// boundaries with the same generator, which is what makes the delivered
// caption sequence a pure function of the seed.
func (l *Loader) dispatch(ctx context.Context) error {
	rng := rand.New(rand.NewPCG(l.cfg.Seed, l.cfg.Seed))
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	shuffle := func() {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	shuffle()

	pos := 0
	var seq uint64
	defer close(l.tasks)
	for {
		if pos >= len(order) {
			shuffle()
			pos = 0
		}
		end := pos + l.cfg.BatchSize
		if end > len(order) {
			end = len(order)
		}
		indices := make([]int, end-pos)
		copy(indices, order[pos:end])
		pos = end

		select {
		case l.tasks <- task{seq: seq, indices: indices}:
			seq++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loader) work(ctx context.Context, results chan<- result) error {
	for {
		select {
		case t, ok := <-l.tasks:
			if !ok {
				return nil
			}
			captions := make([]string, len(t.indices))
			var err error
			for i, idx := range t.indices {
				captions[i], err = l.ds.Get(idx)
				if err != nil {
					err = fmt.Errorf("failed to load caption %d: %w", idx, err)
					break
				}
			}
			select {
			case results <- result{seq: t.seq, captions: captions, err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reorder buffers out-of-order worker results and emits them in sequence.
func (l *Loader) reorder(ctx context.Context, results <-chan result) error {
	defer close(l.out)
	pending := make(map[uint64]result)
	var next uint64
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return nil
			}
			pending[res.seq] = res
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case l.out <- ready:
					l.produced.Add(1)
					next++
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
