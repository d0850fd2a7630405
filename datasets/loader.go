package datasets

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
)

// LoaderConfig configures batch prefetching for a Provider.
type LoaderConfig struct {
	// BatchSize is the number of samples per delivered batch. Required.
	BatchSize int

	// Workers is the number of prefetch goroutines. Defaults to 4.
	Workers int

	// Prefetch is how many assembled batches may queue ahead of the
	// consumer. Defaults to Workers.
	Prefetch int

	// Shuffle draws a fresh random permutation each epoch. Evaluation
	// loaders leave it off and deliver manifest order.
	Shuffle bool

	// Infinite cycles epochs forever. Off, the loader delivers one
	// pass and then reports io.EOF.
	Infinite bool

	// DropLast discards a ragged final batch at each epoch end, keeping
	// every delivered batch at full BatchSize.
	DropLast bool

	// Seed initializes the shuffling randomness.
	Seed int64
}

type loaderResult struct {
	batch *Batch
	err   error
}

type loaderJob struct {
	indices []int
	result  chan loaderResult
}

// Loader streams batches from a Provider through a pool of prefetch
// workers, overlapping CPU-side decode and augmentation with the
// consumer's compute. Workers complete out of order but delivery
// preserves submission order, so sequential evaluation passes stay
// sequential. The first worker error is sticky and ends the stream.
type Loader struct {
	provider Provider
	cfg      LoaderConfig

	out      chan *Batch
	stop     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewLoader validates the configuration and starts the prefetch
// pipeline.
func NewLoader(p Provider, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("loader: batch size must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.Infinite {
		perEpoch := p.Len() / cfg.BatchSize
		if !cfg.DropLast && p.Len()%cfg.BatchSize != 0 {
			perEpoch++
		}
		if perEpoch == 0 {
			return nil, fmt.Errorf("loader: provider %s has %d samples, not enough for one batch of %d",
				p.Name(), p.Len(), cfg.BatchSize)
		}
	}
	l := &Loader{
		provider: p,
		cfg:      cfg,
		out:      make(chan *Batch),
		stop:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Next blocks until a prefetched batch is available. It returns io.EOF
// once a non-infinite loader is exhausted or the loader was stopped,
// and the originating error after any worker failure.
func (l *Loader) Next() (*Batch, error) {
	b, ok := <-l.out
	if !ok {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.err == nil {
			l.err = io.EOF
		}
		return nil, l.err
	}
	return b, nil
}

// Stop cancels prefetching at a batch boundary. Safe to call more than
// once and concurrently with Next.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loader) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.Stop()
}

func (l *Loader) run() {
	jobs := make(chan *loaderJob)
	ordered := make(chan *loaderJob, l.cfg.Prefetch)

	var wg sync.WaitGroup
	for range l.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				job.result <- l.assemble(job.indices)
			}
		}()
	}

	// The feeder reserves an order slot before handing the job to the
	// workers, which is what keeps delivery in submission order.
	go func() {
		defer close(jobs)
		defer close(ordered)
		rng := rand.New(rand.NewSource(l.cfg.Seed))
		for {
			indices := epochIndices(l.provider.Len(), l.cfg.Shuffle, rng)
			for start := 0; start < len(indices); start += l.cfg.BatchSize {
				end := min(start+l.cfg.BatchSize, len(indices))
				if end-start < l.cfg.BatchSize && l.cfg.DropLast {
					break
				}
				job := &loaderJob{
					indices: indices[start:end],
					result:  make(chan loaderResult, 1),
				}
				select {
				case <-l.stop:
					return
				case ordered <- job:
				}
				select {
				case <-l.stop:
					return
				case jobs <- job:
				}
			}
			if !l.cfg.Infinite {
				return
			}
		}
	}()

	l.deliver(ordered)
	close(l.out)
	wg.Wait()
}

// deliver forwards results in submission order. A job that was stopped
// before any worker picked it up never produces a result, so waiting on
// one always races against the stop signal.
func (l *Loader) deliver(ordered chan *loaderJob) {
	for job := range ordered {
		var res loaderResult
		select {
		case <-l.stop:
			return
		case res = <-job.result:
		}
		if res.err != nil {
			l.fail(res.err)
			return
		}
		select {
		case <-l.stop:
			return
		case l.out <- res.batch:
		}
	}
}

func (l *Loader) assemble(indices []int) loaderResult {
	samples := make([]*Sample, len(indices))
	for i, idx := range indices {
		s, err := l.provider.Get(idx)
		if err != nil {
			return loaderResult{err: err}
		}
		samples[i] = s
	}
	b, err := MakeBatch(samples)
	return loaderResult{batch: b, err: err}
}

func epochIndices(n int, shuffle bool, rng *rand.Rand) []int {
	if shuffle {
		return rng.Perm(n)
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}
