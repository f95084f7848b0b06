package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// LoaderOptions configures batching, shuffling and sharding.
type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64
	NumWorkers int
	Rank       int
	WorldSize  int
}

// Loader yields the batches of one dataset shard, decoding images on a
// worker pool while preserving batch order.
type Loader struct {
	folder    *Folder
	transform Transform
	opts      LoaderOptions
}

// NewLoader validates opts and binds a loader to folder.
func NewLoader(folder *Folder, transform Transform, opts LoaderOptions) (*Loader, error) {
	if folder == nil || folder.Len() == 0 {
		return nil, errors.New("loader: empty dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("loader: rank %d outside world of size %d", opts.Rank, opts.WorldSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{folder: folder, transform: transform, opts: opts}, nil
}

// DatasetSize is the size of the whole dataset, not of this shard.
func (l *Loader) DatasetSize() int { return l.folder.Len() }

// ShardSize is the number of samples this rank sees per epoch.
func (l *Loader) ShardSize() int {
	w := l.opts.WorldSize
	return (l.folder.Len() + w - 1) / w
}

// Len is the number of batches per epoch, counting a trailing partial batch.
func (l *Loader) Len() int {
	return (l.ShardSize() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// RealSize is the number of samples in this rank's shard that are not
// wrap-around padding. They come first in the shard.
func (l *Loader) RealSize() int {
	n, w, r := l.folder.Len(), l.opts.WorldSize, l.opts.Rank
	if r >= n {
		return 0
	}
	return (n - r + w - 1) / w
}

// Indices returns this rank's sample order for epoch. With more than one
// rank the order is padded by wrapping around so every rank gets the same
// count, then strided by rank.
func (l *Loader) Indices(epoch int) []int {
	n := l.folder.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	w := l.opts.WorldSize
	if w == 1 {
		return order
	}
	total := l.ShardSize() * w
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%n])
	}
	shard := make([]int, 0, total/w)
	for i := l.opts.Rank; i < total; i += w {
		shard = append(shard, order[i])
	}
	return shard
}

type batchJob struct {
	id      int64
	start   int
	indices []int
}

type batchResult struct {
	id    int64
	batch Batch
	err   error
}

// Epoch streams the batches of epoch in order. The batch channel closes when
// the epoch ends or ctx is cancelled; at most one error is delivered.
func (l *Loader) Epoch(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	ctx, cancel := context.WithCancel(parent)
	workers := l.opts.NumWorkers

	jobs := make(chan batchJob, workers)
	results := make(chan batchResult, workers)
	out := make(chan Batch, workers)
	errCh := make(chan error, 1)

	go l.produceJobs(ctx, jobs, l.Indices(epoch))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.worker(ctx, epoch, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := runAggregator(ctx, results, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (l *Loader) produceJobs(ctx context.Context, jobs chan<- batchJob, indices []int) {
	defer close(jobs)
	var id int64
	for start := 0; start < len(indices); start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, len(indices))
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, start: start, indices: indices[start:end]}:
			id++
		}
	}
}

func (l *Loader) worker(ctx context.Context, epoch int, jobs <-chan batchJob, results chan<- batchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			batch, err := l.load(epoch, job)
			select {
			case <-ctx.Done():
				return
			case results <- batchResult{id: job.id, batch: batch, err: err}:
			}
		}
	}
}

// load decodes one batch. Augmentation randomness is derived from the seed,
// epoch and batch id so results do not depend on worker scheduling.
func (l *Loader) load(epoch int, job batchJob) (Batch, error) {
	size := l.transform.Size()
	rng := rand.New(rand.NewSource(l.opts.Seed ^ int64(epoch)<<32 ^ job.id<<8 ^ int64(l.opts.Rank)))
	batch := Batch{
		Images:   make([]float32, 0, len(job.indices)*3*size*size),
		Labels:   make([]int, 0, len(job.indices)),
		Channels: 3,
		Height:   size,
		Width:    size,
		Padded:   max(0, job.start+len(job.indices)-max(job.start, l.RealSize())),
	}
	for _, idx := range job.indices {
		s := l.folder.Samples[idx]
		img, err := LoadImage(s.Path)
		if err != nil {
			return Batch{}, err
		}
		batch.Images = append(batch.Images, l.transform.Apply(img, rng)...)
		batch.Labels = append(batch.Labels, s.Label)
	}
	return batch, nil
}

// runAggregator forwards results in id order, parking early arrivals.
func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- Batch) error {
	pending := make(map[int64]batchResult)
	var nextID int64
	for {
		res, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case res, ok = <-results:
				if !ok {
					return nil
				}
				pending[res.id] = res
			}
			continue
		}
		delete(pending, nextID)
		nextID++
		if res.err != nil {
			return res.err
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- res.batch:
		}
	}
}
