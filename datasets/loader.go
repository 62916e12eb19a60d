package datasets

import (
	"context"
	"iter"
	"runtime"
	"sync"
)

// Loader fetches the rows of sampled index batches with a pool of workers.
// Batches are handed to the consumer in the order the sampler produced them;
// the index slices themselves are never modified.
type Loader struct {
	DS      Dataset
	Workers int

	// Prefetch bounds how many batches may be in flight ahead of the consumer.
	// Zero means twice the worker count.
	Prefetch int
}

// NewLoader returns a loader over ds. workers <= 0 selects runtime.NumCPU().
func NewLoader(ds Dataset, workers int) *Loader {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Loader{DS: ds, Workers: workers}
}

type loadResult struct {
	batch *Batch
	err   error
}

type loadJob struct {
	seq     int
	indices []int
	slot    chan loadResult
}

// Run consumes batches, loads each one and calls fn for it in order. It stops
// at the first load or fn error, or when ctx is cancelled, and always waits
// for its workers before returning.
func (l *Loader) Run(ctx context.Context, batches iter.Seq[[]int], fn func(*Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := max(l.Workers, 1)
	prefetch := l.Prefetch
	if prefetch <= 0 {
		prefetch = 2 * workers
	}

	jobs := make(chan loadJob)
	order := make(chan chan loadResult, prefetch)

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for j := range jobs {
				inputs, labels, err := l.DS.Batch(j.indices)
				if err != nil {
					j.slot <- loadResult{err: err}
					continue
				}
				j.slot <- loadResult{batch: &Batch{Seq: j.seq, Indices: j.indices, Inputs: inputs, Labels: labels}}
			}
		}()
	}

	// producer: the only goroutine pulling from the sampler
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(order)
		defer close(jobs)
		seq := 0
		for indices := range batches {
			slot := make(chan loadResult, 1)
			select {
			case order <- slot:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- loadJob{seq: seq, indices: indices, slot: slot}:
			case <-ctx.Done():
				return
			}
			seq++
		}
	}()

	var err error
	for slot := range order {
		var res loadResult
		select {
		case res = <-slot:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
		if res.err != nil {
			err = res.err
			break
		}
		if err = fn(res.batch); err != nil {
			break
		}
	}
	cancel()
	// drain so the producer can observe cancellation and exit
	for range order {
	}
	wg.Wait()
	return err
}

// Collect loads every batch into memory. It is mostly useful for evaluation
// passes and tests.
func (l *Loader) Collect(ctx context.Context, batches iter.Seq[[]int]) ([]*Batch, error) {
	var out []*Batch
	err := l.Run(ctx, batches, func(b *Batch) error {
		out = append(out, b)
		return nil
	})
	return out, err
}
