package blocks

import (
	"iter"
	"math/rand"
)

// State is the lifecycle of an Epoch.
type State int

const (
	Configured State = iota
	Iterating
	Exhausted
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Iterating:
		return "iterating"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Sampler produces batches of row indices made of whole blocks. Row indices
// are local to the rows the sampler was built from, i.e. position i refers to
// the i-th row of the partition, not of the full table.
type Sampler struct {
	nBlocks   int
	blockSize int
	perBatch  int
	rng       *rand.Rand
}

// NewSampler builds a sampler over the per-row block ids of one partition.
// The block size is derived from those rows alone.
func NewSampler(blockIDs []int, nBlocksPerBatch int, rng *rand.Rand) (*Sampler, error) {
	if nBlocksPerBatch < 1 {
		return nil, layoutErrorf("blocks per batch must be >= 1, got %d", nBlocksPerBatch)
	}
	idx, err := NewIndex(blockIDs)
	if err != nil {
		return nil, err
	}
	return &Sampler{
		nBlocks:   idx.NumBlocks(),
		blockSize: idx.BlockSize,
		perBatch:  nBlocksPerBatch,
		rng:       rng,
	}, nil
}

// Len is the nominal batch size, nBlocksPerBatch*blockSize. The last batch of
// an epoch may be shorter; use it for buffer sizing, not loop bounds.
func (s *Sampler) Len() int { return s.perBatch * s.blockSize }

// BlockSize returns the rows per block.
func (s *Sampler) BlockSize() int { return s.blockSize }

// NumBlocks returns the number of blocks the sampler draws from.
func (s *Sampler) NumBlocks() int { return s.nBlocks }

// NumBatches returns the number of batches one epoch yields.
func (s *Sampler) NumBatches() int { return (s.nBlocks + s.perBatch - 1) / s.perBatch }

// Iterate draws a fresh block permutation and returns a single-use epoch.
func (s *Sampler) Iterate() *Epoch {
	return &Epoch{s: s, order: s.rng.Perm(s.nBlocks)}
}

// InOrder returns an epoch that walks the blocks in storage order. It does
// not draw from the random source, so evaluation passes can use a sampler
// built with a nil rng.
func (s *Sampler) InOrder() *Epoch {
	order := make([]int, s.nBlocks)
	for i := range order {
		order[i] = i
	}
	return &Epoch{s: s, order: order}
}

// Epoch walks one block permutation. It is not restartable: once every
// block has been emitted the epoch stays Exhausted.
type Epoch struct {
	s     *Sampler
	order []int
	next  int
	state State
}

// State reports where the epoch is in its lifecycle.
func (e *Epoch) State() State { return e.state }

// Next returns the next batch, or false when the epoch is exhausted.
func (e *Epoch) Next() ([]int, bool) {
	if e.state == Exhausted {
		return nil, false
	}
	e.state = Iterating
	if e.next >= len(e.order) {
		e.state = Exhausted
		return nil, false
	}

	end := min(e.next+e.s.perBatch, len(e.order))
	bs := e.s.blockSize
	batch := make([]int, 0, (end-e.next)*bs)
	for _, pos := range e.order[e.next:end] {
		for row := pos * bs; row < (pos+1)*bs; row++ {
			batch = append(batch, row)
		}
	}
	e.next = end
	if e.next >= len(e.order) {
		e.state = Exhausted
	}
	return batch, true
}

// All returns the remaining batches as a sequence.
func (e *Epoch) All() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		for {
			batch, ok := e.Next()
			if !ok || !yield(batch) {
				return
			}
		}
	}
}
