package blocks

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrInvalidRatio is returned by Split for a test ratio outside [0, 1).
var ErrInvalidRatio = errors.New("blocks: test ratio must be in [0, 1)")

// Splitter assigns whole blocks to TRAIN or TEST.
//
// The random state is explicit. A run creates one *rand.Rand from its seed,
// hands it to the Splitter and then to every per-epoch Sampler, so the split
// consumes the stream before any batch order is drawn. Reordering those calls
// changes the results.
type Splitter struct {
	rng *rand.Rand
}

// NewSplitter returns a Splitter drawing from rng.
func NewSplitter(rng *rand.Rand) *Splitter {
	return &Splitter{rng: rng}
}

// Split draws floor(len(ids)*testRatio) ids without replacement as TEST and
// returns the remaining ids as TRAIN. Both slices keep the order of ids.
func (s *Splitter) Split(ids []int, testRatio float64) (train, test []int, err error) {
	if math.IsNaN(testRatio) || testRatio < 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("%w: got %g", ErrInvalidRatio, testRatio)
	}
	n := len(ids)
	numTest := int(math.Floor(float64(n) * testRatio))
	if numTest == 0 || numTest == n {
		return nil, nil, &EmptyPartitionError{NumBlocks: n, NumTest: numTest, TestRatio: testRatio}
	}

	picked := make([]bool, n)
	for _, pos := range s.rng.Perm(n)[:numTest] {
		picked[pos] = true
	}
	train = make([]int, 0, n-numTest)
	test = make([]int, 0, numTest)
	for pos, id := range ids {
		if picked[pos] {
			test = append(test, id)
		} else {
			train = append(train, id)
		}
	}
	return train, test, nil
}

// Expand returns, in ascending order, the rows whose block id is in assigned.
func Expand(blockIDs []int, assigned []int) []int {
	set := make(map[int]struct{}, len(assigned))
	for _, id := range assigned {
		set[id] = struct{}{}
	}
	var rows []int
	for row, id := range blockIDs {
		if _, ok := set[id]; ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// WindowSplit tags the first timeTrainLen positions of every consecutive run
// of blockSize rows as in-sample and the rest as extrapolation. The split is
// positional: rows must already be grouped per block and time ordered.
func WindowSplit(rows []int, blockSize, timeTrainLen int) (inSample, extrapolation []int, err error) {
	if blockSize < 1 {
		return nil, nil, layoutErrorf("block size %d", blockSize)
	}
	if timeTrainLen < 1 || timeTrainLen > blockSize {
		return nil, nil, layoutErrorf("time train length %d does not fit block size %d", timeTrainLen, blockSize)
	}
	if len(rows)%blockSize != 0 {
		return nil, nil, layoutErrorf("%d rows are not a whole number of blocks of %d", len(rows), blockSize)
	}
	nBlocks := len(rows) / blockSize
	inSample = make([]int, 0, nBlocks*timeTrainLen)
	extrapolation = make([]int, 0, nBlocks*(blockSize-timeTrainLen))
	for i, row := range rows {
		if i%blockSize < timeTrainLen {
			inSample = append(inSample, row)
		} else {
			extrapolation = append(extrapolation, row)
		}
	}
	return inSample, extrapolation, nil
}

// ValidateOrder checks that within every block the order values (usually the
// simulation time column) strictly increase in storage order.
func (x *Index) ValidateOrder(order []float64) error {
	if len(order) != x.NumRows() {
		return layoutErrorf("order column has %d values for %d rows", len(order), x.NumRows())
	}
	for _, id := range x.IDs {
		from, to, _ := x.Rows(id)
		for row := from + 1; row < to; row++ {
			if !(order[row] > order[row-1]) {
				return layoutErrorf("block %d is not time ordered at row %d (%g after %g)",
					id, row, order[row], order[row-1])
			}
		}
	}
	return nil
}

// Plan is the complete row-level partition of a table.
type Plan struct {
	TrainBlocks []int
	TestBlocks  []int

	// TrainRows and TestRows are all rows of the partition, ascending.
	TrainRows []int
	TestRows  []int

	TrainIn   []int
	TrainExtr []int
	TestIn    []int
	TestExtr  []int
}

// Plan splits the blocks of idx, expands both partitions to rows and splits
// every block of each partition into its in-sample and extrapolation windows.
func (s *Splitter) Plan(idx *Index, blockIDs []int, testRatio float64, timeTrainLen int) (*Plan, error) {
	if len(blockIDs) != idx.NumRows() {
		return nil, layoutErrorf("index covers %d rows, block id vector has %d", idx.NumRows(), len(blockIDs))
	}
	if timeTrainLen > idx.BlockSize {
		return nil, layoutErrorf("time train length %d exceeds block size %d", timeTrainLen, idx.BlockSize)
	}
	train, test, err := s.Split(idx.IDs, testRatio)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		TrainBlocks: train,
		TestBlocks:  test,
		TrainRows:   Expand(blockIDs, train),
		TestRows:    Expand(blockIDs, test),
	}
	if p.TrainIn, p.TrainExtr, err = WindowSplit(p.TrainRows, idx.BlockSize, timeTrainLen); err != nil {
		return nil, fmt.Errorf("train window: %w", err)
	}
	if p.TestIn, p.TestExtr, err = WindowSplit(p.TestRows, idx.BlockSize, timeTrainLen); err != nil {
		return nil, fmt.Errorf("test window: %w", err)
	}
	return p, nil
}
