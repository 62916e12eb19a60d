package blocks

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repeatedIDs returns nBlocks ids each repeated size times, stored contiguously.
func repeatedIDs(nBlocks, size int) []int {
	ids := make([]int, 0, nBlocks*size)
	for b := 0; b < nBlocks; b++ {
		for i := 0; i < size; i++ {
			ids = append(ids, b)
		}
	}
	return ids
}

func TestNewIndex(t *testing.T) {
	idx, err := NewIndex([]int{3, 3, 3, 1, 1, 1, 7, 7, 7})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 7}, idx.IDs)
	assert.Equal(t, 3, idx.BlockSize)
	assert.Equal(t, 9, idx.NumRows())

	from, to, ok := idx.Rows(1)
	require.True(t, ok)
	assert.Equal(t, 3, from)
	assert.Equal(t, 6, to)

	_, _, ok = idx.Rows(42)
	assert.False(t, ok)
}

func TestNewIndex_InvalidLayouts(t *testing.T) {
	cases := map[string][]int{
		"empty":          {},
		"not divisible":  {0, 0, 1, 1, 1},
		"unequal blocks": {0, 0, 0, 0, 1, 1, 2, 2, 2},
		"not contiguous": {0, 0, 1, 1, 0, 0},
	}
	for name, ids := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewIndex(ids)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidLayout), "got %v", err)
			var le *InvalidLayoutError
			assert.True(t, errors.As(err, &le))
		})
	}
}

func TestSplit_DisjointAndExhaustive(t *testing.T) {
	ids := make([]int, 37)
	for i := range ids {
		ids[i] = i * 10
	}
	for _, ratio := range []float64{0.05, 0.2, 0.5, 0.9} {
		s := NewSplitter(rand.New(rand.NewSource(1)))
		train, test, err := s.Split(ids, ratio)
		require.NoError(t, err)

		assert.Len(t, test, int(float64(len(ids))*ratio))
		seen := make(map[int]int)
		for _, id := range train {
			seen[id]++
		}
		for _, id := range test {
			seen[id]++
		}
		assert.Len(t, seen, len(ids))
		for id, n := range seen {
			assert.Equal(t, 1, n, "block %d assigned %d times", id, n)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	ids := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	_, a, err := NewSplitter(rand.New(rand.NewSource(99))).Split(ids, 0.3)
	require.NoError(t, err)
	_, b, err := NewSplitter(rand.New(rand.NewSource(99))).Split(ids, 0.3)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSplit_AdvancesSharedStream(t *testing.T) {
	ids := make([]int, 50)
	for i := range ids {
		ids[i] = i
	}
	rng := rand.New(rand.NewSource(5))
	s := NewSplitter(rng)
	_, first, err := s.Split(ids, 0.5)
	require.NoError(t, err)
	_, second, err := s.Split(ids, 0.5)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a second call on the same stream must draw new values")

	// Replaying the same call order on a fresh stream reproduces both draws.
	replay := NewSplitter(rand.New(rand.NewSource(5)))
	_, r1, _ := replay.Split(ids, 0.5)
	_, r2, _ := replay.Split(ids, 0.5)
	assert.Equal(t, first, r1)
	assert.Equal(t, second, r2)
}

func TestSplit_Errors(t *testing.T) {
	s := NewSplitter(rand.New(rand.NewSource(1)))
	ids := []int{0, 1, 2, 3}

	_, _, err := s.Split(ids, 0.2) // floor(0.8) == 0
	assert.True(t, errors.Is(err, ErrEmptyPartition), "got %v", err)
	var pe *EmptyPartitionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, pe.NumTest)

	_, _, err = s.Split(ids, 1.0)
	assert.True(t, errors.Is(err, ErrInvalidRatio))
	_, _, err = s.Split(ids, -0.1)
	assert.True(t, errors.Is(err, ErrInvalidRatio))
}

func TestExpand_Bijection(t *testing.T) {
	blockIDs := repeatedIDs(6, 4)
	train := []int{0, 2, 3, 5}
	test := []int{1, 4}

	trainRows := Expand(blockIDs, train)
	testRows := Expand(blockIDs, test)
	assert.True(t, sort.IntsAreSorted(trainRows))
	assert.True(t, sort.IntsAreSorted(testRows))
	assert.Equal(t, []int{4, 5, 6, 7, 16, 17, 18, 19}, testRows)

	all := append(append([]int{}, trainRows...), testRows...)
	sort.Ints(all)
	require.Len(t, all, len(blockIDs))
	for i, row := range all {
		assert.Equal(t, i, row)
	}
}

func TestWindowSplit(t *testing.T) {
	rows := []int{10, 11, 12, 13, 14, 30, 31, 32, 33, 34}
	in, extr, err := WindowSplit(rows, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12, 30, 31, 32}, in)
	assert.Equal(t, []int{13, 14, 33, 34}, extr)

	in, extr, err = WindowSplit(rows, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, rows, in)
	assert.Empty(t, extr)
}

func TestWindowSplit_TooLong(t *testing.T) {
	rows := make([]int, 20)
	for i := range rows {
		rows[i] = i
	}
	_, _, err := WindowSplit(rows, 10, 15)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidLayout))

	_, _, err = WindowSplit(rows[:15], 10, 5)
	assert.True(t, errors.Is(err, ErrInvalidLayout))
}

func TestValidateOrder(t *testing.T) {
	idx, err := NewIndex(repeatedIDs(2, 3))
	require.NoError(t, err)

	assert.NoError(t, idx.ValidateOrder([]float64{0, 1, 2, 0, 0.5, 4}))

	err = idx.ValidateOrder([]float64{0, 1, 2, 0, 3, 3})
	assert.True(t, errors.Is(err, ErrInvalidLayout))

	err = idx.ValidateOrder([]float64{0, 1})
	assert.True(t, errors.Is(err, ErrInvalidLayout))
}

func TestPlan(t *testing.T) {
	blockIDs := repeatedIDs(10, 6)
	idx, err := NewIndex(blockIDs)
	require.NoError(t, err)

	p, err := NewSplitter(rand.New(rand.NewSource(3))).Plan(idx, blockIDs, 0.2, 4)
	require.NoError(t, err)
	assert.Len(t, p.TestBlocks, 2)
	assert.Len(t, p.TrainBlocks, 8)
	assert.Len(t, p.TestRows, 12)
	assert.Len(t, p.TrainRows, 48)
	assert.Len(t, p.TrainIn, 32)
	assert.Len(t, p.TrainExtr, 16)
	assert.Len(t, p.TestIn, 8)
	assert.Len(t, p.TestExtr, 4)

	for _, row := range p.TestExtr {
		from, _, _ := idx.Rows(blockIDs[row])
		assert.GreaterOrEqual(t, row-from, 4)
	}

	_, err = NewSplitter(rand.New(rand.NewSource(3))).Plan(idx, blockIDs, 0.2, 7)
	assert.True(t, errors.Is(err, ErrInvalidLayout))
}

func collect(t *testing.T, s *Sampler) [][]int {
	t.Helper()
	var batches [][]int
	for b := range s.Iterate().All() {
		batches = append(batches, b)
	}
	return batches
}

func TestSampler_Exhaustive(t *testing.T) {
	for _, per := range []int{1, 2, 5} {
		s, err := NewSampler(repeatedIDs(10, 20), per, rand.New(rand.NewSource(int64(per))))
		require.NoError(t, err)

		seen := make([]int, 200)
		for _, batch := range collect(t, s) {
			assert.Equal(t, 0, len(batch)%20, "batch must hold whole blocks")
			for _, row := range batch {
				seen[row]++
			}
		}
		for row, n := range seen {
			assert.Equal(t, 1, n, "nBlocksPerBatch=%d row %d seen %d times", per, row, n)
		}
		assert.Equal(t, (10+per-1)/per, s.NumBatches())
	}
}

func TestSampler_BatchSizes(t *testing.T) {
	s, err := NewSampler(repeatedIDs(10, 20), 3, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 60, s.Len())

	var sizes []int
	for _, b := range collect(t, s) {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{60, 60, 60, 20}, sizes)
}

func TestSampler_BlocksStayWholeAndOrdered(t *testing.T) {
	s, err := NewSampler(repeatedIDs(8, 5), 3, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	for _, batch := range collect(t, s) {
		for start := 0; start < len(batch); start += 5 {
			blk := batch[start : start+5]
			assert.Equal(t, 0, blk[0]%5)
			for i := 1; i < len(blk); i++ {
				assert.Equal(t, blk[i-1]+1, blk[i])
			}
		}
	}
}

func TestSampler_Scenario(t *testing.T) {
	ids := []int{0, 0, 1, 1, 2, 2, 3, 3, 4, 4}
	run := func(seed int64) [][]int {
		s, err := NewSampler(ids, 2, rand.New(rand.NewSource(seed)))
		require.NoError(t, err)
		return collect(t, s)
	}

	batches := run(2024)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 4)
	assert.Len(t, batches[2], 2)

	var all []int
	for _, b := range batches {
		all = append(all, b...)
	}
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)

	assert.Equal(t, batches, run(2024))
}

func TestEpoch_States(t *testing.T) {
	s, err := NewSampler(repeatedIDs(3, 2), 2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	e := s.Iterate()
	assert.Equal(t, Configured, e.State())
	_, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, Iterating, e.State())
	_, ok = e.Next()
	require.True(t, ok)
	assert.Equal(t, Exhausted, e.State())

	_, ok = e.Next()
	assert.False(t, ok)
	for range e.All() {
		t.Fatal("an exhausted epoch must not yield again")
	}

	// a new epoch draws a fresh permutation and yields everything again
	n := 0
	for b := range s.Iterate().All() {
		n += len(b)
	}
	assert.Equal(t, 6, n)
}

func TestNewSampler_Errors(t *testing.T) {
	_, err := NewSampler(repeatedIDs(3, 2), 0, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrInvalidLayout))

	_, err = NewSampler([]int{0, 0, 1}, 1, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrInvalidLayout))
}

func TestSampler_InOrder(t *testing.T) {
	s, err := NewSampler(repeatedIDs(5, 2), 2, nil)
	require.NoError(t, err)

	var got [][]int
	for b := range s.InOrder().All() {
		got = append(got, b)
	}
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, got)
}
