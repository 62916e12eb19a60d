// Package blocks groups the rows of a simulation table into whole
// trajectories ("blocks") and provides the block-level train/test split, the
// in-sample/extrapolation window split and the per-epoch block batch sampler.
//
// Rows of one block must be stored contiguously and in time order, and every
// block must have the same number of rows. All of these are validated rather
// than assumed.
package blocks

// Index describes the block layout of a row-ordered table.
type Index struct {
	// IDs holds the distinct block ids in order of first appearance.
	IDs []int

	// BlockSize is the number of rows of every block.
	BlockSize int

	// start maps a block id to its first row.
	start map[int]int
}

// NewIndex derives the distinct block ids and the uniform block size from a
// per-row block id vector. It fails with *InvalidLayoutError when the row
// count is not a multiple of the number of blocks, when blocks have different
// lengths or when the rows of a block are not contiguous.
func NewIndex(blockIDs []int) (*Index, error) {
	if len(blockIDs) == 0 {
		return nil, layoutErrorf("no rows")
	}

	idx := &Index{start: make(map[int]int)}
	counts := make(map[int]int)
	prev := blockIDs[0]
	for row, id := range blockIDs {
		if _, seen := idx.start[id]; !seen {
			idx.start[id] = row
			idx.IDs = append(idx.IDs, id)
		} else if id != prev {
			return nil, layoutErrorf("rows of block %d are not contiguous (row %d)", id, row)
		}
		counts[id]++
		prev = id
	}

	n := len(blockIDs)
	if n%len(idx.IDs) != 0 {
		return nil, layoutErrorf("%d rows are not divisible by %d blocks", n, len(idx.IDs))
	}
	idx.BlockSize = n / len(idx.IDs)
	for _, id := range idx.IDs {
		if counts[id] != idx.BlockSize {
			return nil, layoutErrorf("block %d has %d rows, expected %d", id, counts[id], idx.BlockSize)
		}
	}
	return idx, nil
}

// NumBlocks returns the number of distinct blocks.
func (x *Index) NumBlocks() int { return len(x.IDs) }

// NumRows returns the number of rows covered by the index.
func (x *Index) NumRows() int { return len(x.IDs) * x.BlockSize }

// Rows returns the half-open row range [from, to) of block id.
func (x *Index) Rows(id int) (from, to int, ok bool) {
	s, ok := x.start[id]
	if !ok {
		return 0, 0, false
	}
	return s, s + x.BlockSize, true
}
