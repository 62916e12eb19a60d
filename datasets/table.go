package datasets

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Noofbiz/odenet/blocks"
)

// Table holds a whole simulation output in memory.
type Table struct {
	// Source is the path the table was read from.
	Source string

	FeatureNames  []string
	ResponseNames []string

	// Features and Responses are row-major, one slice per row.
	Features  [][]float32
	Responses [][]float32

	// BlockIDs holds the trajectory id of every row.
	BlockIDs []int

	// Time holds the time column when the source has one, nil otherwise.
	Time []float64

	// NumBlocks and BlockLen are the counts declared by the source. Zero means
	// the source did not declare them.
	NumBlocks int
	BlockLen  int
}

// Open reads path with the reader matching its extension.
func Open(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(path)
	case ".h5", ".hdf5", ".mat":
		return ReadHDF5(path)
	}
	if strings.ContainsAny(path, "*?[") {
		return ReadCSV(path)
	}
	return nil, fmt.Errorf("unsupported input file %s (want .csv, .h5, .hdf5 or .mat)", path)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.BlockIDs) }

// NumFeatures returns the feature dimension.
func (t *Table) NumFeatures() int { return len(t.FeatureNames) }

// NumResponses returns the response dimension.
func (t *Table) NumResponses() int { return len(t.ResponseNames) }

// Validate checks the table shape and its block layout and returns the block
// index. Declared counts, when present, must agree with the rows.
func (t *Table) Validate() (*blocks.Index, error) {
	n := len(t.BlockIDs)
	if len(t.Features) != n || len(t.Responses) != n {
		return nil, fmt.Errorf("table %s: %d block ids, %d feature rows, %d response rows",
			t.Source, n, len(t.Features), len(t.Responses))
	}
	for i := range t.Features {
		if len(t.Features[i]) != t.NumFeatures() {
			return nil, fmt.Errorf("table %s: row %d has %d features, expected %d", t.Source, i, len(t.Features[i]), t.NumFeatures())
		}
		if len(t.Responses[i]) != t.NumResponses() {
			return nil, fmt.Errorf("table %s: row %d has %d responses, expected %d", t.Source, i, len(t.Responses[i]), t.NumResponses())
		}
	}

	idx, err := blocks.NewIndex(t.BlockIDs)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", t.Source, err)
	}
	if t.NumBlocks > 0 && t.NumBlocks != idx.NumBlocks() {
		return nil, fmt.Errorf("table %s: %w", t.Source, &blocks.InvalidLayoutError{
			Reason: fmt.Sprintf("source declares %d blocks, rows hold %d", t.NumBlocks, idx.NumBlocks()),
		})
	}
	if t.BlockLen > 0 && t.BlockLen != idx.BlockSize {
		return nil, fmt.Errorf("table %s: %w", t.Source, &blocks.InvalidLayoutError{
			Reason: fmt.Sprintf("source declares %d rows per block, rows hold %d", t.BlockLen, idx.BlockSize),
		})
	}
	if t.Time != nil {
		if err := idx.ValidateOrder(t.Time); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Source, err)
		}
	}
	return idx, nil
}

// FeatureRows returns the feature rows at the given table rows.
func (t *Table) FeatureRows(rows []int) [][]float32 {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = t.Features[r]
	}
	return out
}

// Subset returns a dataset view over the given table rows.
func (t *Table) Subset(rows []int) *Subset {
	return &Subset{
		rows:      rows,
		features:  t.Features,
		responses: t.Responses,
		blockIDs:  t.BlockIDs,
	}
}

// Subset exposes a list of table rows through the Dataset interface.
type Subset struct {
	rows      []int // table rows
	features  [][]float32
	responses [][]float32
	blockIDs  []int
}

// WithFeatures returns a copy of the view reading features from a different
// full-table matrix, typically the normalized one.
func (s *Subset) WithFeatures(features [][]float32) *Subset {
	c := *s
	c.features = features
	return &c
}

// Len implements Dataset.
func (s *Subset) Len() int { return len(s.rows) }

// Rows returns the table rows covered by the view.
func (s *Subset) Rows() []int { return s.rows }

// BlockIDs returns the block id of every row of the view, in view order.
func (s *Subset) BlockIDs() []int {
	ids := make([]int, len(s.rows))
	for i, r := range s.rows {
		ids[i] = s.blockIDs[r]
	}
	return ids
}

// Example implements Dataset.
func (s *Subset) Example(i int) ([]float32, []float32, error) {
	if i < 0 || i >= len(s.rows) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", i, len(s.rows))
	}
	r := s.rows[i]
	return s.features[r], s.responses[r], nil
}

// Batch implements Dataset. The returned rows share memory with the table
// and must be treated as read-only.
func (s *Subset) Batch(indices []int) ([][]float32, [][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))
	for bi, i := range indices {
		if i < 0 || i >= len(s.rows) {
			return nil, nil, fmt.Errorf("batch index %d out of range for subset length %d", i, len(s.rows))
		}
		r := s.rows[i]
		inputs[bi] = s.features[r]
		labels[bi] = s.responses[r]
	}
	return inputs, labels, nil
}
