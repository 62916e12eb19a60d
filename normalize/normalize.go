// Package normalize implements per-column z-score scaling fit on the training
// partition only and applied unchanged to every other partition.
package normalize

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ErrDegenerateColumn is matched by every *DegenerateColumnError.
var ErrDegenerateColumn = errors.New("normalize: degenerate column")

// DegenerateColumnError reports a column whose training values have zero
// variance, which would turn every scaled value into NaN or Inf.
type DegenerateColumnError struct {
	Column int
	Name   string
	Mean   float64
}

func (e *DegenerateColumnError) Error() string {
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("#%d", e.Column)
	}
	return fmt.Sprintf("column %s has zero variance (constant value %g)", name, e.Mean)
}

func (e *DegenerateColumnError) Is(target error) bool { return target == ErrDegenerateColumn }

// Stats holds the per-column statistics of a fit.
type Stats struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Fit computes the per-column mean and population standard deviation of rows.
// names is optional and only used for error messages.
func Fit(rows [][]float32, names ...string) (*Stats, error) {
	if len(rows) == 0 {
		return nil, errors.New("normalize: no rows to fit")
	}
	dim := len(rows[0])
	st := &Stats{Mean: make([]float64, dim), Std: make([]float64, dim)}
	col := make([]float64, len(rows))
	for j := 0; j < dim; j++ {
		for i, r := range rows {
			if len(r) != dim {
				return nil, fmt.Errorf("normalize: row %d has %d columns, expected %d", i, len(r), dim)
			}
			col[i] = float64(r[j])
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		if !(variance > 0) {
			e := &DegenerateColumnError{Column: j, Mean: mean}
			if j < len(names) {
				e.Name = names[j]
			}
			return nil, e
		}
		st.Mean[j] = mean
		st.Std[j] = math.Sqrt(variance)
	}
	return st, nil
}

// Dim returns the number of columns the stats were fit on.
func (s *Stats) Dim() int { return len(s.Mean) }

// Apply returns a scaled copy of rows using the fitted statistics.
func (s *Stats) Apply(rows [][]float32) ([][]float32, error) {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		if len(r) != s.Dim() {
			return nil, fmt.Errorf("normalize: row %d has %d columns, stats have %d", i, len(r), s.Dim())
		}
		o := make([]float32, len(r))
		for j, v := range r {
			o[j] = float32((float64(v) - s.Mean[j]) / s.Std[j])
		}
		out[i] = o
	}
	return out, nil
}

// Invert maps scaled rows back to the original units.
func (s *Stats) Invert(rows [][]float32) ([][]float32, error) {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		if len(r) != s.Dim() {
			return nil, fmt.Errorf("normalize: row %d has %d columns, stats have %d", i, len(r), s.Dim())
		}
		o := make([]float32, len(r))
		for j, v := range r {
			o[j] = float32(float64(v)*s.Std[j] + s.Mean[j])
		}
		out[i] = o
	}
	return out, nil
}
