package normalize

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func randomRows(rng *rand.Rand, n int, scale, shift []float64) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		r := make([]float32, len(scale))
		for j := range r {
			r[j] = float32(rng.NormFloat64()*scale[j] + shift[j])
		}
		rows[i] = r
	}
	return rows
}

func column(rows [][]float32, j int) []float64 {
	c := make([]float64, len(rows))
	for i, r := range rows {
		c[i] = float64(r[j])
	}
	return c
}

func TestFitApply_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	train := randomRows(rng, 500, []float64{3, 0.01, 40}, []float64{-2, 5, 1000})

	st, err := Fit(train)
	require.NoError(t, err)
	require.Equal(t, 3, st.Dim())

	scaled, err := st.Apply(train)
	require.NoError(t, err)
	for j := 0; j < 3; j++ {
		mean, variance := stat.PopMeanVariance(column(scaled, j), nil)
		assert.InDelta(t, 0, mean, 1e-4, "column %d mean", j)
		assert.InDelta(t, 1, math.Sqrt(variance), 1e-4, "column %d std", j)
	}

	back, err := st.Invert(scaled)
	require.NoError(t, err)
	for i := range train {
		for j := range train[i] {
			want := float64(train[i][j])
			assert.InDelta(t, want, float64(back[i][j]), 1e-3*math.Max(1, math.Abs(want)))
		}
	}
}

func TestApply_UsesTrainStatsOnTest(t *testing.T) {
	train := [][]float32{{0}, {2}, {4}}
	test := [][]float32{{10}, {12}}

	st, err := Fit(train)
	require.NoError(t, err)
	assert.InDelta(t, 2, st.Mean[0], 1e-9)
	assert.InDelta(t, math.Sqrt(8.0/3.0), st.Std[0], 1e-9)

	scaled, err := st.Apply(test)
	require.NoError(t, err)
	assert.InDelta(t, (10-2)/math.Sqrt(8.0/3.0), scaled[0][0], 1e-5)
	assert.InDelta(t, (12-2)/math.Sqrt(8.0/3.0), scaled[1][0], 1e-5)

	// test statistics are not re-estimated: the scaled test column is not centred
	mean := stat.Mean(column(scaled, 0), nil)
	assert.Greater(t, mean, 1.0)
	assert.Equal(t, float32(10), test[0][0], "input rows must not be modified")
}

func TestFit_DegenerateColumn(t *testing.T) {
	rows := [][]float32{{1, 7}, {2, 7}, {3, 7}}
	_, err := Fit(rows, "k1", "omega")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateColumn))

	var de *DegenerateColumnError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Column)
	assert.Equal(t, "omega", de.Name)
	assert.InDelta(t, 7, de.Mean, 1e-9)
}

func TestFitApply_Errors(t *testing.T) {
	_, err := Fit(nil)
	assert.Error(t, err)

	_, err = Fit([][]float32{{1, 2}, {3}})
	assert.Error(t, err)

	st, err := Fit([][]float32{{1, 2}, {3, 5}})
	require.NoError(t, err)
	_, err = st.Apply([][]float32{{1}})
	assert.Error(t, err)
	_, err = st.Invert([][]float32{{1, 2, 3}})
	assert.Error(t, err)
}
