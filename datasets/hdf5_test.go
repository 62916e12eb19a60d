//go:build hdf5

package datasets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/hdf5"
)

// writeDataset stores buf under name with the given dimensions.
func writeDataset(t *testing.T, f *hdf5.File, name string, buf []float64, dims ...uint) {
	t.Helper()
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	require.NoError(t, err)
	defer space.Close()
	ds, err := f.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, space)
	require.NoError(t, err)
	defer ds.Close()
	require.NoError(t, ds.Write(&buf))
}

// writeMAT writes nBlocks blocks of ntime rows in the column-major layout
// MATLAB uses: two features, one response, 1-based block ids.
func writeMAT(t *testing.T, path string, nBlocks, ntime int) {
	t.Helper()
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	require.NoError(t, err)
	defer f.Close()

	rows := nBlocks * ntime
	inputs := make([]float64, 2*rows)
	outputs := make([]float64, rows)
	samples := make([]float64, rows)
	for r := 0; r < rows; r++ {
		inputs[r] = float64(r / ntime)      // feature 0: block parameter
		inputs[rows+r] = float64(r % ntime) // feature 1: time
		outputs[r] = float64(-r)
		samples[r] = float64(r/ntime + 1)
	}
	writeDataset(t, f, "inputstore", inputs, 2, uint(rows))
	writeDataset(t, f, "outputstore", outputs, 1, uint(rows))
	writeDataset(t, f, "samplevec", samples, uint(rows))
	writeDataset(t, f, "nthetaset", []float64{float64(nBlocks)}, 1)
	writeDataset(t, f, "ntime", []float64{float64(ntime)}, 1)
}

func TestReadHDF5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.mat")
	writeMAT(t, path, 3, 4)

	tbl, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 12, tbl.Len())
	assert.Equal(t, []string{"theta0", "theta1"}, tbl.FeatureNames)
	assert.Equal(t, []float32{1, 2}, tbl.Features[6], "rows are transposed")
	assert.Equal(t, []float32{-6}, tbl.Responses[6])
	assert.Equal(t, 1, tbl.BlockIDs[6], "block ids become 0-based")

	idx, err := tbl.Validate()
	require.NoError(t, err)
	assert.Equal(t, 3, idx.NumBlocks())
	assert.Equal(t, 4, idx.BlockSize)
}

func TestReadHDF5_MissingDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.h5")
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	require.NoError(t, err)
	writeDataset(t, f, "inputstore", []float64{1, 2}, 1, 2)
	f.Close()

	_, err = ReadHDF5(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outputstore")
}

// TestReadHDF5_Fixture reads a simulator export named by ODENET_HDF5_FIXTURE.
func TestReadHDF5_Fixture(t *testing.T) {
	path := os.Getenv("ODENET_HDF5_FIXTURE")
	if path == "" {
		path = filepath.Join("testdata", "sparselinearode_new.small.stepwiseadd.mat")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("HDF5 fixture not found at %s, skipping", path)
	}
	tbl, err := ReadHDF5(path)
	require.NoError(t, err)
	idx, err := tbl.Validate()
	require.NoError(t, err)
	assert.Equal(t, tbl.NumBlocks, idx.NumBlocks())
	assert.Equal(t, tbl.BlockLen, idx.BlockSize)
}
