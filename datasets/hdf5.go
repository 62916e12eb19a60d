//go:build hdf5

package datasets

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// ReadHDF5 reads a MATLAB (v7.3) simulation store. MATLAB writes matrices
// column-major, so every 2-D dataset is transposed on read:
//
//	inputstore   features  x rows   -> rows x features
//	outputstore  responses x rows   -> rows x responses
//	samplevec    1-based block id per row
//	nthetaset    number of blocks (scalar)
//	ntime        rows per block (scalar)
func ReadHDF5(path string) (*Table, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("failed to open HDF5 %s: %w", path, err)
	}
	defer f.Close()

	features, fdims, err := readMatrix(f, "inputstore")
	if err != nil {
		return nil, err
	}
	responses, rdims, err := readMatrix(f, "outputstore")
	if err != nil {
		return nil, err
	}
	samples, _, err := readMatrix(f, "samplevec")
	if err != nil {
		return nil, err
	}
	nblocks, err := readScalar(f, "nthetaset")
	if err != nil {
		return nil, err
	}
	ntime, err := readScalar(f, "ntime")
	if err != nil {
		return nil, err
	}

	// stored as [cols][rows]
	nrows := fdims[1]
	if rdims[1] != nrows || uint(len(samples)) != nrows {
		return nil, fmt.Errorf("HDF5 %s: inputstore has %d rows, outputstore %d, samplevec %d",
			path, nrows, rdims[1], len(samples))
	}

	t := &Table{
		Source:        path,
		FeatureNames:  numberedNames("theta", int(fdims[0])),
		ResponseNames: numberedNames("resp_", int(rdims[0])),
		Features:      transpose(features, fdims),
		Responses:     transpose(responses, rdims),
		BlockIDs:      make([]int, nrows),
		NumBlocks:     int(nblocks),
		BlockLen:      int(ntime),
	}
	for i, v := range samples {
		t.BlockIDs[i] = int(v) - 1
	}
	return t, nil
}

func readMatrix(f *hdf5.File, name string) ([]float64, []uint, error) {
	ds, err := f.OpenDataset(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open dataset %s: %w", name, err)
	}
	defer ds.Close()

	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dims of %s: %w", name, err)
	}
	if len(dims) == 1 {
		dims = []uint{1, dims[0]}
	}
	if len(dims) != 2 {
		return nil, nil, fmt.Errorf("dataset %s has rank %d, expected 2", name, len(dims))
	}

	buf := make([]float64, dims[0]*dims[1])
	if err := ds.Read(&buf); err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset %s: %w", name, err)
	}
	return buf, dims, nil
}

func readScalar(f *hdf5.File, name string) (float64, error) {
	buf, _, err := readMatrix(f, name)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("dataset %s is empty", name)
	}
	return buf[0], nil
}

// transpose turns a row-major [cols][rows] buffer into rows of float32.
func transpose(buf []float64, dims []uint) [][]float32 {
	cols, rows := int(dims[0]), int(dims[1])
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		for c := 0; c < cols; c++ {
			row[c] = float32(buf[c*rows+r])
		}
		out[r] = row
	}
	return out
}

func numberedNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return names
}
