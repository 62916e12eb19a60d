//go:build !hdf5

package datasets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHDF5_NeedsTag(t *testing.T) {
	_, err := ReadHDF5("sim.mat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-tags hdf5")
}
