//go:build !hdf5

package datasets

import "fmt"

// ReadHDF5 is unavailable without the hdf5 build tag (it needs cgo and libhdf5).
func ReadHDF5(path string) (*Table, error) {
	return nil, fmt.Errorf("cannot read %s: HDF5 support unavailable in this build; rebuild with -tags hdf5", path)
}
