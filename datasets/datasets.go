package datasets

// This package loads simulation output tables and presents row subsets of
// them as examples suitable for model training.
//
// Layout and intended usage:
//
// Table
//   - One row per simulated time step: a feature vector (parameters plus the
//     time-varying inputs, time itself included), a response vector and the id
//     of the trajectory ("block") the row belongs to.
//   - Rows of a block are stored contiguously and in time order.
//
// Subset
//   - A view of a Table restricted to a list of rows (a partition or one of its
//     windows). Indices passed to Example/Batch are positions inside the
//     subset, which is what the block sampler produces.
//
// Loader
//   - Fetches the rows of every sampled index batch with a small worker pool
//     and hands the batches back in sampling order.

// Dataset is the minimal interface the trainer and the loader need.
type Dataset interface {
	Len() int
	Example(i int) (inputs []float32, labels []float32, err error)
	Batch(indices []int) (inputs [][]float32, labels [][]float32, err error)
}
