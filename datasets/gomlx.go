package datasets

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/odenet/blocks"
)

// TensorFeed yields the sampled batches of a dataset as gomlx tensors, one
// epoch at a time, following the Name/Yield/Reset protocol of gomlx training
// loops: Yield returns io.EOF once the epoch is exhausted and Reset starts
// the next one with a fresh block permutation.
type TensorFeed struct {
	DS      Dataset
	Sampler *blocks.Sampler

	// Sequences yields [blocks, time, dim] tensors instead of [rows, dim].
	Sequences bool

	// Ordered walks the blocks in storage order instead of drawing a
	// permutation, for evaluation passes.
	Ordered bool

	name  string
	epoch *blocks.Epoch
}

// NewTensorFeed returns a feed over ds batched by s.
func NewTensorFeed(name string, ds Dataset, s *blocks.Sampler) *TensorFeed {
	return &TensorFeed{DS: ds, Sampler: s, name: name}
}

// Name returns the name of the feed.
func (f *TensorFeed) Name() string { return f.name }

// Tensors reads the rows at indices and returns them as gomlx tensors.
func (f *TensorFeed) Tensors(indices []int) (inputs, labels *tensors.Tensor, err error) {
	in, la, err := f.DS.Batch(indices)
	if err != nil {
		return nil, nil, err
	}
	flat, err := MakeFlatBatch(in, la)
	if err != nil {
		return nil, nil, err
	}
	if f.Sequences {
		return flat.ToGomlxSequenceTensors(f.Sampler.BlockSize())
	}
	return flat.ToGomlxTensors()
}

// Yield returns the next batch of the current epoch.
func (f *TensorFeed) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if f.epoch == nil {
		if f.Ordered {
			f.epoch = f.Sampler.InOrder()
		} else {
			f.epoch = f.Sampler.Iterate()
		}
	}
	indices, ok := f.epoch.Next()
	if !ok {
		return nil, nil, nil, io.EOF
	}
	in, la, err := f.Tensors(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// Reset ends the current epoch; the next Yield starts a new one.
func (f *TensorFeed) Reset() { f.epoch = nil }
