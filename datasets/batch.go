package datasets

import (
	"errors"
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batch is one sampled index batch together with its rows.
type Batch struct {
	// Seq is the position of the batch in its epoch, starting at 0.
	Seq int

	// Indices are the dataset positions the batch was built from.
	Indices []int

	Inputs [][]float32
	Labels [][]float32
}

// FlatBatch holds a batch as two row-major buffers, the layout gomlx
// tensors are built from.
type FlatBatch struct {
	Rows     int
	InputDim int
	LabelDim int

	Inputs []float32 // Rows x InputDim
	Labels []float32 // Rows x LabelDim
}

// flatten copies equally sized rows into one buffer.
func flatten(rows [][]float32, what string) ([]float32, int, error) {
	dim := len(rows[0])
	if dim == 0 {
		return nil, 0, fmt.Errorf("%s rows are empty", what)
	}
	buf := make([]float32, 0, len(rows)*dim)
	for i, r := range rows {
		if len(r) != dim {
			return nil, 0, fmt.Errorf("%s row %d has %d values, row 0 has %d", what, i, len(r), dim)
		}
		buf = append(buf, r...)
	}
	return buf, dim, nil
}

// MakeFlatBatch copies the rows of a batch into a FlatBatch. Batches always
// hold at least one row; an empty one is an error.
func MakeFlatBatch(inputs, labels [][]float32) (*FlatBatch, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("batch has %d input rows and %d label rows", len(inputs), len(labels))
	}
	if len(inputs) == 0 {
		return nil, errEmptyBatch
	}
	b := &FlatBatch{Rows: len(inputs)}
	var err error
	if b.Inputs, b.InputDim, err = flatten(inputs, "input"); err != nil {
		return nil, err
	}
	if b.Labels, b.LabelDim, err = flatten(labels, "label"); err != nil {
		return nil, err
	}
	return b, nil
}

var errEmptyBatch = errors.New("empty batch")

func (b *FlatBatch) checkBlocks(blockSize int) error {
	if blockSize < 1 || b.Rows%blockSize != 0 {
		return fmt.Errorf("batch of %d rows is not a whole number of blocks of %d", b.Rows, blockSize)
	}
	return nil
}

// Sequences reshapes the batch into [blocks][timeSteps][dim] for recurrent
// consumers. The batch must hold whole blocks of blockSize rows.
func (b *FlatBatch) Sequences(blockSize int) (inputs, labels [][][]float32, err error) {
	if err := b.checkBlocks(blockSize); err != nil {
		return nil, nil, err
	}
	n := b.Rows / blockSize
	inputs = make([][][]float32, n)
	labels = make([][][]float32, n)
	for s := range n {
		inputs[s] = make([][]float32, blockSize)
		labels[s] = make([][]float32, blockSize)
		for t := range blockSize {
			r := s*blockSize + t
			inputs[s][t] = b.Inputs[r*b.InputDim : (r+1)*b.InputDim]
			labels[s][t] = b.Labels[r*b.LabelDim : (r+1)*b.LabelDim]
		}
	}
	return inputs, labels, nil
}

// ToGomlxTensors returns [rows, dim] tensors of the inputs and labels.
func (b *FlatBatch) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	if b.Rows == 0 {
		return nil, nil, errEmptyBatch
	}
	return tensors.FromFlatDataAndDimensions(b.Inputs, b.Rows, b.InputDim),
		tensors.FromFlatDataAndDimensions(b.Labels, b.Rows, b.LabelDim), nil
}

// ToGomlxSequenceTensors returns [blocks, blockSize, dim] tensors.
func (b *FlatBatch) ToGomlxSequenceTensors(blockSize int) (*tensors.Tensor, *tensors.Tensor, error) {
	if b.Rows == 0 {
		return nil, nil, errEmptyBatch
	}
	if err := b.checkBlocks(blockSize); err != nil {
		return nil, nil, err
	}
	n := b.Rows / blockSize
	return tensors.FromFlatDataAndDimensions(b.Inputs, n, blockSize, b.InputDim),
		tensors.FromFlatDataAndDimensions(b.Labels, n, blockSize, b.LabelDim), nil
}
