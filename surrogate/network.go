package surrogate

import "gonum.org/v1/gonum/mat"

// network maps a batch of rows to predictions. Feed-forward networks ignore
// blockSize; recurrent ones require the batch to hold whole blocks of it.
type network interface {
	forward(x *mat.Dense, blockSize int, train bool) *mat.Dense
	// backward takes the loss gradient w.r.t. the last forward output.
	backward(dy *mat.Dense)
	params() []*Param
}

type feedForward struct {
	layers stack
}

func (f *feedForward) forward(x *mat.Dense, _ int, train bool) *mat.Dense {
	return f.layers.forward(x, train)
}

func (f *feedForward) backward(dy *mat.Dense) { f.layers.backward(dy) }

func (f *feedForward) params() []*Param { return f.layers.params() }
