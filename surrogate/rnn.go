package surrogate

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// elman is a single layer Elman network with a linear read-out:
//
//	h_t = tanh(x_t·Wxhᵀ + h_{t-1}·Whhᵀ + b_h)
//	y_t = h_t·Whyᵀ + b_y
//
// A batch holds whole blocks of blockSize consecutive rows. Every block is
// one sequence and starts from a zero hidden state.
type elman struct {
	wxh, whh, bh *Param
	out          *dense

	blockSize, nseq int
	xs, hs          []*mat.Dense // per time step; hs[0] is the zero state
}

func newElman(in, hidden, out int, rng *rand.Rand) *elman {
	e := &elman{
		wxh: newParam("rnn.weight_ih", hidden, in),
		whh: newParam("rnn.weight_hh", hidden, hidden),
		bh:  newParam("rnn.bias", 1, hidden),
		out: newDense("output", hidden, out, rng),
	}
	limit := 1 / math.Sqrt(float64(hidden))
	e.wxh.uniformInit(limit, rng)
	e.whh.uniformInit(limit, rng)
	e.bh.uniformInit(limit, rng)
	return e
}

// gatherStep collects row t of every block.
func gatherStep(x *mat.Dense, blockSize, nseq, t int) *mat.Dense {
	_, c := x.Dims()
	g := mat.NewDense(nseq, c, nil)
	for s := 0; s < nseq; s++ {
		g.SetRow(s, x.RawRowView(s*blockSize+t))
	}
	return g
}

func (e *elman) forward(x *mat.Dense, blockSize int, _ bool) *mat.Dense {
	n, _ := x.Dims()
	hidden, _ := e.whh.Value.Dims()
	_, nout := e.out.b.Value.Dims()
	e.blockSize, e.nseq = blockSize, n/blockSize
	e.xs = make([]*mat.Dense, blockSize)
	e.hs = make([]*mat.Dense, blockSize+1)
	e.hs[0] = mat.NewDense(e.nseq, hidden, nil)

	y := mat.NewDense(n, nout, nil)
	for t := 0; t < blockSize; t++ {
		xt := gatherStep(x, blockSize, e.nseq, t)
		e.xs[t] = xt

		var h, rec mat.Dense
		h.Mul(xt, e.wxh.Value.T())
		rec.Mul(e.hs[t], e.whh.Value.T())
		h.Add(&h, &rec)
		addBias(&h, e.bh)
		h.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, &h)
		e.hs[t+1] = &h

		var yt mat.Dense
		yt.Mul(&h, e.out.w.Value.T())
		addBias(&yt, e.out.b)
		for s := 0; s < e.nseq; s++ {
			y.SetRow(s*blockSize+t, yt.RawRowView(s))
		}
	}
	return y
}

// backward runs backpropagation through time over every block.
func (e *elman) backward(dy *mat.Dense) {
	hidden, _ := e.whh.Value.Dims()
	dhNext := mat.NewDense(e.nseq, hidden, nil)
	for t := e.blockSize - 1; t >= 0; t-- {
		dyt := gatherStep(dy, e.blockSize, e.nseq, t)
		h := e.hs[t+1]
		accumulateOuter(e.out.w, dyt, h)
		accumulateColSums(e.out.b, dyt)

		var dpre mat.Dense
		dpre.Mul(dyt, e.out.w.Value)
		dpre.Add(&dpre, dhNext)
		dpre.Apply(func(i, j int, v float64) float64 {
			hv := h.At(i, j)
			return v * (1 - hv*hv)
		}, &dpre)

		accumulateOuter(e.wxh, &dpre, e.xs[t])
		accumulateOuter(e.whh, &dpre, e.hs[t])
		accumulateColSums(e.bh, &dpre)

		next := mat.NewDense(e.nseq, hidden, nil)
		next.Mul(&dpre, e.whh.Value)
		dhNext = next
	}
}

func (e *elman) params() []*Param {
	return append([]*Param{e.wxh, e.whh, e.bh}, e.out.params()...)
}
