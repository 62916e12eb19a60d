package surrogate

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Param is a named tensor of the network together with the gradient the last
// backward pass accumulated for it. Buffers hold running statistics: they are
// saved with the model but never touched by an optimizer.
type Param struct {
	Name   string
	Value  *mat.Dense
	Grad   *mat.Dense
	Buffer bool
}

func newParam(name string, r, c int) *Param {
	return &Param{Name: name, Value: mat.NewDense(r, c, nil), Grad: mat.NewDense(r, c, nil)}
}

func newBuffer(name string, r, c int) *Param {
	return &Param{Name: name, Value: mat.NewDense(r, c, nil), Buffer: true}
}

func (p *Param) zeroGrad() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
}

// uniformInit fills the value with U(-limit, limit) draws.
func (p *Param) uniformInit(limit float64, rng *rand.Rand) {
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
}

// layer is one differentiable stage of a feed-forward network. backward
// receives the gradient w.r.t. the output of the last forward call, adds the
// parameter gradients and returns the gradient w.r.t. the input.
type layer interface {
	forward(x *mat.Dense, train bool) *mat.Dense
	backward(dy *mat.Dense) *mat.Dense
	params() []*Param
}

type stack []layer

func (s stack) forward(x *mat.Dense, train bool) *mat.Dense {
	for _, l := range s {
		x = l.forward(x, train)
	}
	return x
}

func (s stack) backward(dy *mat.Dense) *mat.Dense {
	for i := len(s) - 1; i >= 0; i-- {
		dy = s[i].backward(dy)
	}
	return dy
}

func (s stack) params() []*Param {
	var ps []*Param
	for _, l := range s {
		ps = append(ps, l.params()...)
	}
	return ps
}

// addBias adds the 1 x c bias row to every row of m.
func addBias(m *mat.Dense, b *Param) {
	bias := b.Value.RawRowView(0)
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}

// accumulateOuter adds aᵀ·b to the gradient of p.
func accumulateOuter(p *Param, a, b mat.Matrix) {
	var g mat.Dense
	g.Mul(a.T(), b)
	p.Grad.Add(p.Grad, &g)
}

// accumulateColSums adds the column sums of m to the 1 x c gradient of p.
func accumulateColSums(p *Param, m *mat.Dense) {
	g := p.Grad.RawRowView(0)
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(g, m.RawRowView(i))
	}
}

// dense is a fully connected layer, y = x·Wᵀ + b with W stored out x in.
type dense struct {
	w, b *Param
	x    *mat.Dense
}

func newDense(name string, in, out int, rng *rand.Rand) *dense {
	d := &dense{w: newParam(name+".weight", out, in), b: newParam(name+".bias", 1, out)}
	limit := 1 / math.Sqrt(float64(in))
	d.w.uniformInit(limit, rng)
	d.b.uniformInit(limit, rng)
	return d
}

func (d *dense) forward(x *mat.Dense, _ bool) *mat.Dense {
	d.x = x
	var y mat.Dense
	y.Mul(x, d.w.Value.T())
	addBias(&y, d.b)
	return &y
}

func (d *dense) backward(dy *mat.Dense) *mat.Dense {
	accumulateOuter(d.w, dy, d.x)
	accumulateColSums(d.b, dy)
	var dx mat.Dense
	dx.Mul(dy, d.w.Value)
	return &dx
}

func (d *dense) params() []*Param { return []*Param{d.w, d.b} }

type relu struct {
	out *mat.Dense
}

func (r *relu) forward(x *mat.Dense, _ bool) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
	r.out = &y
	return &y
}

func (r *relu) backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, v float64) float64 {
		if r.out.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dy)
	return &dx
}

func (r *relu) params() []*Param { return nil }

// dropout zeroes activations with probability p while training and scales
// the survivors by 1/(1-p). It is the identity in evaluation.
type dropout struct {
	p    float64
	rng  *rand.Rand
	mask *mat.Dense
}

func (d *dropout) forward(x *mat.Dense, train bool) *mat.Dense {
	if !train || d.p == 0 {
		d.mask = nil
		return x
	}
	r, c := x.Dims()
	scale := 1 / (1 - d.p)
	d.mask = mat.NewDense(r, c, nil)
	data := d.mask.RawMatrix().Data
	for i := range data {
		if d.rng.Float64() >= d.p {
			data[i] = scale
		}
	}
	var y mat.Dense
	y.MulElem(x, d.mask)
	return &y
}

func (d *dropout) backward(dy *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dy
	}
	var dx mat.Dense
	dx.MulElem(dy, d.mask)
	return &dx
}

func (d *dropout) params() []*Param { return nil }

// batchNorm normalizes every column with the batch statistics while training
// and with running estimates (momentum 0.1, unbiased variance) otherwise.
type batchNorm struct {
	gamma, beta     *Param
	runMean, runVar *Param
	momentum, eps   float64
	xhat            *mat.Dense
	invStd          []float64
}

func newBatchNorm(name string, dim int) *batchNorm {
	bn := &batchNorm{
		gamma:    newParam(name+".weight", 1, dim),
		beta:     newParam(name+".bias", 1, dim),
		runMean:  newBuffer(name+".running_mean", 1, dim),
		runVar:   newBuffer(name+".running_var", 1, dim),
		momentum: 0.1,
		eps:      1e-5,
	}
	floats.AddConst(1, bn.gamma.Value.RawRowView(0))
	floats.AddConst(1, bn.runVar.Value.RawRowView(0))
	return bn
}

func (bn *batchNorm) forward(x *mat.Dense, train bool) *mat.Dense {
	n, c := x.Dims()
	y := mat.NewDense(n, c, nil)
	gamma := bn.gamma.Value.RawRowView(0)
	beta := bn.beta.Value.RawRowView(0)
	rm := bn.runMean.Value.RawRowView(0)
	rv := bn.runVar.Value.RawRowView(0)

	if !train {
		for j := 0; j < c; j++ {
			inv := 1 / math.Sqrt(rv[j]+bn.eps)
			for i := 0; i < n; i++ {
				y.Set(i, j, gamma[j]*(x.At(i, j)-rm[j])*inv+beta[j])
			}
		}
		return y
	}

	bn.xhat = mat.NewDense(n, c, nil)
	bn.invStd = make([]float64, c)
	col := make([]float64, n)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		mean, variance := stat.PopMeanVariance(col, nil)
		inv := 1 / math.Sqrt(variance+bn.eps)
		bn.invStd[j] = inv
		for i, v := range col {
			xh := (v - mean) * inv
			bn.xhat.Set(i, j, xh)
			y.Set(i, j, gamma[j]*xh+beta[j])
		}
		unbiased := variance
		if n > 1 {
			unbiased = variance * float64(n) / float64(n-1)
		}
		rm[j] = (1-bn.momentum)*rm[j] + bn.momentum*mean
		rv[j] = (1-bn.momentum)*rv[j] + bn.momentum*unbiased
	}
	return y
}

func (bn *batchNorm) backward(dy *mat.Dense) *mat.Dense {
	n, c := dy.Dims()
	dx := mat.NewDense(n, c, nil)
	gamma := bn.gamma.Value.RawRowView(0)
	gGamma := bn.gamma.Grad.RawRowView(0)
	gBeta := bn.beta.Grad.RawRowView(0)
	fn := float64(n)
	for j := 0; j < c; j++ {
		var sumDy, sumDyXh float64
		for i := 0; i < n; i++ {
			d := dy.At(i, j)
			sumDy += d
			sumDyXh += d * bn.xhat.At(i, j)
		}
		gGamma[j] += sumDyXh
		gBeta[j] += sumDy
		k := gamma[j] * bn.invStd[j] / fn
		for i := 0; i < n; i++ {
			dx.Set(i, j, k*(fn*dy.At(i, j)-sumDy-bn.xhat.At(i, j)*sumDyXh))
		}
	}
	return dx
}

func (bn *batchNorm) params() []*Param {
	return []*Param{bn.gamma, bn.beta, bn.runMean, bn.runVar}
}

// residual computes relu(x + body(x)).
type residual struct {
	body stack
	out  *mat.Dense
}

func (r *residual) forward(x *mat.Dense, train bool) *mat.Dense {
	h := r.body.forward(x, train)
	var y mat.Dense
	y.Add(x, h)
	y.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, &y)
	r.out = &y
	return &y
}

func (r *residual) backward(dy *mat.Dense) *mat.Dense {
	var d mat.Dense
	d.Apply(func(i, j int, v float64) float64 {
		if r.out.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dy)
	dBody := r.body.backward(&d)
	var dx mat.Dense
	dx.Add(&d, dBody)
	return &dx
}

func (r *residual) params() []*Param { return r.body.params() }
