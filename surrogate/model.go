// Package surrogate holds the networks trained to reproduce ODE simulation
// responses from parameters and time, together with their optimizers and
// learning-rate schedules. Everything runs in pure Go on gonum matrices.
package surrogate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNonFiniteLoss is returned when a training batch produces a NaN or
// infinite loss. The parameters are left as they were before the batch.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Options configures a surrogate network and its optimizer.
type Options struct {
	// Arch is the network name, for example "mlp", "resnet18_mlp" or "rnn".
	Arch string

	NumInput    int
	NumResponse int

	// SizeRatio sets the hidden width to int(SizeRatio*NumInput), at least 1.
	SizeRatio float64

	// NumLayers is the number of hidden layers of a plain mlp beyond the
	// first one.
	NumLayers int

	// Dropout probability in [0, 1). Not used by the recurrent net.
	Dropout float64

	// BatchNorm adds batch normalization after every hidden layer of a plain
	// mlp.
	BatchNorm bool

	Optimizer    string
	LearningRate float64
	Momentum     float64
}

// Model is a network plus its optimizer. It is not safe for concurrent use.
type Model struct {
	Options Options
	Arch    Architecture

	net    network
	opt    Optimizer
	params []*Param
}

// New builds a freshly initialized model. rng drives weight initialization
// and dropout masks.
func New(o Options, rng *rand.Rand) (*Model, error) {
	if o.NumInput < 1 || o.NumResponse < 1 {
		return nil, fmt.Errorf("network needs at least one input and one response, got %d and %d", o.NumInput, o.NumResponse)
	}
	if o.SizeRatio <= 0 {
		return nil, fmt.Errorf("layer size ratio must be positive, got %v", o.SizeRatio)
	}
	if o.NumLayers < 0 {
		return nil, fmt.Errorf("number of layers must not be negative, got %d", o.NumLayers)
	}
	if o.Dropout < 0 || o.Dropout >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", o.Dropout)
	}
	arch, depth, err := ParseArchitecture(o.Arch)
	if err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(o.Optimizer, o.LearningRate, o.Momentum)
	if err != nil {
		return nil, err
	}

	net := builders[arch](o, depth, rng)
	return &Model{
		Options: o,
		Arch:    arch,
		net:     net,
		opt:     opt,
		params:  net.params(),
	}, nil
}

// Params returns every parameter and buffer of the network.
func (m *Model) Params() []*Param { return m.params }

// Optimizer returns the optimizer updating the model.
func (m *Model) Optimizer() Optimizer { return m.opt }

// NumTrainable returns the number of trainable scalars.
func (m *Model) NumTrainable() int {
	n := 0
	for _, p := range m.params {
		if !p.Buffer {
			r, c := p.Value.Dims()
			n += r * c
		}
	}
	return n
}

func toDense(rows [][]float32, dim int, what string) (*mat.Dense, error) {
	x := mat.NewDense(len(rows), dim, nil)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("%s row %d has %d values, expected %d", what, i, len(row), dim)
		}
		dst := x.RawRowView(i)
		for j, v := range row {
			dst[j] = float64(v)
		}
	}
	return x, nil
}

func fromDense(x *mat.Dense) [][]float32 {
	r, c := x.Dims()
	out := make([][]float32, r)
	for i := range out {
		row := make([]float32, c)
		for j, v := range x.RawRowView(i) {
			row[j] = float32(v)
		}
		out[i] = row
	}
	return out
}

// inputs converts a batch and checks that a recurrent model gets whole blocks.
func (m *Model) inputs(rows [][]float32, blockSize int) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, errors.New("empty batch")
	}
	if m.Arch.Recurrent() && (blockSize < 1 || len(rows)%blockSize != 0) {
		return nil, fmt.Errorf("recurrent network needs whole blocks: %d rows, block size %d", len(rows), blockSize)
	}
	return toDense(rows, m.Options.NumInput, "input")
}

func (m *Model) batch(inputs, labels [][]float32, blockSize int) (*mat.Dense, *mat.Dense, error) {
	if len(inputs) != len(labels) {
		return nil, nil, fmt.Errorf("inputs and labels batch sizes don't match: %d != %d", len(inputs), len(labels))
	}
	x, err := m.inputs(inputs, blockSize)
	if err != nil {
		return nil, nil, err
	}
	y, err := toDense(labels, m.Options.NumResponse, "label")
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// mseLoss returns the mean squared error over every element and its gradient
// w.r.t. pred.
func mseLoss(pred, target *mat.Dense) (float64, *mat.Dense) {
	r, c := pred.Dims()
	var diff mat.Dense
	diff.Sub(pred, target)
	n := float64(r * c)
	d := diff.RawMatrix().Data
	loss := floats.Dot(d, d) / n
	var grad mat.Dense
	grad.Scale(2/n, &diff)
	return loss, &grad
}

// TrainBatch runs one optimization step on a batch and returns its mean
// squared error. blockSize is the number of rows per block in the batch; only
// recurrent networks use it.
func (m *Model) TrainBatch(inputs, labels [][]float32, blockSize int) (float64, error) {
	x, y, err := m.batch(inputs, labels, blockSize)
	if err != nil {
		return 0, err
	}
	for _, p := range m.params {
		p.zeroGrad()
	}
	pred := m.net.forward(x, blockSize, true)
	loss, grad := mseLoss(pred, y)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, ErrNonFiniteLoss
	}
	m.net.backward(grad)
	m.opt.Step(m.params)
	return loss, nil
}

// EvalBatch returns the mean squared error of a batch without training.
func (m *Model) EvalBatch(inputs, labels [][]float32, blockSize int) (float64, error) {
	x, y, err := m.batch(inputs, labels, blockSize)
	if err != nil {
		return 0, err
	}
	loss, _ := mseLoss(m.net.forward(x, blockSize, false), y)
	return loss, nil
}

// EvalWindow predicts whole blocks of blockSize rows and returns the mean
// squared error over the positions from..blockSize-1 of every block only.
func (m *Model) EvalWindow(inputs, labels [][]float32, blockSize, from int) (float64, error) {
	if blockSize < 1 || from < 0 || from >= blockSize {
		return 0, fmt.Errorf("window start %d outside block of %d rows", from, blockSize)
	}
	if len(inputs)%blockSize != 0 {
		return 0, fmt.Errorf("%d rows are not whole blocks of %d", len(inputs), blockSize)
	}
	x, y, err := m.batch(inputs, labels, blockSize)
	if err != nil {
		return 0, err
	}
	pred := m.net.forward(x, blockSize, false)

	var sum float64
	var n int
	rows, _ := pred.Dims()
	for i := 0; i < rows; i++ {
		if i%blockSize < from {
			continue
		}
		p, t := pred.RawRowView(i), y.RawRowView(i)
		for j := range p {
			d := p[j] - t[j]
			sum += d * d
			n++
		}
	}
	return sum / float64(n), nil
}

// PredictBatch returns model predictions for a batch of inputs.
func (m *Model) PredictBatch(inputs [][]float32, blockSize int) ([][]float32, error) {
	x, err := m.inputs(inputs, blockSize)
	if err != nil {
		return nil, err
	}
	return fromDense(m.net.forward(x, blockSize, false)), nil
}

// GradStat summarizes the gradient of one weight matrix.
type GradStat struct {
	Name    string
	MeanAbs float64
	MaxAbs  float64
}

// GradientFlow reports the mean and max absolute gradient of every weight
// (bias and buffer excluded) left by the last TrainBatch.
func (m *Model) GradientFlow() []GradStat {
	var out []GradStat
	for _, p := range m.params {
		if p.Buffer || strings.HasSuffix(p.Name, ".bias") {
			continue
		}
		data := p.Grad.RawMatrix().Data
		var sum, mx float64
		for _, g := range data {
			a := math.Abs(g)
			sum += a
			mx = math.Max(mx, a)
		}
		out = append(out, GradStat{Name: p.Name, MeanAbs: sum / float64(len(data)), MaxAbs: mx})
	}
	return out
}

// Snapshot is the serializable form of a model's parameters and buffers.
type Snapshot struct {
	Options Options
	Params  map[string][]float64
}

// Snapshot copies the current parameter values.
func (m *Model) Snapshot() Snapshot {
	s := Snapshot{Options: m.Options, Params: make(map[string][]float64, len(m.params))}
	for _, p := range m.params {
		s.Params[p.Name] = append([]float64(nil), p.Value.RawMatrix().Data...)
	}
	return s
}

// Load overwrites the parameter values with those of s. The snapshot must
// come from a model with the same architecture and dimensions.
func (m *Model) Load(s Snapshot) error {
	for _, p := range m.params {
		data, ok := s.Params[p.Name]
		if !ok {
			return fmt.Errorf("snapshot has no parameter %s", p.Name)
		}
		dst := p.Value.RawMatrix().Data
		if len(data) != len(dst) {
			return fmt.Errorf("snapshot parameter %s has %d values, model has %d", p.Name, len(data), len(dst))
		}
		copy(dst, data)
	}
	if len(s.Params) != len(m.params) {
		return fmt.Errorf("snapshot has %d parameters, model has %d", len(s.Params), len(m.params))
	}
	return nil
}

// FromSnapshot rebuilds a model from a snapshot.
func FromSnapshot(s Snapshot, rng *rand.Rand) (*Model, error) {
	m, err := New(s.Options, rng)
	if err != nil {
		return nil, err
	}
	if err := m.Load(s); err != nil {
		return nil, err
	}
	return m, nil
}
