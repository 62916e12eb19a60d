package surrogate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Optimizer names accepted by NewOptimizer.
const (
	OptSGD      = "sgd"
	OptAdam     = "adam"
	OptNesterov = "nesterov_momentum"
)

// Optimizer updates parameter values from their gradients.
type Optimizer interface {
	Step(params []*Param)
	LR() float64
	SetLR(lr float64)
	State() OptimizerState
	// Restore loads a saved state for the given parameters.
	Restore(s OptimizerState, params []*Param) error
}

// OptimizerState is the serializable state of an optimizer. Slots maps
// "<slot>/<param name>" to the raw slot values.
type OptimizerState struct {
	Kind  string
	LR    float64
	Steps int
	Slots map[string][]float64
}

// NewOptimizer builds an optimizer by name. Momentum is only used by the SGD
// variants.
func NewOptimizer(kind string, lr, momentum float64) (Optimizer, error) {
	if lr <= 0 || math.IsNaN(lr) {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	switch kind {
	case OptSGD:
		return &sgd{lr: lr, momentum: momentum, bufs: map[string]*mat.Dense{}}, nil
	case OptNesterov:
		if momentum <= 0 {
			return nil, fmt.Errorf("nesterov momentum requires momentum > 0, got %v", momentum)
		}
		return &sgd{lr: lr, momentum: momentum, nesterov: true, bufs: map[string]*mat.Dense{}}, nil
	case OptAdam:
		return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8, m: map[string]*mat.Dense{}, v: map[string]*mat.Dense{}}, nil
	}
	return nil, fmt.Errorf("unknown optimizer %q (want %s, %s or %s)", kind, OptSGD, OptAdam, OptNesterov)
}

// sgd is stochastic gradient descent with optional (Nesterov) momentum:
//
//	buf = momentum*buf + g
//	p  -= lr * buf                     (classic)
//	p  -= lr * (g + momentum*buf)      (nesterov)
type sgd struct {
	lr, momentum float64
	nesterov     bool
	steps        int
	bufs         map[string]*mat.Dense
}

func (s *sgd) Step(params []*Param) {
	s.steps++
	for _, p := range params {
		if p.Buffer {
			continue
		}
		g := p.Grad
		if s.momentum != 0 {
			buf, ok := s.bufs[p.Name]
			if !ok {
				buf = mat.DenseCopyOf(g)
				s.bufs[p.Name] = buf
			} else {
				buf.Scale(s.momentum, buf)
				buf.Add(buf, g)
			}
			if s.nesterov {
				var d mat.Dense
				d.Scale(s.momentum, buf)
				d.Add(&d, g)
				g = &d
			} else {
				g = buf
			}
		}
		var upd mat.Dense
		upd.Scale(s.lr, g)
		p.Value.Sub(p.Value, &upd)
	}
}

func (s *sgd) LR() float64 { return s.lr }
func (s *sgd) SetLR(lr float64) { s.lr = lr }

func (s *sgd) kind() string {
	if s.nesterov {
		return OptNesterov
	}
	return OptSGD
}

func (s *sgd) State() OptimizerState {
	st := OptimizerState{Kind: s.kind(), LR: s.lr, Steps: s.steps, Slots: map[string][]float64{}}
	saveSlots(st.Slots, "momentum", s.bufs)
	return st
}

func (s *sgd) Restore(st OptimizerState, params []*Param) error {
	if st.Kind != s.kind() {
		return fmt.Errorf("optimizer state is for %q, not %q", st.Kind, s.kind())
	}
	s.lr, s.steps = st.LR, st.Steps
	s.bufs = map[string]*mat.Dense{}
	return loadSlots(st.Slots, "momentum", params, s.bufs)
}

// adam follows Kingma & Ba with bias correction, as torch.optim.Adam.
type adam struct {
	lr, beta1, beta2, eps float64
	steps                 int
	m, v                  map[string]*mat.Dense
}

func (a *adam) Step(params []*Param) {
	a.steps++
	bc1 := 1 - math.Pow(a.beta1, float64(a.steps))
	bc2 := 1 - math.Pow(a.beta2, float64(a.steps))
	stepSize := a.lr / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for _, p := range params {
		if p.Buffer {
			continue
		}
		r, c := p.Value.Dims()
		m, ok := a.m[p.Name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			a.m[p.Name] = m
			a.v[p.Name] = mat.NewDense(r, c, nil)
		}
		v := a.v[p.Name]

		md, vd := m.RawMatrix().Data, v.RawMatrix().Data
		g, w := p.Grad.RawMatrix().Data, p.Value.RawMatrix().Data
		for i := range w {
			md[i] = a.beta1*md[i] + (1-a.beta1)*g[i]
			vd[i] = a.beta2*vd[i] + (1-a.beta2)*g[i]*g[i]
			w[i] -= stepSize * md[i] / (math.Sqrt(vd[i])/sqrtBC2 + a.eps)
		}
	}
}

func (a *adam) LR() float64 { return a.lr }
func (a *adam) SetLR(lr float64) { a.lr = lr }

func (a *adam) State() OptimizerState {
	st := OptimizerState{Kind: OptAdam, LR: a.lr, Steps: a.steps, Slots: map[string][]float64{}}
	saveSlots(st.Slots, "m", a.m)
	saveSlots(st.Slots, "v", a.v)
	return st
}

func (a *adam) Restore(st OptimizerState, params []*Param) error {
	if st.Kind != OptAdam {
		return fmt.Errorf("optimizer state is for %q, not %q", st.Kind, OptAdam)
	}
	a.lr, a.steps = st.LR, st.Steps
	a.m, a.v = map[string]*mat.Dense{}, map[string]*mat.Dense{}
	if err := loadSlots(st.Slots, "m", params, a.m); err != nil {
		return err
	}
	if err := loadSlots(st.Slots, "v", params, a.v); err != nil {
		return err
	}
	if len(a.m) != len(a.v) {
		return fmt.Errorf("adam state has %d first moments and %d second moments", len(a.m), len(a.v))
	}
	return nil
}

func saveSlots(dst map[string][]float64, slot string, src map[string]*mat.Dense) {
	for name, m := range src {
		dst[slot+"/"+name] = append([]float64(nil), m.RawMatrix().Data...)
	}
}

// loadSlots restores the slot of every trainable parameter that has one.
func loadSlots(src map[string][]float64, slot string, params []*Param, dst map[string]*mat.Dense) error {
	for _, p := range params {
		if p.Buffer {
			continue
		}
		data, ok := src[slot+"/"+p.Name]
		if !ok {
			continue
		}
		r, c := p.Value.Dims()
		if len(data) != r*c {
			return fmt.Errorf("optimizer slot %s/%s has %d values, parameter has %d", slot, p.Name, len(data), r*c)
		}
		dst[p.Name] = mat.NewDense(r, c, append([]float64(nil), data...))
	}
	return nil
}
