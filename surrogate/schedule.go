package surrogate

import (
	"fmt"
	"math"
)

// Scheduler names accepted by NewScheduler. An empty name disables
// scheduling.
const (
	SchedNone    = "none"
	SchedStep    = "step"
	SchedPlateau = "plateau"
)

// Scheduler adjusts the learning rate of an optimizer once per epoch. metric
// is the epoch's test loss; step schedules ignore it.
type Scheduler interface {
	Step(metric float64)
	State() SchedulerState
	Restore(s SchedulerState) error
}

// SchedulerState is the serializable state of a scheduler.
type SchedulerState struct {
	Kind   string
	Epochs int
	Best   float64
	NumBad int
}

// NewScheduler builds a scheduler that drives opt.
//
//	step:    lr *= 0.1 every 200 epochs
//	plateau: lr *= 0.1 after more than 10 epochs without a relative
//	         improvement of 1e-4 in the monitored loss
func NewScheduler(kind string, opt Optimizer) (Scheduler, error) {
	switch kind {
	case "", SchedNone:
		return noSchedule{}, nil
	case SchedStep:
		return &stepSchedule{opt: opt, stepSize: 200, gamma: 0.1}, nil
	case SchedPlateau:
		return &plateauSchedule{
			opt:       opt,
			factor:    0.1,
			patience:  10,
			threshold: 1e-4,
			eps:       1e-8,
			best:      math.Inf(1),
		}, nil
	}
	return nil, fmt.Errorf("unknown scheduler %q (want %s, %s or %s)", kind, SchedNone, SchedStep, SchedPlateau)
}

type noSchedule struct{}

func (noSchedule) Step(float64) {}
func (noSchedule) State() SchedulerState { return SchedulerState{Kind: SchedNone} }
func (noSchedule) Restore(s SchedulerState) error { return checkKind(s, SchedNone) }

type stepSchedule struct {
	opt      Optimizer
	stepSize int
	gamma    float64
	epochs   int
}

func (s *stepSchedule) Step(float64) {
	s.epochs++
	if s.epochs%s.stepSize == 0 {
		s.opt.SetLR(s.opt.LR() * s.gamma)
	}
}

func (s *stepSchedule) State() SchedulerState {
	return SchedulerState{Kind: SchedStep, Epochs: s.epochs}
}

func (s *stepSchedule) Restore(st SchedulerState) error {
	if err := checkKind(st, SchedStep); err != nil {
		return err
	}
	s.epochs = st.Epochs
	return nil
}

type plateauSchedule struct {
	opt       Optimizer
	factor    float64
	patience  int
	threshold float64
	minLR     float64
	eps       float64

	epochs int
	best   float64
	numBad int
}

func (p *plateauSchedule) Step(metric float64) {
	p.epochs++
	if metric < p.best*(1-p.threshold) {
		p.best = metric
		p.numBad = 0
	} else {
		p.numBad++
	}
	if p.numBad > p.patience {
		lr := p.opt.LR()
		next := math.Max(lr*p.factor, p.minLR)
		if lr-next > p.eps {
			p.opt.SetLR(next)
		}
		p.numBad = 0
	}
}

func (p *plateauSchedule) State() SchedulerState {
	return SchedulerState{Kind: SchedPlateau, Epochs: p.epochs, Best: p.best, NumBad: p.numBad}
}

func (p *plateauSchedule) Restore(st SchedulerState) error {
	if err := checkKind(st, SchedPlateau); err != nil {
		return err
	}
	p.epochs, p.best, p.numBad = st.Epochs, st.Best, st.NumBad
	return nil
}

func checkKind(s SchedulerState, want string) error {
	if s.Kind != want {
		return fmt.Errorf("scheduler state is for %q, not %q", s.Kind, want)
	}
	return nil
}
