package pipeline

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/Noofbiz/odenet/datasets"
	"github.com/Noofbiz/odenet/monte"
	"github.com/Noofbiz/odenet/report"
)

// blockRows returns the view indices of block b of a view made of whole
// blocks.
func blockRows(b, blockSize int) []int {
	rows := make([]int, blockSize)
	for i := range rows {
		rows[i] = b*blockSize + i
	}
	return rows
}

// newBaseline builds the nearest-neighbour baseline over the whole train
// blocks. It draws from its own stream so enabling it leaves the training
// batches untouched.
func (t *Trainer) newBaseline() (*monte.Monte, error) {
	refs, err := monte.Trajectories(t.data.TrainBlocks(), t.data.Index.BlockSize)
	if err != nil {
		return nil, err
	}
	m, err := monte.NewMonte(refs, t.cfg.KNN, rand.New(rand.NewSource(t.cfg.Seed+2)))
	if err != nil {
		return nil, err
	}
	m.Workers = t.cfg.Workers
	return m, nil
}

// baselineLoss is the mean squared error of the baseline over the
// extrapolation positions of every test block. Trajectories are looked up by
// the inputs of their first time point.
func (t *Trainer) baselineLoss(ctx context.Context, m *monte.Monte, set *datasets.Subset) (float64, error) {
	blockSize := t.data.Index.BlockSize
	from := t.data.TimeTrainLen
	var sum float64
	var n int
	for b := range set.Len() / blockSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		inputs, labels, err := set.Batch(blockRows(b, blockSize))
		if err != nil {
			return 0, err
		}
		pred, err := m.Predict(inputs[0], t.cfg.KNNSims)
		if err != nil {
			return 0, fmt.Errorf("block %d: %w", b, err)
		}
		for i := from; i < blockSize; i++ {
			for j, v := range pred[i] {
				d := float64(v - labels[i][j])
				sum += d * d
				n++
			}
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("no blocks to score")
	}
	return sum / float64(n), nil
}

// comparePlot draws the first response of the first test block next to the
// surrogate prediction and, when m is not nil, the baseline prediction.
func (t *Trainer) comparePlot(path string, m *monte.Monte) error {
	set := t.data.TestBlocks()
	blockSize := t.data.Index.BlockSize
	inputs, labels, err := set.Batch(blockRows(0, blockSize))
	if err != nil {
		return err
	}
	pred, err := t.model.PredictBatch(inputs, blockSize)
	if err != nil {
		return err
	}

	x := make([]float64, blockSize)
	rows := set.Rows()
	for i := range x {
		if t.data.Table.Time != nil {
			x[i] = t.data.Table.Time[rows[i]]
		} else {
			x[i] = float64(i)
		}
	}
	sim := report.Series{Name: "simulation", Y: make([]float64, blockSize)}
	sur := report.Series{Name: "surrogate", Y: make([]float64, blockSize)}
	for i := range blockSize {
		sim.Y[i] = float64(labels[i][0])
		sur.Y[i] = float64(pred[i][0])
	}
	series := []report.Series{sim, sur}
	if m != nil {
		traj, err := m.Predict(inputs[0], t.cfg.KNNSims)
		if err != nil {
			return err
		}
		knn := report.Series{Name: fmt.Sprintf("%d-nn baseline", m.K), Y: make([]float64, blockSize)}
		for i := range blockSize {
			knn.Y[i] = float64(traj[i][0])
		}
		series = append(series, knn)
	}

	title := fmt.Sprintf("test block %d, %s", set.BlockIDs()[0], t.data.Table.ResponseNames[0])
	return report.Compare(path, title, x, x[t.data.TimeTrainLen], series...)
}
