package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/Noofbiz/odenet/blocks"
	"github.com/Noofbiz/odenet/checkpoint"
	"github.com/Noofbiz/odenet/config"
	"github.com/Noofbiz/odenet/datasets"
	"github.com/Noofbiz/odenet/monte"
	"github.com/Noofbiz/odenet/report"
	"github.com/Noofbiz/odenet/surrogate"
)

// Result summarizes a finished run. Losses are per sample, i.e. the mean
// squared error scaled by the number of time points scored per block.
type Result struct {
	RunID string

	// Epoch is the last completed epoch.
	Epoch     int
	TrainLoss []float64
	TestLoss  []float64
	BestTest  float64
	BestTrain float64

	// Extrapolation is nil when the blocks have no extrapolation window.
	Extrapolation *Extrapolation
}

// Extrapolation is the loss on the time points past the training window.
type Extrapolation struct {
	Train     float64
	Test      float64
	Positions int

	// Baseline is the test loss of the nearest-neighbour Monte Carlo
	// baseline, NaN when it is disabled.
	Baseline float64
}

// Trainer runs the epoch loop of one model.
type Trainer struct {
	RunID string

	cfg     *config.Config
	log     *logrus.Logger
	data    *Data
	model   *surrogate.Model
	sched   surrogate.Scheduler
	store   checkpoint.Store
	history *checkpoint.History
	rng     *rand.Rand

	trainSet, testSet         *datasets.Subset
	trainSampler, testSampler *blocks.Sampler

	startEpoch          int
	bestTest, bestTrain float64
	trainLoss, testLoss []float64
	gradPlotted         bool
}

// NewTrainer builds a fresh model for data. rng must be the stream that
// split data; the samplers keep drawing from it. Weights and dropout use a
// separate stream derived from the seed so that a resumed run replays the
// same batch order.
func NewTrainer(cfg *config.Config, log *logrus.Logger, data *Data, rng *rand.Rand, store checkpoint.Store) (*Trainer, error) {
	t := &Trainer{
		RunID:      checkpoint.NewRunID(),
		cfg:        cfg,
		log:        log,
		data:       data,
		store:      store,
		rng:        rand.New(rand.NewSource(cfg.Seed + 1)),
		trainSet:   data.TrainIn(),
		testSet:    data.TestIn(),
		startEpoch: 1,
		bestTest:   math.Inf(1),
		bestTrain:  math.Inf(1),
	}

	if cfg.BatchSize < cfg.TimeTrainLen {
		log.WithFields(logrus.Fields{
			"batch_size":   cfg.BatchSize,
			"timetrainlen": cfg.TimeTrainLen,
		}).Warn("batch size is smaller than one block, using one block per batch")
	}
	var err error
	t.trainSampler, err = blocks.NewSampler(t.trainSet.BlockIDs(), BlocksPerBatch(cfg.BatchSize, cfg.TimeTrainLen), rng)
	if err != nil {
		return nil, fmt.Errorf("train sampler: %w", err)
	}
	t.testSampler, err = blocks.NewSampler(t.testSet.BlockIDs(), BlocksPerBatch(cfg.TestBatchSize, cfg.TimeTrainLen), rng)
	if err != nil {
		return nil, fmt.Errorf("test sampler: %w", err)
	}

	t.model, err = surrogate.New(cfg.ModelOptions(data.Table.NumFeatures(), data.Table.NumResponses()), t.rng)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	if t.sched, err = surrogate.NewScheduler(cfg.Scheduler, t.model.Optimizer()); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"net":       t.model.Arch,
		"params":    t.model.NumTrainable(),
		"optimizer": cfg.Optimizer,
		"batches":   t.trainSampler.NumBatches(),
	}).Info("model created")
	return t, nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *surrogate.Model { return t.model }

// SetHistory makes the trainer record every epoch in h.
func (t *Trainer) SetHistory(h *checkpoint.History) { t.history = h }

// ErrSplitMismatch is returned by Resume when the checkpoint was trained on
// a different block partition than the current one.
var ErrSplitMismatch = errors.New("checkpoint was trained on a different split")

// split describes the partition of the current run.
func (t *Trainer) split() checkpoint.Split {
	return checkpoint.Split{
		Seed:         t.cfg.Seed,
		TestRatio:    t.cfg.TestRatio,
		TimeTrainLen: t.data.TimeTrainLen,
		TestBlocks:   t.data.Plan.TestBlocks,
	}
}

// checkSplit fails when a checkpoint's partition differs from the current
// one; continuing would score blocks the model was trained on as test.
func (t *Trainer) checkSplit(saved checkpoint.Split) error {
	cur := t.split()
	switch {
	case saved.Seed != cur.Seed:
		return fmt.Errorf("%w: seed %d, configured %d", ErrSplitMismatch, saved.Seed, cur.Seed)
	case saved.TestRatio != cur.TestRatio:
		return fmt.Errorf("%w: test_ratio %v, configured %v", ErrSplitMismatch, saved.TestRatio, cur.TestRatio)
	case saved.TimeTrainLen != cur.TimeTrainLen:
		return fmt.Errorf("%w: timetrainlen %d, configured %d", ErrSplitMismatch, saved.TimeTrainLen, cur.TimeTrainLen)
	case !slices.Equal(saved.TestBlocks, cur.TestBlocks):
		return fmt.Errorf("%w: test blocks %v, now %v", ErrSplitMismatch, saved.TestBlocks, cur.TestBlocks)
	}
	return nil
}

// Resume continues from a checkpoint: weights, optimizer and scheduler state,
// best losses and loss history are restored and the samplers skip the
// permutations of the completed epochs. A checkpoint of a different block
// partition fails with ErrSplitMismatch.
func (t *Trainer) Resume(st *checkpoint.State) error {
	o := st.Model.Options
	if o.NumInput != t.data.Table.NumFeatures() || o.NumResponse != t.data.Table.NumResponses() {
		return fmt.Errorf("checkpoint model is %dx%d, input has %d features and %d responses",
			o.NumInput, o.NumResponse, t.data.Table.NumFeatures(), t.data.Table.NumResponses())
	}
	if err := t.checkSplit(st.Split); err != nil {
		return err
	}
	if o.Arch != t.cfg.NetStruct {
		t.log.WithFields(logrus.Fields{"checkpoint": o.Arch, "configured": t.cfg.NetStruct}).
			Warn("resuming with the checkpoint's network")
	}
	model, err := surrogate.FromSnapshot(st.Model, t.rng)
	if err != nil {
		return fmt.Errorf("restore model: %w", err)
	}
	if err := model.Optimizer().Restore(st.Optimizer, model.Params()); err != nil {
		return fmt.Errorf("restore optimizer: %w", err)
	}
	sched, err := surrogate.NewScheduler(st.Scheduler.Kind, model.Optimizer())
	if err != nil {
		return err
	}
	if err := sched.Restore(st.Scheduler); err != nil {
		return fmt.Errorf("restore scheduler: %w", err)
	}

	for range st.Epoch {
		t.trainSampler.Iterate()
		t.testSampler.Iterate()
	}
	t.model, t.sched = model, sched
	t.RunID = st.RunID
	t.startEpoch = st.Epoch + 1
	t.bestTest, t.bestTrain = st.BestTest, st.BestTrain
	t.trainLoss = append([]float64(nil), st.TrainLoss...)
	t.testLoss = append([]float64(nil), st.TestLoss...)
	t.log.WithFields(logrus.Fields{"run": t.RunID, "epoch": st.Epoch, "lr": model.Optimizer().LR()}).Info("resumed from checkpoint")
	return nil
}

// Run trains until the configured epoch count and evaluates the
// extrapolation window at the end.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	if t.startEpoch > t.cfg.Epochs {
		t.log.WithField("epoch", t.startEpoch-1).Info("checkpoint already reached the configured epochs")
	}
	for epoch := t.startEpoch; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		lr := t.model.Optimizer().LR()

		trainLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return nil, err
		}
		testLoss, err := t.testEpoch(ctx)
		if err != nil {
			return nil, fmt.Errorf("epoch %d test: %w", epoch, err)
		}
		t.sched.Step(testLoss)

		isBest := testLoss < t.bestTest
		isBestTrain := trainLoss < t.bestTrain
		t.bestTest = math.Min(t.bestTest, testLoss)
		t.bestTrain = math.Min(t.bestTrain, trainLoss)
		t.trainLoss = append(t.trainLoss, trainLoss)
		t.testLoss = append(t.testLoss, testLoss)

		st := &checkpoint.State{
			RunID:     t.RunID,
			Epoch:     epoch,
			Split:     t.split(),
			Model:     t.model.Snapshot(),
			Optimizer: t.model.Optimizer().State(),
			Scheduler: t.sched.State(),
			BestTest:  t.bestTest,
			BestTrain: t.bestTrain,
			TrainLoss: t.trainLoss,
			TestLoss:  t.testLoss,
		}
		if err := t.store.Save(st, isBest, isBestTrain); err != nil {
			return nil, fmt.Errorf("epoch %d checkpoint: %w", epoch, err)
		}
		if t.history != nil {
			err := t.history.RecordEpoch(ctx, t.RunID, checkpoint.EpochRecord{
				Epoch:     epoch,
				TrainLoss: trainLoss,
				TestLoss:  testLoss,
				LR:        lr,
				Best:      isBest,
				BestTrain: isBestTrain,
				Duration:  time.Since(start),
			})
			if err != nil {
				return nil, fmt.Errorf("epoch %d history: %w", epoch, err)
			}
		}
		t.log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train":      trainLoss,
			"test":       testLoss,
			"best":       isBest,
			"best_train": isBestTrain,
			"took":       time.Since(start).Round(time.Millisecond),
		}).Debug("epoch done")
	}

	res := &Result{
		RunID:     t.RunID,
		Epoch:     max(t.startEpoch-1, t.cfg.Epochs),
		TrainLoss: t.trainLoss,
		TestLoss:  t.testLoss,
		BestTest:  t.bestTest,
		BestTrain: t.bestTrain,
	}
	var err error
	if res.Extrapolation, err = t.Extrapolation(ctx); err != nil {
		return nil, fmt.Errorf("extrapolation: %w", err)
	}
	return res, nil
}

func (t *Trainer) outputPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(t.cfg.OutputDir, p)
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	scale := float64(t.data.TimeTrainLen)
	total := t.trainSet.Len()
	blockSize := t.trainSampler.BlockSize()
	losses := make([]float64, 0, t.trainSampler.NumBatches())
	seen := 0

	err := datasets.NewLoader(t.trainSet, t.cfg.Workers).Run(ctx, t.trainSampler.Iterate().All(), func(b *datasets.Batch) error {
		loss, err := t.model.TrainBatch(b.Inputs, b.Labels, blockSize)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, b.Seq, err)
		}
		if !t.gradPlotted && t.cfg.GradPlot != "" {
			t.gradPlotted = true
			path := t.outputPath(t.cfg.GradPlot)
			if err := report.GradientFlow(path, t.model.GradientFlow()); err != nil {
				t.log.WithError(err).Warn("gradient flow plot failed")
			} else {
				t.log.WithField("path", path).Info("gradient flow plot written")
			}
		}
		if b.Seq%t.cfg.LogInterval == 0 {
			lrStr := ""
			if t.cfg.LRPrint {
				lrStr = fmt.Sprintf(" lr: %g", t.model.Optimizer().LR())
			}
			t.log.WithFields(logrus.Fields{"epoch": epoch, "batch": b.Seq, "loss": loss * scale}).
				Infof("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss(per sample): %.6f%s",
					epoch, seen, total, 100*float64(seen)/float64(total), loss*scale, lrStr)
		}
		seen += len(b.Indices)
		losses = append(losses, loss)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(losses) == 0 {
		return 0, errors.New("training partition yielded no batches")
	}
	return floats.Sum(losses) / float64(len(losses)) * scale, nil
}

func (t *Trainer) testEpoch(ctx context.Context) (float64, error) {
	blockSize := t.testSampler.BlockSize()
	var losses []float64
	err := datasets.NewLoader(t.testSet, t.cfg.Workers).Run(ctx, t.testSampler.Iterate().All(), func(b *datasets.Batch) error {
		loss, err := t.model.EvalBatch(b.Inputs, b.Labels, blockSize)
		if err != nil {
			return err
		}
		losses = append(losses, loss)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(losses) == 0 {
		return 0, errors.New("test partition yielded no batches")
	}
	mean := floats.Sum(losses) / float64(len(losses)) * float64(t.data.TimeTrainLen)
	t.log.WithField("loss", mean).Infof("Test set: Average loss (per sample): %.4f", mean)
	return mean, nil
}

// Extrapolation scores the trained model on the time points past the
// training window of every train and test block. Whole blocks are predicted
// so recurrent models see the same history they were trained on.
func (t *Trainer) Extrapolation(ctx context.Context) (*Extrapolation, error) {
	blockSize := t.data.Index.BlockSize
	positions := blockSize - t.data.TimeTrainLen
	if positions <= 0 {
		return nil, nil
	}
	train, err := t.windowLoss(ctx, t.data.TrainBlocks(), blockSize)
	if err != nil {
		return nil, err
	}
	test, err := t.windowLoss(ctx, t.data.TestBlocks(), blockSize)
	if err != nil {
		return nil, err
	}
	ex := &Extrapolation{
		Train:     train * float64(positions),
		Test:      test * float64(positions),
		Positions: positions,
		Baseline:  math.NaN(),
	}

	var mc *monte.Monte
	if t.cfg.KNN > 0 {
		if mc, err = t.newBaseline(); err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		base, err := t.baselineLoss(ctx, mc, t.data.TestBlocks())
		if err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		ex.Baseline = base * float64(positions)
	}
	t.log.WithFields(logrus.Fields{
		"train":     ex.Train,
		"test":      ex.Test,
		"baseline":  ex.Baseline,
		"positions": positions,
	}).Info("extrapolation loss (per sample)")

	if t.cfg.ComparePlot != "" {
		path := t.outputPath(t.cfg.ComparePlot)
		if err := t.comparePlot(path, mc); err != nil {
			t.log.WithError(err).Warn("comparison plot failed")
		} else {
			t.log.WithField("path", path).Info("comparison plot written")
		}
	}
	return ex, nil
}

// windowLoss is the mean squared error over the extrapolation positions of
// every block of set.
func (t *Trainer) windowLoss(ctx context.Context, set *datasets.Subset, blockSize int) (float64, error) {
	s, err := blocks.NewSampler(set.BlockIDs(), BlocksPerBatch(t.cfg.TestBatchSize, blockSize), nil)
	if err != nil {
		return 0, err
	}
	from := t.data.TimeTrainLen
	var sum float64
	var n int
	err = datasets.NewLoader(set, t.cfg.Workers).Run(ctx, s.InOrder().All(), func(b *datasets.Batch) error {
		loss, err := t.model.EvalWindow(b.Inputs, b.Labels, blockSize, from)
		if err != nil {
			return err
		}
		scored := len(b.Indices) / blockSize * (blockSize - from)
		sum += loss * float64(scored)
		n += scored
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sum / float64(n), nil
}
