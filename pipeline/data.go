// Package pipeline wires the pieces of a training run together: it loads and
// validates the simulation table, splits it into train and test blocks,
// normalizes the features, trains a surrogate network epoch by epoch and
// writes checkpoints, the split manifest and the reports.
package pipeline

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/odenet/blocks"
	"github.com/Noofbiz/odenet/config"
	"github.com/Noofbiz/odenet/datasets"
	"github.com/Noofbiz/odenet/normalize"
)

// Data is a loaded table with its partition.
type Data struct {
	Table *datasets.Table
	Index *blocks.Index
	Plan  *blocks.Plan

	// Stats is nil when normalization is disabled.
	Stats *normalize.Stats

	// Features is the full-table feature matrix the model sees, normalized
	// with the training statistics when Stats is set.
	Features [][]float32

	TimeTrainLen int
}

// Prepare reads cfg.Input, validates its block layout, splits the blocks
// with rng and fits the normalization on the training rows. Every layout or
// data problem is reported here, before any training starts.
func Prepare(cfg *config.Config, rng *rand.Rand, log *logrus.Logger) (*Data, error) {
	table, err := datasets.Open(cfg.Input)
	if err != nil {
		return nil, fmt.Errorf("load input: %w", err)
	}
	idx, err := table.Validate()
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"rows":      table.Len(),
		"blocks":    idx.NumBlocks(),
		"blockSize": idx.BlockSize,
		"features":  table.NumFeatures(),
		"responses": table.NumResponses(),
	}).Info("input loaded")

	plan, err := blocks.NewSplitter(rng).Plan(idx, table.BlockIDs, cfg.TestRatio, cfg.TimeTrainLen)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"train":        len(plan.TrainBlocks),
		"test":         len(plan.TestBlocks),
		"timetrainlen": cfg.TimeTrainLen,
	}).Info("blocks split")

	d := &Data{
		Table:        table,
		Index:        idx,
		Plan:         plan,
		Features:     table.Features,
		TimeTrainLen: cfg.TimeTrainLen,
	}
	if cfg.Normalize {
		d.Stats, err = normalize.Fit(table.FeatureRows(plan.TrainRows), table.FeatureNames...)
		if err != nil {
			return nil, fmt.Errorf("normalize features: %w", err)
		}
		if d.Features, err = d.Stats.Apply(table.Features); err != nil {
			return nil, fmt.Errorf("normalize features: %w", err)
		}
	}
	return d, nil
}

func (d *Data) subset(rows []int) *datasets.Subset {
	return d.Table.Subset(rows).WithFeatures(d.Features)
}

// TrainIn is the in-sample window of the training blocks.
func (d *Data) TrainIn() *datasets.Subset { return d.subset(d.Plan.TrainIn) }

// TestIn is the in-sample window of the test blocks.
func (d *Data) TestIn() *datasets.Subset { return d.subset(d.Plan.TestIn) }

// TrainBlocks covers every row of the training blocks.
func (d *Data) TrainBlocks() *datasets.Subset { return d.subset(d.Plan.TrainRows) }

// TestBlocks covers every row of the test blocks.
func (d *Data) TestBlocks() *datasets.Subset { return d.subset(d.Plan.TestRows) }

// BlocksPerBatch converts a row budget into whole blocks of blockSize rows,
// at least one.
func BlocksPerBatch(rows, blockSize int) int {
	return max(1, rows/max(1, blockSize))
}
