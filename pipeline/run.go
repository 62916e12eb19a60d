package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/odenet/checkpoint"
	"github.com/Noofbiz/odenet/config"
	"github.com/Noofbiz/odenet/report"
)

func seeded(cfg *config.Config, log *logrus.Logger) *rand.Rand {
	log.WithField("seed", cfg.Seed).Info("training is seeded: the split, the batch order and the initial weights are reproducible")
	return rand.New(rand.NewSource(cfg.Seed))
}

// Split loads the input, partitions it and writes the split manifest without
// training.
func Split(cfg *config.Config, log *logrus.Logger) (*Manifest, error) {
	data, err := Prepare(cfg, seeded(cfg, log), log)
	if err != nil {
		return nil, err
	}
	m := NewManifest(checkpoint.NewRunID(), cfg.Seed, cfg.TestRatio, cfg.LayerSizeRatio, data)
	path := filepath.Join(cfg.OutputDir, ManifestFile)
	if err := m.Write(path); err != nil {
		return nil, err
	}
	log.WithField("path", path).Info("split manifest written")
	return m, nil
}

// Train runs a complete training session: data preparation, the split
// manifest, the epoch loop with checkpoints and the final reports.
func Train(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Result, error) {
	if cfg.GPU {
		log.Warn("no GPU backend is available, training on the CPU")
	}
	rng := seeded(cfg, log)
	data, err := Prepare(cfg, rng, log)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewFileStore(cfg.OutputDir, log)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tr, err := NewTrainer(cfg, log, data, rng, store)
	if err != nil {
		return nil, err
	}
	if cfg.Resume != "" {
		st, err := checkpoint.Load(cfg.Resume)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		if err := tr.Resume(st); err != nil {
			return nil, fmt.Errorf("resume %s: %w", cfg.Resume, err)
		}
	}

	manifest := NewManifest(tr.RunID, cfg.Seed, cfg.TestRatio, cfg.LayerSizeRatio, data)
	if err := manifest.Write(filepath.Join(cfg.OutputDir, ManifestFile)); err != nil {
		return nil, err
	}

	if cfg.History != "" {
		h, err := checkpoint.OpenHistory(ctx, tr.outputPath(cfg.History))
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		defer h.Close()
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		err = h.StartRun(ctx, checkpoint.Run{
			ID:        tr.RunID,
			StartedAt: time.Now(),
			Arch:      tr.Model().Options.Arch,
			Input:     cfg.Input,
			Config:    string(raw),
		})
		if err != nil {
			return nil, fmt.Errorf("register run: %w", err)
		}
		tr.SetHistory(h)
	}

	res, err := tr.Run(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.LossPlot != "" && len(res.TrainLoss) > 0 {
		path := tr.outputPath(cfg.LossPlot)
		if err := report.LossCurve(path, res.TrainLoss, res.TestLoss); err != nil {
			log.WithError(err).Warn("loss curve plot failed")
		} else {
			log.WithField("path", path).Info("loss curve written")
		}
	}
	log.WithFields(logrus.Fields{
		"run":        res.RunID,
		"epoch":      res.Epoch,
		"best_test":  res.BestTest,
		"best_train": res.BestTrain,
	}).Info("training finished")
	return res, nil
}
