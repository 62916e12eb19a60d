package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Noofbiz/odenet/blocks"
	"github.com/Noofbiz/odenet/config"
	"github.com/Noofbiz/odenet/datasets"
	"github.com/Noofbiz/odenet/pipeline"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a surrogate network",
		Example: `  # Train the default residual network on a CSV export
  odenet train --input sim.csv --timetrainlen 80 --epochs 50

  # Continue a run from its last checkpoint
  odenet train --input sim.csv --epochs 100 --resume out/checkpoint.odenet.zst`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			res, err := pipeline.Train(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d epochs, best test loss %.6f, best train loss %.6f\n",
				res.RunID, res.Epoch, res.BestTest, res.BestTrain)
			if ex := res.Extrapolation; ex != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "extrapolation over %d time points: train %.6f, test %.6f\n",
					ex.Positions, ex.Train, ex.Test)
				if !math.IsNaN(ex.Baseline) {
					fmt.Fprintf(cmd.OutOrStdout(), "%d-nn Monte Carlo baseline, test %.6f\n", cfg.KNN, ex.Baseline)
				}
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newSplitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split the input into train and test blocks and write the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			m, err := pipeline.Split(cfg, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d train blocks, %d test blocks of %d rows (%d in-sample)\n",
				len(m.TrainBlocks), len(m.TestBlocks), m.Dims.BlockSize, m.TimeTrainLen)
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newInspectCmd() *cobra.Command {
	var sequences bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the first training batch as it reaches the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runInspect(cmd, cfg, log, sequences)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&sequences, "sequences", false, "shape the batch as [blocks, time, dim]")
	return cmd
}

func runInspect(cmd *cobra.Command, cfg *config.Config, log *logrus.Logger, sequences bool) error {
	data, err := pipeline.Prepare(cfg, rand.New(rand.NewSource(cfg.Seed)), log)
	if err != nil {
		return err
	}
	train := data.TrainIn()
	s, err := blocks.NewSampler(train.BlockIDs(), pipeline.BlocksPerBatch(cfg.BatchSize, cfg.TimeTrainLen), nil)
	if err != nil {
		return err
	}
	feed := datasets.NewTensorFeed("train", train, s)
	feed.Ordered = true
	feed.Sequences = sequences
	_, xs, ys, err := feed.Yield()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("training partition is empty")
	}
	if err != nil {
		return err
	}
	indices, _ := s.InOrder().Next()
	inputs, labels, err := train.Batch(indices)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batches per epoch: %d, rows per batch: %d, block size: %d\n", s.NumBatches(), s.Len(), s.BlockSize())
	fmt.Fprintf(out, "inputs %s, labels %s\n", xs[0].Shape(), ys[0].Shape())

	fmt.Fprintf(out, "features: %v\nresponses: %v\n", data.Table.FeatureNames, data.Table.ResponseNames)
	first := inputs[:1]
	fmt.Fprintf(out, "first row (model input): %v\n", first[0])
	if data.Stats != nil {
		raw, err := data.Stats.Invert(first)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "first row (original units): %v\n", raw[0])
	}
	fmt.Fprintf(out, "first row response: %v\n", labels[0])
	return nil
}

func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <input> <output.csv>",
		Short: "Convert a simulation file (HDF5/MAT or CSV) to the CSV layout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := datasets.Open(args[0])
			if err != nil {
				return err
			}
			idx, err := t.Validate()
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[1]); err == nil {
				return fmt.Errorf("%s already exists", args[1])
			}
			if err := datasets.WriteCSV(args[1], t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows (%d blocks of %d) to %s\n",
				t.Len(), idx.NumBlocks(), idx.BlockSize, args[1])
			return nil
		},
	}
}
