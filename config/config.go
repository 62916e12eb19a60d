// Package config holds the training configuration. Values come from command
// line flags, an optional YAML file and ODENET_* environment variables, in
// that order of precedence, on top of the defaults below.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Noofbiz/odenet/surrogate"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "ODENET"

// Config is the effective configuration of a run.
type Config struct {
	Input     string `mapstructure:"input"`
	OutputDir string `mapstructure:"output_dir"`

	BatchSize     int     `mapstructure:"batch_size"`
	TestBatchSize int     `mapstructure:"test_batch_size"`
	TestRatio     float64 `mapstructure:"test_ratio"`
	TimeTrainLen  int     `mapstructure:"timetrainlen"`
	Normalize     bool    `mapstructure:"normalize"`
	Seed          int64   `mapstructure:"seed"`

	Epochs       int     `mapstructure:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum"`
	Optimizer    string  `mapstructure:"optimizer"`
	Scheduler    string  `mapstructure:"scheduler"`

	NetStruct      string  `mapstructure:"net_struct"`
	LayerSizeRatio float64 `mapstructure:"layersize_ratio"`
	NumLayers      int     `mapstructure:"num_layer"`
	Dropout        float64 `mapstructure:"p"`
	BatchNorm      bool    `mapstructure:"batchnorm"`

	GPU         bool   `mapstructure:"gpu_use"`
	Workers     int    `mapstructure:"workers"`
	LogInterval int    `mapstructure:"log_interval"`
	LogLevel    string `mapstructure:"log_level"`
	LRPrint     bool   `mapstructure:"lr_print"`

	// Optional outputs; an empty path disables them.
	GradPlot string `mapstructure:"grad_plot"`
	LossPlot string `mapstructure:"loss_plot"`
	History  string `mapstructure:"history"`

	// KNN is the neighbour count of the Monte Carlo baseline scored next to
	// the extrapolation loss; zero disables it.
	KNN         int    `mapstructure:"knn"`
	KNNSims     int    `mapstructure:"knn_sims"`
	ComparePlot string `mapstructure:"compare_plot"`

	// Resume names a checkpoint to continue from.
	Resume string `mapstructure:"resume"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Input:          "sparselinearode_new.small.stepwiseadd.mat",
		OutputDir:      ".",
		BatchSize:      50000,
		TestBatchSize:  50000,
		TestRatio:      0.2,
		TimeTrainLen:   101,
		Normalize:      true,
		Seed:           1,
		Epochs:         10,
		LearningRate:   0.01,
		Momentum:       0.5,
		Optimizer:      surrogate.OptAdam,
		Scheduler:      "",
		NetStruct:      "resnet18_mlp",
		LayerSizeRatio: 1.0,
		NumLayers:      0,
		Dropout:        0,
		BatchNorm:      true,
		GPU:            true,
		Workers:        1,
		LogInterval:    10,
		LogLevel:       "info",
		LossPlot:       "loss.png",
		KNN:            5,
		KNNSims:        100,
		ComparePlot:    "compare.png",
	}
}

// flagName maps a configuration key to its command line flag.
func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// RegisterFlags adds one flag per configuration key to fs, with the defaults
// as flag defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String(flagName("input"), d.Input, "input simulation file (.csv, CSV glob, .h5, .hdf5 or .mat)")
	fs.String(flagName("output_dir"), d.OutputDir, "directory for checkpoints, the split manifest and plots")
	fs.Int(flagName("batch_size"), d.BatchSize, "rows per training batch; divided by timetrainlen to get blocks per batch")
	fs.Int(flagName("test_batch_size"), d.TestBatchSize, "rows per test batch")
	fs.Float64(flagName("test_ratio"), d.TestRatio, "fraction of blocks held out for testing")
	fs.Int(flagName("timetrainlen"), d.TimeTrainLen, "leading time points of every block used in training")
	fs.Bool(flagName("normalize"), d.Normalize, "standardize features with training statistics")
	fs.Int64(flagName("seed"), d.Seed, "random seed for the split, the samplers and the weights")
	fs.Int(flagName("epochs"), d.Epochs, "number of epochs")
	fs.Float64(flagName("learning_rate"), d.LearningRate, "learning rate")
	fs.Float64(flagName("momentum"), d.Momentum, "SGD momentum")
	fs.String(flagName("optimizer"), d.Optimizer, "optimizer: sgd, adam or nesterov_momentum")
	fs.String(flagName("scheduler"), d.Scheduler, "learning rate scheduler: step or plateau (empty for none)")
	fs.String(flagName("net_struct"), d.NetStruct, "network: mlp, resnet18_mlp, resnet34_mlp, resnet50_mlp or rnn")
	fs.Float64(flagName("layersize_ratio"), d.LayerSizeRatio, "hidden layer size as a multiple of the input size")
	fs.Int(flagName("num_layer"), d.NumLayers, "extra hidden layers of the plain mlp")
	fs.Float64(flagName("p"), d.Dropout, "dropout probability")
	fs.Bool(flagName("batchnorm"), d.BatchNorm, "batch normalization in the plain mlp")
	fs.Bool(flagName("gpu_use"), d.GPU, "request a GPU (training always runs on the CPU)")
	fs.Int(flagName("workers"), d.Workers, "batch loading workers")
	fs.Int(flagName("log_interval"), d.LogInterval, "batches between training progress lines")
	fs.String(flagName("log_level"), d.LogLevel, "log level: debug, info, warn or error")
	fs.Bool(flagName("lr_print"), d.LRPrint, "print the learning rate in progress lines")
	fs.String(flagName("grad_plot"), d.GradPlot, "gradient flow PNG written after the first batch (empty to skip)")
	fs.String(flagName("loss_plot"), d.LossPlot, "loss curve PNG, relative to output-dir (empty to skip)")
	fs.String(flagName("history"), d.History, "SQLite epoch history database (empty to skip)")
	fs.Int(flagName("knn"), d.KNN, "neighbours of the Monte Carlo extrapolation baseline (0 to skip)")
	fs.Int(flagName("knn_sims"), d.KNNSims, "Monte Carlo draws per trajectory of the baseline")
	fs.String(flagName("compare_plot"), d.ComparePlot, "PNG comparing the first test trajectory with its predictions (empty to skip)")
	fs.String(flagName("resume"), d.Resume, "checkpoint to resume from")
}

var keys = []string{
	"input", "output_dir", "batch_size", "test_batch_size", "test_ratio",
	"timetrainlen", "normalize", "seed", "epochs", "learning_rate", "momentum",
	"optimizer", "scheduler", "net_struct", "layersize_ratio", "num_layer", "p",
	"batchnorm", "gpu_use", "workers", "log_interval", "log_level", "lr_print",
	"grad_plot", "loss_plot", "history", "knn", "knn_sims", "compare_plot",
	"resume",
}

// SetDefaults registers every key of Defaults with v so environment
// variables are picked up for keys without a flag.
func SetDefaults(v *viper.Viper) error {
	var m map[string]any
	if err := mapstructure.Decode(Defaults(), &m); err != nil {
		return err
	}
	for k, val := range m {
		v.SetDefault(k, val)
	}
	return nil
}

// Load resolves the configuration from v. Flags of fs registered with
// RegisterFlags are bound to their keys; fs may be nil. cfgFile, when set,
// must exist.
func Load(v *viper.Viper, fs *pflag.FlagSet, cfgFile string) (*Config, error) {
	if err := SetDefaults(v); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if fs != nil {
		for _, key := range keys {
			f := fs.Lookup(flagName(key))
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Input != "", "input file is required")
	check(c.BatchSize >= 1, "batch_size must be positive, got %d", c.BatchSize)
	check(c.TestBatchSize >= 1, "test_batch_size must be positive, got %d", c.TestBatchSize)
	check(c.TestRatio > 0 && c.TestRatio < 1, "test_ratio must be in (0, 1), got %v", c.TestRatio)
	check(c.TimeTrainLen >= 1, "timetrainlen must be positive, got %d", c.TimeTrainLen)
	check(c.Epochs >= 1, "epochs must be positive, got %d", c.Epochs)
	check(c.LearningRate > 0 && !math.IsInf(c.LearningRate, 0), "learning_rate must be positive, got %v", c.LearningRate)
	check(c.Momentum >= 0, "momentum must not be negative, got %v", c.Momentum)
	check(c.LayerSizeRatio > 0, "layersize_ratio must be positive, got %v", c.LayerSizeRatio)
	check(c.NumLayers >= 0, "num_layer must not be negative, got %d", c.NumLayers)
	check(c.Dropout >= 0 && c.Dropout < 1, "p must be in [0, 1), got %v", c.Dropout)
	check(c.Workers >= 0, "workers must not be negative, got %d", c.Workers)
	check(c.LogInterval >= 1, "log_interval must be positive, got %d", c.LogInterval)
	check(c.KNN >= 0, "knn must not be negative, got %d", c.KNN)
	check(c.KNN == 0 || c.KNNSims >= 1, "knn_sims must be positive, got %d", c.KNNSims)

	switch c.Optimizer {
	case surrogate.OptSGD, surrogate.OptAdam:
	case surrogate.OptNesterov:
		check(c.Momentum > 0, "nesterov_momentum needs momentum > 0")
	default:
		check(false, "unknown optimizer %q", c.Optimizer)
	}
	switch c.Scheduler {
	case "", surrogate.SchedNone, surrogate.SchedStep, surrogate.SchedPlateau:
	default:
		check(false, "unknown scheduler %q", c.Scheduler)
	}
	if _, _, err := surrogate.ParseArchitecture(c.NetStruct); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ModelOptions returns the network options for the given dimensions.
func (c *Config) ModelOptions(numInput, numResponse int) surrogate.Options {
	return surrogate.Options{
		Arch:         c.NetStruct,
		NumInput:     numInput,
		NumResponse:  numResponse,
		SizeRatio:    c.LayerSizeRatio,
		NumLayers:    c.NumLayers,
		Dropout:      c.Dropout,
		BatchNorm:    c.BatchNorm,
		Optimizer:    c.Optimizer,
		LearningRate: c.LearningRate,
		Momentum:     c.Momentum,
	}
}
