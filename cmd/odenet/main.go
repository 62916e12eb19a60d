package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Noofbiz/odenet/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "odenet",
		Short: "Surrogate networks for ODE simulation output",
		Long: `Train neural network surrogates on the output of ODE simulations.
Trajectories are kept whole: the train/test split, the minibatches and the
extrapolation evaluation all work on blocks of consecutive time points.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")

	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newSplitCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newConvertCmd())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig resolves the configuration of a command from its flags, the
// config file and the environment.
func loadConfig(fs *pflag.FlagSet) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(viper.New(), fs, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}
