package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bouthilx/protopt/internal/config"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// Exit codes of the worker. A worker stopped by a signal exits the way
// the signal would have ended it.
const (
	exitFailure     = 1
	exitExhausted   = 3
	exitInterrupted = 130
	exitTimedOut    = 143
)

// flagKeys binds persistent flags to configuration keys.
var flagKeys = map[string]string{
	"experiment":  "experiment.name",
	"model":       "experiment.model",
	"space":       "experiment.space_file",
	"profile":     "experiment.profiles",
	"validate-on": "experiment.validate_on",
	"db":          "database.path",
	"backend":     "database.backend",
	"monitor":     "monitor.addr",
	"cluster":     "worker.cluster",
	"data-path":   "worker.data_path",
	"gpu":         "worker.gpu_id",
	"verbose":     "log.verbosity",
	"log-format":  "log.format",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "protopt",
		Short: "protopt - distributed hyperparameter search",
		Long: `protopt coordinates hyperparameter search trials across independent
workers sharing one trial database.

Every worker claims queued or interrupted trials atomically, runs the
training script and records its metrics. When nothing is left to run it
proposes new candidates with a Gaussian process, lying about pending
trials so parallel workers explore different regions.

Common workflows:

  Run trials until the worker runs out of resilience:
    protopt launch --space space.yaml --model resnet

  Queue a hand-written configuration:
    protopt trial queue --set lr=0.01 --set optimizer=adam

  Inspect the experiment:
    protopt trial list --status COMPLETED
    protopt watch

Configuration:
  Settings come from flags, PROTOPT_* environment variables (dots become
  underscores: PROTOPT_DATABASE_BACKEND) and $HOME/.protopt.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default is $HOME/.protopt.yaml)")
	pf.String("experiment", "", "experiment name (default protopt[_model])")
	pf.String("model", "", "model whose dimensions are searched")
	pf.String("space", "", "search space file")
	pf.StringSlice("profile", nil, "profiles pinning hyperparameters")
	pf.String("validate-on", "", "target metric: metric[.unit[.step]]")
	pf.String("db", "", "sqlite database path")
	pf.String("backend", "", "database backend: sqlite or mongo")
	pf.String("monitor", "", "monitor address (empty disables it)")
	pf.String("cluster", "", "cluster name (default $CLUSTER_NAME)")
	pf.String("data-path", "", "training data path (default $DATA_PATH)")
	pf.Int("gpu", 0, "GPU the training scripts run on")
	pf.CountP("verbose", "v", "increase log verbosity")
	pf.String("log-format", "", "log format: auto, text or json")

	root.AddCommand(
		newLaunchCmd(),
		newTrialCmd(),
		newServeCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration with the command flags bound on top
// of the file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(file)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return config.Load(v)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrTimedOut):
		return exitTimedOut
	case errors.Is(err, models.ErrInterrupted):
		return exitInterrupted
	case errors.Is(err, worker.ErrResilienceExhausted):
		return exitExhausted
	}
	return exitFailure
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
