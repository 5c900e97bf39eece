// Package connectors defines the interface to training launchers.
package connectors

import (
	"context"

	"github.com/bouthilx/protopt/internal/models"
)

// ExitInvalidConfig is the exit code a training script uses to reject its
// configuration (EX_DATAERR).
const ExitInvalidConfig = 65

// ExecResult holds the result of a training run.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stderr   string   `json:"stderr"`
	Scalars  int      `json:"scalars"`
}

// MetricSink receives every scalar a training process logs.
type MetricSink func(ctx context.Context, name string, value, step float64) error

// Connector launches training processes.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Launch runs the training script of cfg until it exits and reports
	// every parsed scalar to sink. A non-zero exit is reported through
	// ExecResult.ExitCode, not as an error. When ctx is cancelled the
	// process is terminated and context.Cause(ctx) is returned.
	Launch(ctx context.Context, cfg models.Config, sink MetricSink) (*ExecResult, error)

	// IsAllowed checks if a script may be executed.
	IsAllowed(script string) bool
}
