package models

import "errors"

// Trial-local failures. A worker excludes the trial and keeps going.
var (
	ErrSelection       = errors.New("trial selection failed")
	ErrClusterProblem  = errors.New("cluster problem")
	ErrArtifactMissing = errors.New("file not available")
)

// ErrInterrupted is the cause attached to a run cancelled by a termination signal.
var ErrInterrupted = errors.New("trial interrupted")

// ErrTimedOut is the cause attached to a run killed by the batch scheduler.
var ErrTimedOut = errors.New("experiment killed by the scheduler")

// ErrIncompatibleSpace means the validity predicate rejects the whole search space.
var ErrIncompatibleSpace = errors.New("dimensions and validity predicate are incompatible")

// ErrSchema means a trial's metrics do not hold the configured objective.
var ErrSchema = errors.New("metric schema error")

// ErrIllegalState is returned when an operation does not apply to the trial's status.
var ErrIllegalState = errors.New("illegal trial state")

// ErrNoRunnableTrials means the pool stayed empty even after sampling.
var ErrNoRunnableTrials = errors.New("no runnable trials")

// ErrInvalidConfig marks a configuration the training script refused.
var ErrInvalidConfig = errors.New("invalid configuration")
