package experiment

import "errors"

// Sentinel errors for experiment operations.
var (
	ErrTrialNotFound = errors.New("trial not found")
	ErrNotCompleted  = errors.New("trial is not completed")
	ErrDuplicate     = errors.New("a similar trial already exists")
	ErrBadSelector   = errors.New("unknown trial selector")
)
