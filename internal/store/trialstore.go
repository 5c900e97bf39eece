package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bouthilx/protopt/internal/models"
)

// TrialStore is the shared collection of trial documents every worker
// coordinates through. CompareAndSetStatus is the only synchronization
// primitive: implementations must guarantee that two callers expecting the
// same status on the same id cannot both modify the document.
type TrialStore interface {
	// Insert persists a new trial, assigning its ID and timestamps.
	Insert(ctx context.Context, t *models.Trial) error

	// Query returns the trials matching f, oldest first.
	Query(ctx context.Context, f Filter, p Projection) ([]models.Trial, error)

	// FindOne returns the first trial matching f, or nil when none does.
	FindOne(ctx context.Context, f Filter) (*models.Trial, error)

	// CompareAndSetStatus moves trial id from expected to next atomically.
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.TrialStatus) (UpdateResult, error)

	// Count returns the number of trials matching f.
	Count(ctx context.Context, f Filter) (int64, error)

	// SetHost records where a RUNNING trial is executing.
	SetHost(ctx context.Context, id string, host models.Host) error

	// UpdateConfig rewrites the config of a RUNNING trial.
	UpdateConfig(ctx context.Context, id string, cfg models.Config) error

	// AppendMetric appends one scalar to the named series of a trial.
	AppendMetric(ctx context.Context, id, name string, step, value float64, ts time.Time) error

	// WritePDR persists a Process Decision Record.
	WritePDR(ctx context.Context, entry *models.PDREntry) error

	// DecisionsForTrial returns the decision records of a trial, newest first.
	DecisionsForTrial(ctx context.Context, id string) ([]models.PDREntry, error)

	// Close releases the underlying connection.
	Close() error
}

// UpdateResult reports the outcome of a conditional update.
type UpdateResult struct {
	Acknowledged  bool
	ModifiedCount int64
}

// StoreError wraps every failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Projection lists the top-level trial fields a query needs. Identity,
// experiment, status and timestamps are always returned. A nil projection
// returns every field.
type Projection []string

// Includes reports whether field is part of the projection.
func (p Projection) Includes(field string) bool {
	if p == nil {
		return true
	}
	for _, f := range p {
		if f == field {
			return true
		}
	}
	return false
}
