package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/bouthilx/protopt/internal/claim"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoordinator serves a fixed pool and records exclusions.
type fakeCoordinator struct {
	mu       sync.Mutex
	pool     []*trial.Trial
	err      error
	excluded []string
	created  int
}

func (f *fakeCoordinator) GetRunnableTrials(ctx context.Context, forceNew bool) ([]*trial.Trial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*trial.Trial
	for _, tr := range f.pool {
		if !contains(f.excluded, tr.ID()) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeCoordinator) CreateNewTrials(ctx context.Context) ([]*trial.Trial, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return f.GetRunnableTrials(ctx, false)
}

func (f *fakeCoordinator) Exclude(tr *trial.Trial) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded = append(f.excluded, tr.ID())
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func pool(ids ...string) []*trial.Trial {
	deps := &trial.Deps{}
	out := make([]*trial.Trial, len(ids))
	for i, id := range ids {
		out[i] = deps.New(models.Trial{ID: id, Status: models.StatusQueued})
	}
	return out
}

func newWorker(coord Coordinator, cfg Config, results ...trial.Result) (*Worker, *[]string) {
	w := New(coord, &cfg, rand.New(rand.NewSource(1)), nil)
	var ran []string
	var mu sync.Mutex
	w.run = func(ctx context.Context, tr *trial.Trial) trial.Result {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, tr.ID())
		if len(results) == 0 {
			return trial.Result{Outcome: trial.Completed}
		}
		res := results[0]
		results = results[1:]
		return res
	}
	return w, &ran
}

func TestRun_ResilienceExhausted(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a")}
	failed := trial.Result{Outcome: trial.Failed, Err: errors.New("training exited with code 1")}
	results := make([]trial.Result, 10)
	for i := range results {
		results[i] = failed
	}
	w, ran := newWorker(coord, Config{Resilience: 10, MaxSkip: 5}, results...)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrResilienceExhausted)
	assert.Len(t, *ran, 10)
	stats := w.Stats()
	assert.Equal(t, 10, stats.Failures)
	assert.Equal(t, 0, stats.Resilience)
	assert.Empty(t, coord.excluded)
}

func TestRun_ExpectedErrorsExcludeTrial(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a", "b", "c", "d")}
	lost := fmt.Errorf("cannot select trial: %w", models.ErrSelection)
	w, ran := newWorker(coord, Config{Resilience: 2, MaxSkip: 1, MaxTrials: 1},
		trial.Result{Outcome: trial.NotClaimed, Err: lost},
		trial.Result{Outcome: trial.ClusterProblem, Err: models.ErrClusterProblem},
		trial.Result{Outcome: trial.NotClaimed, Err: &claim.Error{TrialID: "c", Reason: claim.ReasonArtifactMissing}},
		trial.Result{Outcome: trial.Completed},
	)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d"}, *ran)
	assert.Equal(t, []string{"a", "b", "c"}, coord.excluded)

	stats := w.Stats()
	assert.Equal(t, 2, stats.Resilience)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 3, stats.Excluded)
}

func TestRun_MissingCheckpointIsNotALostClaim(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a", "b")}
	missing := &claim.Error{TrialID: "a", Reason: claim.ReasonArtifactMissing, Detail: "/runs/a"}
	w, ran := newWorker(coord, Config{Resilience: 1, MaxSkip: 1, Patience: 1, MaxTrials: 1},
		trial.Result{Outcome: trial.NotClaimed, Err: missing},
		trial.Result{Outcome: trial.Completed},
	)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []string{"a", "b"}, *ran)
	assert.Equal(t, []string{"a"}, coord.excluded)
	assert.Equal(t, 0, coord.created)
	assert.Equal(t, 1, w.Stats().Resilience)
}

func TestRun_InterruptIsReturned(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a")}
	w, _ := newWorker(coord, Config{Resilience: 10, MaxSkip: 5},
		trial.Result{Outcome: trial.TimedOut, Err: models.ErrTimedOut},
	)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, models.ErrTimedOut)
	assert.Empty(t, coord.excluded)
}

func TestRun_NotClaimedStoreErrorCostsResilience(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a")}
	w, _ := newWorker(coord, Config{Resilience: 1, MaxSkip: 5},
		trial.Result{Outcome: trial.NotClaimed, Err: errors.New("connection refused")},
	)

	assert.ErrorIs(t, w.Run(context.Background()), ErrResilienceExhausted)
	assert.Empty(t, coord.excluded)
}

func TestRun_IncompatibleSpaceIsFatal(t *testing.T) {
	coord := &fakeCoordinator{err: fmt.Errorf("propose: %w", models.ErrIncompatibleSpace)}
	w, ran := newWorker(coord, Config{Resilience: 10, MaxSkip: 5})

	assert.ErrorIs(t, w.Run(context.Background()), models.ErrIncompatibleSpace)
	assert.Empty(t, *ran)
}

func TestRun_EmptyPoolCostsResilience(t *testing.T) {
	coord := &fakeCoordinator{}
	w, _ := newWorker(coord, Config{Resilience: 3, MaxSkip: 5})

	assert.ErrorIs(t, w.Run(context.Background()), ErrResilienceExhausted)
	assert.Equal(t, 3, w.Stats().Failures)
}

func TestRun_PatienceSamplesNewTrials(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a", "b", "c")}
	lost := trial.Result{Outcome: trial.NotClaimed, Err: models.ErrSelection}
	w, _ := newWorker(coord, Config{Resilience: 10, MaxSkip: 1, Patience: 2, MaxTrials: 1},
		lost, lost, trial.Result{Outcome: trial.Completed},
	)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 1, coord.created)
}

func TestRun_CancelledReturnsCause(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a")}
	w, ran := newWorker(coord, Config{Resilience: 10, MaxSkip: 5})

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(models.ErrInterrupted)
	assert.ErrorIs(t, w.Run(ctx), models.ErrInterrupted)
	assert.Empty(t, *ran)
}

func TestPick_SkipsWithinPool(t *testing.T) {
	coord := &fakeCoordinator{pool: pool("a", "b", "c", "d", "e", "f", "g")}
	w, _ := newWorker(coord, Config{Resilience: 10, MaxSkip: 5})

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		tr, err := w.pick(context.Background())
		require.NoError(t, err)
		seen[tr.ID()] = true
	}
	assert.False(t, seen["f"] || seen["g"], "picked beyond the skip range")
	assert.True(t, seen["a"] && seen["e"])

	single := &fakeCoordinator{pool: pool("only")}
	w, _ = newWorker(single, Config{Resilience: 10, MaxSkip: 5})
	tr, err := w.pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only", tr.ID())
}
