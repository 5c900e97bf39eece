package trial

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bouthilx/protopt/internal/audit"
	"github.com/bouthilx/protopt/internal/claim"
	"github.com/bouthilx/protopt/internal/connectors"
	"github.com/bouthilx/protopt/internal/env"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLauncher logs the given scalars and exits with code, or blocks until
// ctx is cancelled when block is set.
type fakeLauncher struct {
	scalars []float64
	code    int
	err     error
	block   bool
	seen    models.Config
}

func (f *fakeLauncher) Name() string { return "fake" }
func (f *fakeLauncher) IsAllowed(script string) bool { return true }

func (f *fakeLauncher) Launch(ctx context.Context, cfg models.Config, sink connectors.MetricSink) (*connectors.ExecResult, error) {
	f.seen = cfg
	for i, v := range f.scalars {
		if err := sink(ctx, "valid_acc", v, float64(i+1)); err != nil {
			return nil, err
		}
	}
	if f.block {
		<-ctx.Done()
		return &connectors.ExecResult{ExitCode: -1}, context.Cause(ctx)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &connectors.ExecResult{ExitCode: f.code, Stderr: "tail", Scalars: len(f.scalars)}, nil
}

func setup(t *testing.T, l connectors.Connector) (*Deps, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "trial.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := env.Context{Cluster: "graham", Hostname: "node1", DataPath: "/scratch/data", WorkerID: "w1"}
	pdr := audit.NewPDRWriter(s)
	return &Deps{
		Store:    s,
		Claims:   claim.New(s, e, pdr, nil),
		Launcher: l,
		Env:      e,
		Paths: Paths{
			Defaults: models.Config{Script: "train.sh", SavePath: "/runs", Tensorboard: "/tb", DataPath: "/default"},
			Profiles: []string{"adam", "fast"},
		},
		PDR: pdr,
	}, s
}

func queued(t *testing.T, d *Deps) *Trial {
	t.Helper()
	cfg := models.Config{Script: "train.sh", SavePath: "/elsewhere", Resume: true, Params: map[string]any{"lr": 0.1}}
	tr := d.Fresh("exp", cfg)
	require.NoError(t, tr.Queue(context.Background()))
	return tr
}

func TestQueue_ResetsRunOptions(t *testing.T) {
	d, s := setup(t, &fakeLauncher{})
	tr := queued(t, d)

	assert.NotEmpty(t, tr.ID())
	assert.Equal(t, models.StatusQueued, tr.Status())
	assert.True(t, tr.IsRunnable())

	got, err := s.FindOne(context.Background(), store.ByID(tr.ID()))
	require.NoError(t, err)
	assert.Equal(t, "/runs", got.Config.SavePath)
	assert.Equal(t, "/default", got.Config.DataPath)
	assert.False(t, got.Config.Resume)
	assert.Equal(t, 0.1, got.Config.Params["lr"])

	err = tr.Queue(context.Background())
	assert.ErrorIs(t, err, models.ErrIllegalState)
}

func TestFresh_NotRunnable(t *testing.T) {
	d, _ := setup(t, &fakeLauncher{})
	tr := d.Fresh("exp", models.Config{})
	assert.False(t, tr.IsRunnable())

	res := tr.Run(context.Background())
	assert.Equal(t, NotClaimed, res.Outcome)
	assert.ErrorIs(t, res.Err, models.ErrIllegalState)
}

func TestRun_Completed(t *testing.T) {
	l := &fakeLauncher{scalars: []float64{0.5, 0.7}}
	d, s := setup(t, l)
	tr := queued(t, d)

	res := tr.Run(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, models.StatusCompleted, tr.Status())

	assert.Equal(t, "/scratch/data", l.seen.DataPath)
	assert.Equal(t, filepath.Join("/runs", "adam", "fast", tr.ID()), l.seen.SavePath)
	assert.Equal(t, filepath.Join("/runs", "logs", "adam", "fast", tr.ID()), l.seen.Tensorboard)
	assert.False(t, l.seen.Resume)

	require.NoError(t, tr.Refresh(context.Background()))
	assert.True(t, tr.IsCompleted())
	curve := tr.Metrics()["valid_acc"][models.UnitEpoch]
	assert.Equal(t, models.Curve{1: 0.5, 2: 0.7}, curve)

	entries, err := s.DecisionsForTrial(context.Background(), tr.ID())
	require.NoError(t, err)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	assert.ElementsMatch(t, []string{audit.ActionRegister, audit.ActionClaim, audit.ActionFinish}, actions)
}

func TestRun_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		l       *fakeLauncher
		outcome Outcome
		status  models.TrialStatus
		target  error
	}{
		{"invalid config", &fakeLauncher{code: connectors.ExitInvalidConfig}, Invalid, models.StatusInvalid, models.ErrInvalidConfig},
		{"non-zero exit", &fakeLauncher{code: 1}, Failed, models.StatusFailed, nil},
		{"launch error", &fakeLauncher{err: errors.New("no such file")}, ClusterProblem, models.StatusClusterProblem, models.ErrClusterProblem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s := setup(t, tt.l)
			tr := queued(t, d)

			res := tr.Run(context.Background())
			assert.Equal(t, tt.outcome, res.Outcome)
			require.Error(t, res.Err)
			if tt.target != nil {
				assert.ErrorIs(t, res.Err, tt.target)
			}

			got, err := s.FindOne(context.Background(), store.ByID(tr.ID()))
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestRun_CancelCause(t *testing.T) {
	tests := []struct {
		cause   error
		outcome Outcome
		status  models.TrialStatus
	}{
		{models.ErrTimedOut, TimedOut, models.StatusTimedOut},
		{models.ErrInterrupted, Interrupted, models.StatusInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			d, s := setup(t, &fakeLauncher{scalars: []float64{0.3}, block: true})
			tr := queued(t, d)

			ctx, cancel := context.WithCancelCause(context.Background())
			done := make(chan Result)
			go func() { done <- tr.Run(ctx) }()

			// Wait until the run has logged before cancelling.
			require.Eventually(t, func() bool {
				got, err := s.FindOne(context.Background(), store.ByID(tr.ID()))
				return err == nil && len(got.Metrics) > 0
			}, 5*time.Second, 10*time.Millisecond)
			cancel(tt.cause)

			res := <-done
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.ErrorIs(t, res.Err, tt.cause)

			got, err := s.FindOne(context.Background(), store.ByID(tr.ID()))
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.True(t, got.IsRunnable())
		})
	}
}

func TestRun_ResumeKeepsPaths(t *testing.T) {
	l := &fakeLauncher{}
	d, s := setup(t, l)
	d.Claims.WithArtifactCheck(func(string) bool { return true })
	tr := queued(t, d)

	ctx := context.Background()
	_, err := s.CompareAndSetStatus(ctx, tr.ID(), models.StatusQueued, models.StatusRunning)
	require.NoError(t, err)
	require.NoError(t, s.SetHost(ctx, tr.ID(), models.Host{Cluster: "graham"}))
	cfg := tr.Config().Clone()
	cfg.SavePath = "/runs/previous"
	require.NoError(t, s.UpdateConfig(ctx, tr.ID(), cfg))
	_, err = s.CompareAndSetStatus(ctx, tr.ID(), models.StatusRunning, models.StatusInterrupted)
	require.NoError(t, err)
	require.NoError(t, tr.Refresh(ctx))

	res := tr.Run(ctx)
	require.NoError(t, res.Err)
	assert.True(t, l.seen.Resume)
	assert.Equal(t, "/runs/previous", l.seen.SavePath)
	assert.Equal(t, "/default", l.seen.DataPath)
}

func TestRun_FreshSavePathInUse(t *testing.T) {
	l := &fakeLauncher{}
	d, s := setup(t, l)
	root := t.TempDir()
	d.Paths = Paths{Defaults: models.Config{Script: "train.sh", SavePath: root}}
	tr := queued(t, d)
	require.NoError(t, os.MkdirAll(filepath.Join(root, tr.ID()), 0o755))

	res := tr.Run(context.Background())
	assert.Equal(t, NotClaimed, res.Outcome)
	assert.ErrorIs(t, res.Err, models.ErrSelection)
	assert.ErrorContains(t, res.Err, "save path in use")
	assert.Empty(t, l.seen.Script)

	got, err := s.FindOne(context.Background(), store.ByID(tr.ID()))
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, root, got.Config.SavePath)
}

func TestRun_LostRace(t *testing.T) {
	d, s := setup(t, &fakeLauncher{})
	tr := queued(t, d)

	_, err := s.CompareAndSetStatus(context.Background(), tr.ID(), models.StatusQueued, models.StatusRunning)
	require.NoError(t, err)

	res := tr.Run(context.Background())
	assert.Equal(t, NotClaimed, res.Outcome)
	assert.ErrorIs(t, res.Err, models.ErrSelection)
}

func TestMetrics_Empty(t *testing.T) {
	d, _ := setup(t, &fakeLauncher{})
	tr := queued(t, d)
	assert.Empty(t, tr.Metrics())
}

func TestOutcomeStatus(t *testing.T) {
	_, ok := NotClaimed.Status()
	assert.False(t, ok)

	st, ok := TimedOut.Status()
	assert.True(t, ok)
	assert.Equal(t, models.StatusTimedOut, st)
	assert.Equal(t, "cluster_problem", ClusterProblem.String())
}
