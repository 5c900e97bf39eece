package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/bouthilx/protopt/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExperiment struct {
	docs []models.Trial
}

func (f *fakeExperiment) Name() string { return "cifar" }

func (f *fakeExperiment) ListTrials(ctx context.Context, statuses ...models.TrialStatus) ([]*trial.Trial, error) {
	deps := &trial.Deps{}
	var out []*trial.Trial
	for _, doc := range f.docs {
		keep := len(statuses) == 0
		for _, st := range statuses {
			keep = keep || doc.Status == st
		}
		if keep {
			out = append(out, deps.New(doc))
		}
	}
	return out, nil
}

func (f *fakeExperiment) GetTrial(ctx context.Context, id string) (*trial.Trial, error) {
	for _, doc := range f.docs {
		if doc.ID == id {
			return (&trial.Deps{}).New(doc), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", experiment.ErrTrialNotFound, id)
}

func (f *fakeExperiment) Decisions(ctx context.Context, id string) ([]models.PDREntry, error) {
	if id == "a" {
		return []models.PDREntry{{ID: "p1", Action: "claim", Outcome: "success", TrialID: "a"}}, nil
	}
	return nil, nil
}

func (f *fakeExperiment) Summary(ctx context.Context) (experiment.Summary, error) {
	s := experiment.Summary{Target: "valid_error.epoch", Counts: map[models.TrialStatus]int{}}
	for _, doc := range f.docs {
		s.Total++
		s.Counts[doc.Status]++
	}
	best := 0.25
	s.BestID, s.Best = "c", &best
	return s, nil
}

type fixedStats worker.Stats

func (f fixedStats) Stats() worker.Stats { return worker.Stats(f) }

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exp := &fakeExperiment{docs: []models.Trial{
		{ID: "a", Experiment: "cifar", Status: models.StatusQueued},
		{ID: "b", Experiment: "cifar", Status: models.StatusRunning},
		{ID: "c", Experiment: "cifar", Status: models.StatusCompleted},
	}}
	return NewServer(exp, st, "127.0.0.1:0", opts...), st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth_OK(t *testing.T) {
	s, _ := newTestServer(t, WithVersion("1.2.3"))

	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "cifar", health.Experiment)
	assert.Equal(t, "1.2.3", health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealth_DBError(t *testing.T) {
	s, st := newTestServer(t)
	st.Close()

	w := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTrials(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		query string
		code  int
		ids   []string
	}{
		{"", http.StatusOK, []string{"a", "b", "c"}},
		{"?status=queued,RUNNING", http.StatusOK, []string{"a", "b"}},
		{"?status=COMPLETED", http.StatusOK, []string{"c"}},
		{"?status=FAILED", http.StatusOK, []string{}},
		{"?status=paused", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := get(t, s, "/trials"+tt.query)
			require.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				return
			}
			var docs []models.Trial
			require.NoError(t, json.NewDecoder(w.Body).Decode(&docs))
			got := []string{}
			for _, d := range docs {
				got = append(got, d.ID)
			}
			assert.Equal(t, tt.ids, got)
		})
	}
}

func TestTrialByID(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s, "/trials/b")
	require.Equal(t, http.StatusOK, w.Code)
	var doc models.Trial
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, models.StatusRunning, doc.Status)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/trials/zzz").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/trials/").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/trials/a/logs").Code)

	w = get(t, s, "/trials/a/decisions")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []models.PDREntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "claim", entries[0].Action)

	w = get(t, s, "/trials/b/decisions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSummary(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/summary")
	require.Equal(t, http.StatusOK, w.Code)

	var summary experiment.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&summary))
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Counts[models.StatusRunning])
	assert.Equal(t, "c", summary.BestID)
	require.NotNil(t, summary.Best)
	assert.Equal(t, 0.25, *summary.Best)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/stats").Code)

	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ = newTestServer(t, WithStats(fixedStats{StartedAt: started, Completed: 3, Resilience: 9, CurrentTrial: "b"}))
	w := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats worker.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 9, stats.Resilience)
	assert.Equal(t, "b", stats.CurrentTrial)
	assert.True(t, started.Equal(stats.StartedAt))
}

func TestMetricsMountedWhenGiven(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("protopt_worker_resilience 10\n"))
	})
	s, _ = newTestServer(t, WithMetrics(h))
	w := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "protopt_worker_resilience")
}

func TestShutdownBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}
