package tui

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/monitor"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/bouthilx/protopt/internal/worker"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type boardExperiment struct{ docs []models.Trial }

func (b *boardExperiment) Name() string { return "cifar" }

func (b *boardExperiment) ListTrials(ctx context.Context, statuses ...models.TrialStatus) ([]*trial.Trial, error) {
	deps := &trial.Deps{}
	var out []*trial.Trial
	for _, doc := range b.docs {
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

func (b *boardExperiment) GetTrial(ctx context.Context, id string) (*trial.Trial, error) {
	for _, doc := range b.docs {
		if doc.ID == id {
			return (&trial.Deps{}).New(doc), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", experiment.ErrTrialNotFound, id)
}

func (b *boardExperiment) Decisions(ctx context.Context, id string) ([]models.PDREntry, error) {
	return []models.PDREntry{{Action: "claim", Outcome: "success", TrialID: id, Timestamp: time.Now()}}, nil
}

func (b *boardExperiment) Summary(ctx context.Context) (experiment.Summary, error) {
	s := experiment.Summary{Target: "valid_error.epoch", Counts: map[models.TrialStatus]int{}}
	for _, doc := range b.docs {
		s.Total++
		s.Counts[doc.Status]++
	}
	best := 0.4
	s.BestID, s.Best = "trial-bbbbbbbb", &best
	return s, nil
}

type stats struct{}

func (stats) Stats() worker.Stats {
	return worker.Stats{StartedAt: time.Now().Add(-90 * time.Second), Completed: 2, Resilience: 8, CurrentTrial: "trial-bbbbbbbb"}
}

func newBoard(t *testing.T, withWorker bool) *App {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now()
	exp := &boardExperiment{docs: []models.Trial{
		{ID: "trial-aaaaaaaa", Status: models.StatusQueued, UpdatedAt: now,
			Config: models.Config{Params: map[string]any{"lr": 0.01, "optimizer": "sgd"}}},
		{ID: "trial-bbbbbbbb", Status: models.StatusRunning, UpdatedAt: now,
			Host:   &models.Host{Cluster: "graham", Hostname: "node1"},
			Config: models.Config{Params: map[string]any{"lr": 0.1}},
			Metrics: map[string]models.Series{
				"valid_error": {Steps: []float64{1, 2}, Values: []float64{0.5, 0.4}, Timestamps: []time.Time{now, now}},
			}},
	}}
	var opts []monitor.Option
	if withWorker {
		opts = append(opts, monitor.WithStats(stats{}))
	}
	srv := httptest.NewServer(monitor.NewServer(exp, st, "", opts...).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, time.Second)
}

// exec runs cmd and feeds the resulting message back to the model,
// skipping batches and ticks.
func exec(a *App, cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	msg := cmd()
	if _, ok := msg.(tea.BatchMsg); ok {
		return
	}
	a.Update(msg)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestClient(t *testing.T) {
	a := newBoard(t, false)
	c := a.client

	assert.True(t, c.Health())

	trials, err := c.ListTrials("")
	require.NoError(t, err)
	assert.Len(t, trials, 2)

	running, err := c.ListTrials(models.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "trial-bbbbbbbb", running[0].ID)

	_, err = c.GetTrial("missing")
	assert.ErrorContains(t, err, "trial not found")

	summary, err := c.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)

	_, err = c.Stats()
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	assert.False(t, c.Health())
	_, err := c.ListTrials("")
	assert.Error(t, err)
}

func TestApp_ListAndFilter(t *testing.T) {
	a := newBoard(t, false)
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	exec(a, a.fetchTrials())
	exec(a, a.checkHealth())

	require.Len(t, a.trials, 2)
	view := a.View()
	assert.Contains(t, view, "Filter: [ALL]")
	assert.Contains(t, view, "trial-aa")
	assert.Contains(t, view, "lr=0.01 optimizer=sgd")
	assert.Contains(t, view, "● MONITOR")
	assert.Contains(t, view, "QUEUED 1")
	assert.Contains(t, view, "RUNNING 1")
	assert.Contains(t, view, "best valid_error.epoch 0.4 (trial-bb)")

	_, cmd := a.Update(key("tab"))
	exec(a, cmd)
	assert.Contains(t, a.View(), "Filter: [QUEUED]")
	require.Len(t, a.trials, 1)
	assert.Equal(t, "trial-aaaaaaaa", a.trials[0].ID)
}

func TestApp_Detail(t *testing.T) {
	a := newBoard(t, false)
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	exec(a, a.fetchTrials())

	a.Update(key("down"))
	_, cmd := a.Update(key("enter"))
	require.Equal(t, modeDetail, a.mode)
	exec(a, cmd)

	require.NotNil(t, a.current)
	assert.Equal(t, "trial-bbbbbbbb", a.current.ID)
	view := a.View()
	assert.Contains(t, view, "graham")
	assert.Contains(t, view, "valid_error")
	assert.Contains(t, view, "0.4 at epoch 2")
	assert.Contains(t, view, "claim")

	_, cmd = a.Update(key("esc"))
	assert.Equal(t, modeList, a.mode)
	assert.Nil(t, a.current)
	assert.NotNil(t, cmd)
}

func TestApp_WorkerPanel(t *testing.T) {
	a := newBoard(t, true)
	_, cmd := a.Update(key("w"))
	exec(a, cmd)
	require.NotNil(t, a.stats)
	view := a.View()
	assert.Contains(t, view, "Resilience")
	assert.Contains(t, view, "trial-bbbbbbbb")
	assert.Contains(t, view, "1m")

	b := newBoard(t, false)
	_, cmd = b.Update(key("w"))
	exec(b, cmd)
	assert.Contains(t, b.View(), "No worker attached")
}

func TestApp_ErrorMessage(t *testing.T) {
	a := New("127.0.0.1:1", time.Second)
	exec(a, a.fetchTrials())
	assert.True(t, strings.HasPrefix(a.message, "Error: "))
	exec(a, a.checkHealth())
	assert.Contains(t, a.View(), "○ MONITOR")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "3h10m", formatDuration(3*time.Hour+10*time.Minute))
}
