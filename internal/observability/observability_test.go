package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countedExperiment struct{ n int }

func (c countedExperiment) Name() string { return "cifar" }

func (c countedExperiment) CountRunnable(context.Context) (int, error) { return c.n, nil }

func shutdownAfter(t *testing.T, shutdown func(context.Context) error) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "protopt", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_LazyConnection(t *testing.T) {
	// gRPC dials lazily, so an unreachable collector is not an error here.
	shutdown, err := Init(context.Background(), "protopt", "localhost:4317")
	require.NoError(t, err)
	shutdownAfter(t, shutdown)
}

func TestObserveRunnable(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	require.NoError(t, err)
	shutdownAfter(t, shutdown)

	reg, err := ObserveRunnable(countedExperiment{n: 7})
	require.NoError(t, err)
	defer func() { _ = reg.Unregister() }()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "protopt_runnable_trials")
	assert.Contains(t, rr.Body.String(), `experiment="cifar"`)
}

func TestInitMetrics_Twice(t *testing.T) {
	for i := 0; i < 2; i++ {
		_, shutdown, err := InitMetrics()
		require.NoError(t, err)
		shutdownAfter(t, shutdown)
	}
}
