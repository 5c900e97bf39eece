package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// The handler also serves the collectors registered on the default registry.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	gatherers := promclient.Gatherers{promclient.DefaultGatherer, reg}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}), provider.Shutdown, nil
}

// RunnableCounter counts the runnable trials of an experiment.
type RunnableCounter interface {
	Name() string
	CountRunnable(ctx context.Context) (int, error)
}

// ObserveRunnable reports the runnable trial count of exp on every scrape.
func ObserveRunnable(exp RunnableCounter) (api.Registration, error) {
	meter := otel.Meter("github.com/bouthilx/protopt/internal/observability")
	gauge, err := meter.Int64ObservableGauge(
		"protopt_runnable_trials",
		api.WithDescription("Trials of the experiment that can be claimed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runnable gauge: %w", err)
	}
	return meter.RegisterCallback(func(ctx context.Context, o api.Observer) error {
		n, err := exp.CountRunnable(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, int64(n), api.WithAttributes(attribute.String("experiment", exp.Name())))
		return nil
	}, gauge)
}
