// Package observability exposes Prometheus metrics for pgclient
// sessions and queries.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pgclient.
type Metrics struct {
	// Counters
	ConnectsTotal      prometheus.Counter
	ConnectErrorsTotal prometheus.Counter
	QueriesTotal       prometheus.Counter
	QueryErrorsTotal   prometheus.Counter
	SessionErrorsTotal prometheus.Counter
	SASLExchangesTotal *prometheus.CounterVec

	// Gauges
	SessionsActive prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_connects_total",
			Help: "Total number of connection attempts",
		}),
		ConnectErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_connect_errors_total",
			Help: "Total number of failed connection attempts",
		}),
		QueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_queries_total",
			Help: "Total number of queries enqueued",
		}),
		QueryErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_query_errors_total",
			Help: "Total number of queries completed with an error",
		}),
		SessionErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_session_errors_total",
			Help: "Total number of session-fatal errors",
		}),
		SASLExchangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgclient_sasl_exchanges_total",
			Help: "Total number of SASL exchanges by mechanism",
		}, []string{"mechanism"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pgclient_sessions_active",
			Help: "Number of sessions currently connected",
		}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide Metrics registered with the default
// Prometheus registry.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
