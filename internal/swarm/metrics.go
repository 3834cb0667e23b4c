package swarm

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "swarm"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of transfers.
	Transfers metrics.Gauge
	// Number of connections across all transfers.
	Connections metrics.Gauge
	// Number of outgoing connection attempts.
	Dials metrics.Counter
	// Number of outgoing connection attempts that failed.
	DialFailures metrics.Counter
	// Number of ticks dropped because a transfer was busy.
	TicksDropped metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Transfers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transfers",
			Help:      "Number of transfers.",
		}, labels).With(labelsAndValues...),
		Connections: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections",
			Help:      "Number of connections across all transfers.",
		}, labels).With(labelsAndValues...),
		Dials: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dials",
			Help:      "Number of outgoing connection attempts.",
		}, labels).With(labelsAndValues...),
		DialFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dial_failures",
			Help:      "Number of outgoing connection attempts that failed.",
		}, labels).With(labelsAndValues...),
		TicksDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ticks_dropped",
			Help:      "Number of ticks dropped because a transfer was busy.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Transfers:    discard.NewGauge(),
		Connections:  discard.NewGauge(),
		Dials:        discard.NewCounter(),
		DialFailures: discard.NewCounter(),
		TicksDropped: discard.NewCounter(),
	}
}
