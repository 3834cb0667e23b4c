package peerlist

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "peerlist"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers in the peer list.
	PeersStored metrics.Gauge
	// Number of peers eligible for an outgoing connection attempt.
	ConnectCandidates metrics.Gauge
	// Number of peers known to be seeds.
	Seeds metrics.Gauge
	// Number of peers with an active connection.
	PeersConnected metrics.Gauge
	// Number of peers evicted, by reason (resume, best).
	PeersEvicted metrics.Counter
	// Number of discovered peers dropped or connections rejected, by reason.
	PeersRejected metrics.Counter
	// Number of selector passes that found no candidate.
	SelectorMisses metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", "fooValue"). The "transfer" label is always declared and must be
// bound with With before the metrics are used.
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	labels = append(labels, "transfer")
	reasonLabels := append(append([]string{}, labels...), "reason")

	return &Metrics{
		PeersStored: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_stored",
			Help:      "Number of peers in the peer list.",
		}, labels).With(labelsAndValues...),
		ConnectCandidates: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connect_candidates",
			Help:      "Number of peers eligible for an outgoing connection attempt.",
		}, labels).With(labelsAndValues...),
		Seeds: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "seeds",
			Help:      "Number of peers known to be seeds.",
		}, labels).With(labelsAndValues...),
		PeersConnected: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_connected",
			Help:      "Number of peers with an active connection.",
		}, labels).With(labelsAndValues...),
		PeersEvicted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_evicted",
			Help:      "Number of peers evicted from the peer list.",
		}, reasonLabels).With(labelsAndValues...),
		PeersRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_rejected",
			Help:      "Number of discovered peers dropped or connections rejected.",
		}, reasonLabels).With(labelsAndValues...),
		SelectorMisses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "selector_misses",
			Help:      "Number of connect candidate scans that found no peer to dial.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		PeersStored:       discard.NewGauge(),
		ConnectCandidates: discard.NewGauge(),
		Seeds:             discard.NewGauge(),
		PeersConnected:    discard.NewGauge(),
		PeersEvicted:      discard.NewCounter(),
		PeersRejected:     discard.NewCounter(),
		SelectorMisses:    discard.NewCounter(),
	}
}

// With returns a copy of the metrics with additional label values bound,
// typically ("transfer", id).
func (m *Metrics) With(labelsAndValues ...string) *Metrics {
	return &Metrics{
		PeersStored:       m.PeersStored.With(labelsAndValues...),
		ConnectCandidates: m.ConnectCandidates.With(labelsAndValues...),
		Seeds:             m.Seeds.With(labelsAndValues...),
		PeersConnected:    m.PeersConnected.With(labelsAndValues...),
		PeersEvicted:      m.PeersEvicted.With(labelsAndValues...),
		PeersRejected:     m.PeersRejected.With(labelsAndValues...),
		SelectorMisses:    m.SelectorMisses.With(labelsAndValues...),
	}
}
