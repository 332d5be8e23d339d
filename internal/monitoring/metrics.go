package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation for one peer.
type Metrics struct {
	registry *prometheus.Registry

	PeersActive        prometheus.Gauge
	PeersKnown         prometheus.Gauge
	IsLeader           prometheus.Gauge
	ElectionEpoch      prometheus.Gauge
	ElectionsTotal     prometheus.Counter
	LeaderChangesTotal prometheus.Counter
	CatalogEntries     prometheus.Gauge
	TransfersTotal     *prometheus.CounterVec
	TransferBytesTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		PeersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legion_peers_active",
			Help: "Number of peers currently marked active",
		}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legion_peers_known",
			Help: "Number of peers in the registry",
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legion_is_leader",
			Help: "1 when this peer is the elected leader",
		}),
		ElectionEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legion_election_epoch",
			Help: "Current election epoch",
		}),
		ElectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legion_elections_total",
			Help: "Number of election rounds started by this peer",
		}),
		LeaderChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legion_leader_changes_total",
			Help: "Number of leader changes observed",
		}),
		CatalogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legion_catalog_entries",
			Help: "Number of entries in the local catalog view",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legion_transfers_total",
			Help: "Completed download attempts by result",
		}, []string{"result"}),
		TransferBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legion_transfer_bytes_total",
			Help: "Total bytes moved by the transfer engine",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PeersActive,
		m.PeersKnown,
		m.IsLeader,
		m.ElectionEpoch,
		m.ElectionsTotal,
		m.LeaderChangesTotal,
		m.CatalogEntries,
		m.TransfersTotal,
		m.TransferBytesTotal,
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
