package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	IdentifyRequests prometheus.Counter
	ContactsCreated  prometheus.Counter
	ClustersMerged   prometheus.Counter
	TxConflicts      prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		IdentifyRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "identity_identify_requests_total",
			Help: "Total number of identify requests processed",
		}),
		ContactsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "identity_contacts_created_total",
			Help: "Total number of contact rows created",
		}),
		ClustersMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "identity_clusters_merged_total",
			Help: "Total number of cluster merges performed",
		}),
		TxConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "identity_tx_conflicts_total",
			Help: "Total number of serialization conflicts retried",
		}),
	}
}

// IncrementIdentifyRequests increments the identify requests counter by 1.
func (m *Metrics) IncrementIdentifyRequests() {
	if m != nil {
		m.IdentifyRequests.Inc()
	}
}

// IncrementContactsCreated increments the contacts created counter by 1.
func (m *Metrics) IncrementContactsCreated() {
	if m != nil {
		m.ContactsCreated.Inc()
	}
}

// IncrementClustersMerged increments the clusters merged counter by 1.
func (m *Metrics) IncrementClustersMerged() {
	if m != nil {
		m.ClustersMerged.Inc()
	}
}

// IncrementTxConflicts increments the transaction conflicts counter by 1.
func (m *Metrics) IncrementTxConflicts() {
	if m != nil {
		m.TxConflicts.Inc()
	}
}
