package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the service's Prometheus instruments.
type Metrics struct {
	Acquires        prometheus.Counter
	Conflicts       prometheus.Counter
	Renews          prometheus.Counter
	Expiries        prometheus.Counter
	ForceUnlocks    prometheus.Counter
	Appends         *prometheus.CounterVec
	Commits         prometheus.Counter
	Discards        prometheus.Counter
	StorageFailures prometheus.Counter
	ActiveLeases    prometheus.Gauge
}

// NewMetrics registers the service instruments with reg. A nil reg gets a
// private registry so tests never collide on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Acquires: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_lease_acquires_total",
			Help: "Edit leases granted.",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_lease_conflicts_total",
			Help: "Lease acquisitions rejected because the dataset was held.",
		}),
		Renews: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_lease_renews_total",
			Help: "Lease renewals granted.",
		}),
		Expiries: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_lease_expiries_total",
			Help: "Leases reclaimed after their TTL lapsed.",
		}),
		ForceUnlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_lease_force_unlocks_total",
			Help: "Administrative force-unlocks.",
		}),
		Appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "editd_journal_appends_total",
			Help: "Journal entries appended.",
		}, []string{"change_type"}),
		Commits: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_commits_total",
			Help: "Sessions committed to dataset storage.",
		}),
		Discards: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_discards_total",
			Help: "Sessions discarded.",
		}),
		StorageFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "editd_storage_failures_total",
			Help: "Commit batches rejected by the storage engine.",
		}),
		ActiveLeases: f.NewGauge(prometheus.GaugeOpts{
			Name: "editd_active_leases",
			Help: "Currently held edit leases.",
		}),
	}
}
