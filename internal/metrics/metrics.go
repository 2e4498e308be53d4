package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SubmissionsTotal     *prometheus.CounterVec
	EvidenceRowsAccepted prometheus.Counter
	IntakeDuration       prometheus.Histogram

	RecomputeTotal    *prometheus.CounterVec
	RecomputeDuration prometheus.Histogram
	WhitelistSize     prometheus.Gauge
	WhitelistVersion  prometheus.Gauge

	RankRefreshTotal *prometheus.CounterVec
	RankedDomains    prometheus.Gauge

	QueriesLogged  prometheus.Counter
	QueriesDropped prometheus.Counter

	LeaderHeld        *prometheus.GaugeVec
	LeaderTransitions *prometheus.CounterVec
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reachwatch_intake_submissions_total",
			Help: "Report submissions by result",
		}, []string{"result"}),
		EvidenceRowsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "reachwatch_intake_evidence_rows_total",
			Help: "Evidence rows committed by accepted submissions",
		}),
		IntakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reachwatch_intake_duration_seconds",
			Help:    "Time spent handling a report submission",
			Buckets: prometheus.DefBuckets,
		}),
		RecomputeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reachwatch_whitelist_recompute_total",
			Help: "Whitelist recomputations by result",
		}, []string{"result"}),
		RecomputeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reachwatch_whitelist_recompute_duration_seconds",
			Help:    "Duration of whitelist recomputations",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		WhitelistSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reachwatch_whitelist_entries",
			Help: "Entries in the currently published whitelist",
		}),
		WhitelistVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reachwatch_whitelist_version",
			Help: "Version of the currently published whitelist",
		}),
		RankRefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reachwatch_rank_refresh_total",
			Help: "Rank feed refreshes by result",
		}, []string{"result"}),
		RankedDomains: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reachwatch_ranked_domains",
			Help: "Domains known to the rank registry",
		}),
		QueriesLogged: factory.NewCounter(prometheus.CounterOpts{
			Name: "reachwatch_queries_logged_total",
			Help: "Lookup queries written to the query log",
		}),
		QueriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "reachwatch_queries_dropped_total",
			Help: "Lookup queries dropped because the log buffer was full or the write failed",
		}),
		LeaderHeld: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reachwatch_leader_held",
			Help: "1 while this instance runs the job as leader",
		}, []string{"job"}),
		LeaderTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reachwatch_leader_transitions_total",
			Help: "Leadership changes per job and event",
		}, []string{"job", "event"}),
	}
}

func (m *Metrics) ObserveSubmission(result string, rows int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
	if rows > 0 {
		m.EvidenceRowsAccepted.Add(float64(rows))
	}
	m.IntakeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRecompute(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RecomputeTotal.WithLabelValues(result).Inc()
	m.RecomputeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetWhitelist(version uint64, size int) {
	if m == nil {
		return
	}
	m.WhitelistVersion.Set(float64(version))
	m.WhitelistSize.Set(float64(size))
}

func (m *Metrics) ObserveRankRefresh(result string, domains int) {
	if m == nil {
		return
	}
	m.RankRefreshTotal.WithLabelValues(result).Inc()
	if domains > 0 {
		m.RankedDomains.Set(float64(domains))
	}
}

func (m *Metrics) IncQueriesLogged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueriesLogged.Add(float64(n))
}

func (m *Metrics) IncQueriesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueriesDropped.Add(float64(n))
}

// ObserveLeadership tracks leader-elected jobs. "acquired" and "local" mark the
// job as held; anything else clears it.
func (m *Metrics) ObserveLeadership(job, event string) {
	if m == nil {
		return
	}
	m.LeaderTransitions.WithLabelValues(job, event).Inc()
	switch event {
	case "acquired", "local":
		m.LeaderHeld.WithLabelValues(job).Set(1)
	default:
		m.LeaderHeld.WithLabelValues(job).Set(0)
	}
}
