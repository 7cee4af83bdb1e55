package ipc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "releasenotes",
		Name:      "sessions_active",
		Help:      "Number of open generation sessions.",
	})
	metricSessionsRefused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "releasenotes",
		Name:      "sessions_refused_total",
		Help:      "Session upgrades refused because the server was at capacity.",
	})
	metricSessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "releasenotes",
		Name:      "session_outcomes_total",
		Help:      "Finished sessions by terminal outcome.",
	}, []string{"outcome"})
	metricFragmentsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "releasenotes",
		Name:      "fragments_relayed_total",
		Help:      "Generated fragments forwarded to clients.",
	})
	metricJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "releasenotes",
		Name:      "job_duration_seconds",
		Help:      "Background job run time by result.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"result"})
	metricRepoSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "releasenotes",
		Name:      "repo_syncs_total",
		Help:      "Repository pre-warm requests by action.",
	}, []string{"action"})
)

// handleMetrics serves Prometheus metrics, to loopback clients only unless
// public metrics are enabled.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublicMetrics && !isLoopbackBindAddress(r.RemoteAddr) {
		respondError(w, http.StatusForbidden, errForbidden)
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}
