package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reachwatch/internal/consensus"
)

// healthcheck reports 503 until the first whitelist snapshot is available.
func healthcheck(whitelist *consensus.Whitelist) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snapshot := whitelist.Current()
		if snapshot == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": snapshot.Version,
			"entries": snapshot.Len(),
		})
	}
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
