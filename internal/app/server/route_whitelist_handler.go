package server

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzhttp"

	"reachwatch/internal/api/dto"
	"reachwatch/internal/config"
	"reachwatch/internal/consensus"
)

const exportCacheControl = "public, max-age=86400"

func csvHandler(whitelist *consensus.Whitelist, write func(io.Writer, *consensus.Snapshot) error) http.Handler {
	return gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := write(&buf, whitelist.Current()); err != nil {
			log.Error("Whitelist export failed", "path", r.URL.Path, "error", err)
			writeError(w, "export failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Cache-Control", exportCacheControl)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}))
}

func getHistogram(whitelist *consensus.Whitelist) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var limit *int
		if raw := query.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			limit = &parsed
		}

		// Any filter parameter, whatever its value, drops .co.uk domains.
		excludeCoUK := query.Has("filter")

		bins := consensus.Histogram(whitelist.Current(), config.GetConfig().HistogramBins(), consensus.ClampHistogramLimit(limit), excludeCoUK)
		writeJSON(w, http.StatusOK, bins)
	}
}

func getWhitelist(whitelist *consensus.Whitelist) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := dto.WhitelistResponse{Entries: []consensus.Entry{}}
		if snapshot := whitelist.Current(); snapshot != nil {
			resp.Version = snapshot.Version
			resp.GeneratedAt = snapshot.GeneratedAt
			resp.Entries = snapshot.Entries
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
