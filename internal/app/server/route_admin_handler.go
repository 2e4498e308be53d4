package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"reachwatch/internal/api/dto"
	"reachwatch/internal/config"
	"reachwatch/internal/database"
	"reachwatch/internal/jobs/runtime"
	"reachwatch/internal/ranking"
	"reachwatch/internal/registry"
)

func parseID(raw string) (uint64, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func getReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r.PathValue("id"))
		if !ok {
			writeError(w, "invalid report id", http.StatusBadRequest)
			return
		}

		report, err := deps.Reports.GetReport(r.Context(), id)
		if errors.Is(err, database.ErrReportNotFound) {
			writeError(w, "report not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("Report lookup failed", "id", id, "error", err)
			writeError(w, "could not load report", http.StatusServiceUnavailable)
			return
		}

		resp := dto.ReportResponse{
			ID:          report.ID,
			ReporterID:  report.ReporterID,
			Version:     report.Version,
			HTTP:        report.HTTP,
			TxJunk:      report.TxJunk,
			ProbeIP:     report.ProbeIP,
			Path:        report.Path,
			RetryCount:  report.RetryCount,
			TimeoutSecs: report.TimeoutSecs,
			ProbeCount:  report.ProbeCount,
			ReceivedAt:  report.CreatedAt,
			Rows:        make([]dto.ReportRowResponse, 0, len(report.Rows)),
		}
		for _, row := range report.Rows {
			resp.Rows = append(resp.Rows, dto.ReportRowResponse{Domain: row.Domain, Evidence: row.Evidence.String()})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func deleteReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r.PathValue("id"))
		if !ok {
			writeError(w, "invalid report id", http.StatusBadRequest)
			return
		}

		removed, err := deps.Reports.DeleteReport(r.Context(), id)
		if errors.Is(err, database.ErrReportNotFound) {
			writeError(w, "report not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("Report deletion failed", "id", id, "error", err)
			writeError(w, "could not delete report", http.StatusServiceUnavailable)
			return
		}

		log.Info("Report deleted", "id", id, "rows", removed)
		writeJSON(w, http.StatusOK, dto.DeleteReportResponse{ID: id, RowsRemoved: removed})
	}
}

func recomputeWhitelist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := deps.Engine.Recompute(r.Context())
		if err != nil {
			log.Error("On-demand whitelist recompute failed", "error", err)
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, dto.RecomputeResponse{Version: snapshot.Version, Entries: snapshot.Len()})
	}
}

func refreshRanks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ranks == nil {
			writeError(w, "rank registry not configured", http.StatusServiceUnavailable)
			return
		}
		outcome, err := runtime.RunRankRefresh(r.Context(), deps.Ranks, deps.AfterRankRefresh, "manual", true)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, dto.RankRefreshResponse{
			Domains:       outcome.Domains,
			Sources:       outcome.Sources,
			FailedSources: outcome.FailedSources,
		})
	}
}

// upsertRank sets one domain's rank. The whitelist picks it up on its next
// recompute.
func upsertRank(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ranks == nil {
			writeError(w, "rank registry not configured", http.StatusServiceUnavailable)
			return
		}

		var req dto.RankUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		name := r.PathValue("domain")
		err := deps.Ranks.Upsert(r.Context(), name, req.Rank)
		switch {
		case errors.Is(err, ranking.ErrInvalidDomain), errors.Is(err, ranking.ErrInvalidRank):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			log.Error("Rank upsert failed", "domain", name, "error", err)
			writeError(w, "could not store rank", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, dto.RankUpsertResponse{Domain: name, Rank: req.Rank})
	}
}

func rotateReporterToken(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Tokens == nil {
			writeError(w, "reporter registry not configured", http.StatusServiceUnavailable)
			return
		}
		id, ok := parseID(r.PathValue("id"))
		if !ok {
			writeError(w, "invalid reporter id", http.StatusBadRequest)
			return
		}

		var req dto.RotateTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		err := deps.Tokens.RotateToken(r.Context(), id, req.Token)
		switch {
		case errors.Is(err, registry.ErrEmptyToken):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, database.ErrReporterNotFound):
			writeError(w, "reporter not found", http.StatusNotFound)
			return
		case err != nil:
			log.Error("Token rotation failed", "id", id, "error", err)
			writeError(w, "could not rotate token", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getGlobalSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveGlobalSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(newConfig); err != nil {
		if errors.Is(err, config.ErrInvalidSettings) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error("Settings saved with errors", "error", err)
		writeError(w, "settings applied but could not be persisted or broadcast", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, config.GetConfig())
}
