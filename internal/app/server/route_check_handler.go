package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"reachwatch/internal/api/dto"
	"reachwatch/internal/config"
	"reachwatch/internal/querylog"
)

const maxTargetLength = 512

func checkTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := strings.TrimSpace(r.URL.Query().Get("target"))
		if target == "" {
			writeError(w, "target is required", http.StatusBadRequest)
			return
		}
		if !utf8.ValidString(target) || strings.ContainsRune(target, 0) {
			writeError(w, "target must be valid UTF-8", http.StatusBadRequest)
			return
		}
		if len(target) > maxTargetLength {
			writeError(w, "target too long", http.StatusBadRequest)
			return
		}

		resp := dto.CheckResponse{Target: target}
		if entry, ok := deps.Whitelist.Current().Lookup(target, config.GetConfig().MaxLookupDots()); ok {
			resp.Whitelist = &entry
		}

		if deps.Queries != nil {
			match := ""
			if resp.Whitelist != nil {
				match = resp.Whitelist.Domain
			}
			id, err := deps.Queries.Record(r.Context(), querylog.Entry{
				Target:         target,
				SourceIP:       clientIP(r),
				WhitelistMatch: match,
			})
			switch {
			case errors.Is(err, querylog.ErrQueueFull):
				log.Warn("Query log queue full, lookup not recorded", "target", target)
			case err != nil:
				log.Warn("Failed to record lookup", "target", target, "error", err)
			default:
				resp.ID = id.String()
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func submitFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid query id", http.StatusBadRequest)
			return
		}
		works, err := strconv.ParseBool(r.PathValue("works"))
		if err != nil {
			writeError(w, "works must be true or false", http.StatusBadRequest)
			return
		}

		if err := deps.Queries.Feedback(r.Context(), id, works, clientIP(r)); err != nil {
			log.Error("Failed to store feedback", "id", id, "error", err)
			writeError(w, "could not store feedback", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
