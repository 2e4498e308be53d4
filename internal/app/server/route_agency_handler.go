package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/netip"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"

	"reachwatch/internal/api/dto"
	"reachwatch/internal/auth"
	"reachwatch/internal/intake"
)

const maxReportBodyBytes = 64 << 20

func submitReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok {
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var report dto.AgencyReport
		body := http.MaxBytesReader(w, r.Body, maxReportBodyBytes)
		if err := decodeReport(r.Header.Get("Content-Type"), body, &report); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, "report body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if errors.Is(err, errUnsupportedMedia) {
				writeError(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			writeError(w, "malformed report: "+err.Error(), http.StatusBadRequest)
			return
		}

		env := intake.Envelope{
			ReporterIP: clientIP(r),
			Version:    report.Version,
			Transport: intake.Transport{
				HTTP:        report.Config.HTTP,
				TxJunk:      report.Config.TxJunk,
				IP:          report.Config.IP,
				Path:        report.Config.Path,
				RetryCount:  report.Config.RetryCount,
				TimeoutSecs: report.Config.TimeoutSecs,
				ProbeCount:  report.Config.ProbeCount,
			},
		}
		evidence := make([]intake.Evidence, 0, len(report.Data))
		for _, item := range report.Data {
			evidence = append(evidence, intake.Evidence{Domain: item.Domain, Outcome: item.Evidence})
		}

		id, err := deps.Intake.Submit(r.Context(), token, env, evidence)
		if err != nil {
			status := intakeStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error("Report submission failed", "error", err)
			}
			writeError(w, err.Error(), status)
			return
		}

		writeJSON(w, http.StatusOK, dto.SubmitResponse{OK: true, ID: id})
	}
}

var errUnsupportedMedia = errors.New("content type must be application/msgpack or application/json")

func decodeReport(contentType string, body io.Reader, report *dto.AgencyReport) error {
	mediaType := "application/msgpack"
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return errUnsupportedMedia
		}
		mediaType = parsed
	}

	switch mediaType {
	case "application/msgpack", "application/x-msgpack", "application/vnd.msgpack":
		return msgpack.NewDecoder(body).Decode(report)
	case "application/json":
		return json.NewDecoder(body).Decode(report)
	default:
		return errUnsupportedMedia
	}
}

func intakeStatus(err error) int {
	switch {
	case errors.Is(err, intake.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, intake.ErrInvalidEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, intake.ErrDuplicateEvidence):
		return http.StatusConflict
	case errors.Is(err, intake.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// clientIP returns the first forwarded address when a proxy supplied one,
// otherwise the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap().String()
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	return r.RemoteAddr
}
