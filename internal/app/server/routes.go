package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"reachwatch/internal/auth"
	"reachwatch/internal/consensus"
	"reachwatch/internal/domain"
	"reachwatch/internal/intake"
	"reachwatch/internal/querylog"
	"reachwatch/internal/ranking"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type Submitter interface {
	Submit(ctx context.Context, token string, env intake.Envelope, evidence []intake.Evidence) (uint64, error)
}

type Recomputer interface {
	Recompute(ctx context.Context) (*consensus.Snapshot, error)
}

type QueryRecorder interface {
	Record(ctx context.Context, entry querylog.Entry) (uuid.UUID, error)
	Feedback(ctx context.Context, queryID uuid.UUID, works bool, addr string) error
}

type ReportStore interface {
	GetReport(ctx context.Context, id uint64) (*domain.Report, error)
	DeleteReport(ctx context.Context, id uint64) (int64, error)
}

type ReporterLister interface {
	ListReporters(ctx context.Context) ([]domain.Reporter, error)
}

type RankRegistry interface {
	Refresh(ctx context.Context, reason string) (*ranking.RefreshOutcome, error)
	Upsert(ctx context.Context, name string, rank int) error
}

type TokenRotator interface {
	RotateToken(ctx context.Context, id uint64, token string) error
}

// Deps wires the HTTP surface to the services behind it.
type Deps struct {
	Intake    Submitter
	Engine    Recomputer
	Whitelist *consensus.Whitelist
	Queries   QueryRecorder
	Reports   ReportStore
	Reporters ReporterLister
	Tokens    TokenRotator
	Ranks     RankRegistry
	Gatherer  prometheus.Gatherer

	// AfterRankRefresh runs after an on-demand rank refresh succeeded.
	AfterRankRefresh func(context.Context)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewHandler builds the routed handler; OpenRoutes serves it.
func NewHandler(deps Deps) (http.Handler, error) {
	if deps.Whitelist == nil {
		return nil, errors.New("server: whitelist holder is required")
	}

	graphQL, err := newGraphQLHandler(deps)
	if err != nil {
		return nil, fmt.Errorf("build graphql handler: %w", err)
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /agency/report", submitReport(deps))

	router.Handle("GET /admin/reports/{id}", auth.IsAdmin(getReport(deps)))
	router.Handle("DELETE /admin/reports/{id}", auth.IsAdmin(deleteReport(deps)))
	router.Handle("POST /admin/reporters/{id}/token", auth.IsAdmin(rotateReporterToken(deps)))
	router.Handle("POST /admin/whitelist/recompute", auth.IsAdmin(recomputeWhitelist(deps)))
	router.Handle("POST /admin/ranking/refresh", auth.IsAdmin(refreshRanks(deps)))
	router.Handle("PUT /admin/ranking/{domain}", auth.IsAdmin(upsertRank(deps)))
	router.Handle("GET /admin/settings", auth.IsAdmin(http.HandlerFunc(getGlobalSettings)))
	router.Handle("POST /admin/settings", auth.IsAdmin(http.HandlerFunc(saveGlobalSettings)))

	router.Handle("GET /whitelist/full.csv", csvHandler(deps.Whitelist, consensus.WriteFullCSV))
	router.Handle("GET /whitelist/domains.csv", csvHandler(deps.Whitelist, consensus.WriteDomainsCSV))
	router.HandleFunc("GET /whitelist/histogram", getHistogram(deps.Whitelist))
	router.HandleFunc("GET /whitelist", getWhitelist(deps.Whitelist))
	router.HandleFunc("GET /check", checkTarget(deps))
	router.HandleFunc("POST /feedback/{id}/{works}", submitFeedback(deps))

	router.Handle("/graphql", graphQL)
	router.HandleFunc("GET /healthcheck", healthcheck(deps.Whitelist))
	router.HandleFunc("GET /version", getVersion)
	router.Handle("GET /metrics", metricsHandler(deps.Gatherer))

	return enableCORS(router), nil
}

// OpenRoutes serves the API until ctx ends, then shuts down gracefully.
func OpenRoutes(ctx context.Context, port int, deps Deps) error {
	handler, err := NewHandler(deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting reachwatch backend on port :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return <-errCh
}
