package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reachwatch/internal/config"
	"reachwatch/internal/database"
	"reachwatch/internal/domain"
	"reachwatch/internal/metrics"

	"github.com/charmbracelet/log"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (uint64, error)
}

type ReportStore interface {
	InsertReport(ctx context.Context, report *domain.Report, rows []domain.ReportRow) (uint64, error)
}

type databaseStore struct{}

func (databaseStore) InsertReport(ctx context.Context, report *domain.Report, rows []domain.ReportRow) (uint64, error) {
	return database.InsertReport(ctx, report, rows)
}

// Service accepts evidence submissions. It never triggers a whitelist
// recomputation; new evidence becomes visible at the next scheduled one.
type Service struct {
	auth    Authenticator
	store   ReportStore
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithStore(store ReportStore) Option {
	return func(s *Service) {
		s.store = store
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTimeout overrides intake.timeout_seconds.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func NewService(auth Authenticator, opts ...Option) *Service {
	s := &Service{
		auth:  auth,
		store: databaseStore{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit authenticates the caller, validates the envelope and the evidence, and
// stores the report with all of its rows atomically under the configured time
// budget. The returned id is freshly minted by the store.
func (s *Service) Submit(ctx context.Context, token string, env Envelope, evidence []Evidence) (uint64, error) {
	started := s.now()
	cfg := config.GetConfig()

	budget := cfg.IntakeTimeout()
	if s.timeout > 0 {
		budget = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	id, rows, err := s.submit(ctx, token, env, evidence, cfg)
	s.metrics.ObserveSubmission(Result(err), rows, s.now().Sub(started))

	switch {
	case err == nil:
		log.Debug("Report accepted", "id", id, "rows", rows)
	case errors.Is(err, ErrStorage), errors.Is(err, ErrTimeout):
		log.Warn("Report submission failed", "error", err)
	default:
		log.Debug("Report rejected", "error", err)
	}
	return id, err
}

func (s *Service) submit(ctx context.Context, token string, env Envelope, evidence []Evidence, cfg config.Config) (uint64, int, error) {
	reporterID, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return 0, 0, err
		}
		return 0, 0, classifyStoreError(ctx, err)
	}

	report, err := validateEnvelope(env)
	if err != nil {
		return 0, 0, err
	}
	report.ReporterID = reporterID

	rows, err := validateEvidence(evidence, cfg.MaxRows())
	if err != nil {
		return 0, 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, 0, classifyStoreError(ctx, err)
	}

	id, err := s.store.InsertReport(ctx, &report, rows)
	if err != nil {
		return 0, 0, classifyStoreError(ctx, err)
	}
	return id, len(rows), nil
}

func classifyStoreError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
