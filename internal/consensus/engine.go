package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"reachwatch/internal/config"
	"reachwatch/internal/database"
	"reachwatch/internal/domain"
	"reachwatch/internal/metrics"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

var ErrEvidenceUnavailable = errors.New("consensus: evidence store read failed")

type EvidenceReader interface {
	ListWindowedEvidence(ctx context.Context, reporterIDs []uint64, window int) ([]domain.EvidenceSample, error)
}

type RankSource interface {
	Ranks(ctx context.Context, domains []string) (map[string]int, error)
}

type ReporterSource interface {
	ListReporters(ctx context.Context) ([]domain.Reporter, error)
}

// Sink receives every newly published snapshot. Sink failures are logged and
// never undo the in-memory publish.
type Sink interface {
	Publish(ctx context.Context, snapshot *Snapshot) error
}

type SinkFunc func(ctx context.Context, snapshot *Snapshot) error

func (f SinkFunc) Publish(ctx context.Context, snapshot *Snapshot) error {
	return f(ctx, snapshot)
}

type databaseEvidence struct{}

func (databaseEvidence) ListWindowedEvidence(ctx context.Context, reporterIDs []uint64, window int) ([]domain.EvidenceSample, error) {
	return database.ListWindowedEvidence(ctx, reporterIDs, window)
}

func (databaseEvidence) ListReporters(ctx context.Context) ([]domain.Reporter, error) {
	return database.ListReporters(ctx)
}

// PersistSink stores each snapshot in whitelist_entries.
var PersistSink = SinkFunc(func(ctx context.Context, snapshot *Snapshot) error {
	return database.ReplaceWhitelist(ctx, snapshot.State(), snapshot.ToRecords())
})

// Engine recomputes the whitelist. At most one recomputation runs at a time;
// concurrent triggers wait for and share the running one.
type Engine struct {
	evidence  EvidenceReader
	reporters ReporterSource
	ranks     RankSource
	trust     TrustPolicy
	whitelist *Whitelist
	sinks     []Sink
	metrics   *metrics.Metrics
	window    int
	now       func() time.Time

	group      singleflight.Group
	sinkFailed atomic.Bool
}

type Option func(*Engine)

func WithEvidenceReader(r EvidenceReader) Option {
	return func(e *Engine) {
		e.evidence = r
	}
}

func WithReporterSource(r ReporterSource) Option {
	return func(e *Engine) {
		e.reporters = r
	}
}

func WithTrustPolicy(p TrustPolicy) Option {
	return func(e *Engine) {
		e.trust = p
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithWindow fixes the window size instead of reading consensus.window_size.
func WithWindow(n int) Option {
	return func(e *Engine) {
		e.window = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(whitelist *Whitelist, ranks RankSource, opts ...Option) *Engine {
	if whitelist == nil {
		whitelist = NewWhitelist()
	}
	e := &Engine{
		evidence:  databaseEvidence{},
		reporters: databaseEvidence{},
		ranks:     ranks,
		trust:     ConfiguredTrust{},
		whitelist: whitelist,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Whitelist() *Whitelist {
	return e.whitelist
}

// Recompute derives a fresh whitelist and publishes it. When the evidence
// store cannot be read the previous snapshot stays in place and an error is
// returned.
func (e *Engine) Recompute(ctx context.Context) (*Snapshot, error) {
	// The shared run outlives any single caller, so it must not inherit the
	// cancellation of whichever caller happened to start it.
	runCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan("recompute", func() (interface{}, error) {
		return e.recompute(runCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.Debug("Whitelist recompute joined an in-flight run")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (e *Engine) recompute(ctx context.Context) (*Snapshot, error) {
	started := e.now()
	window := e.window
	if window <= 0 {
		window = config.GetConfig().WindowSize()
	}

	reporterIDs, err := e.trustedReporterIDs(ctx)
	if err != nil {
		e.metrics.ObserveRecompute("store_error", e.now().Sub(started))
		return nil, fmt.Errorf("%w: %w", ErrEvidenceUnavailable, err)
	}

	samples, err := e.evidence.ListWindowedEvidence(ctx, reporterIDs, window)
	if err != nil {
		e.metrics.ObserveRecompute("store_error", e.now().Sub(started))
		return nil, fmt.Errorf("%w: %w", ErrEvidenceUnavailable, err)
	}

	trusted := samples[:0:0]
	domainSet := make(map[string]struct{})
	for _, s := range samples {
		if !e.trust.IsTrusted(s.ReporterID) {
			continue
		}
		trusted = append(trusted, s)
		domainSet[s.Domain] = struct{}{}
	}

	ranks := e.lookupRanks(ctx, domainSet)
	entries := Compute(trusted, ranks, window)

	current := e.whitelist.Current()
	if current != nil && entriesEqual(current.Entries, entries) && !e.sinkFailed.Load() {
		e.metrics.ObserveRecompute("unchanged", e.now().Sub(started))
		log.Debug("Whitelist unchanged", "version", current.Version, "entries", current.Len())
		return current, nil
	}

	var version uint64 = 1
	if current != nil {
		version = current.Version + 1
	}
	snapshot := NewSnapshot(version, e.now(), entries)
	if !e.whitelist.Publish(snapshot) {
		// A newer snapshot arrived from elsewhere meanwhile.
		return e.whitelist.Current(), nil
	}

	e.metrics.ObserveRecompute("ok", e.now().Sub(started))
	e.metrics.SetWhitelist(snapshot.Version, snapshot.Len())
	log.Info("Whitelist recomputed",
		"version", snapshot.Version,
		"entries", snapshot.Len(),
		"domains", len(domainSet),
		"samples", len(trusted),
		"duration", e.now().Sub(started),
	)

	e.publishToSinks(ctx, snapshot)
	return snapshot, nil
}

func (e *Engine) trustedReporterIDs(ctx context.Context) ([]uint64, error) {
	if lister, ok := e.trust.(ReporterLister); ok {
		ids := lister.TrustedReporters()
		if ids == nil {
			ids = []uint64{}
		}
		return ids, nil
	}
	if e.reporters == nil {
		return nil, nil
	}

	reporters, err := e.reporters.ListReporters(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(reporters))
	for _, r := range reporters {
		if e.trust.IsTrusted(r.ID) {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (e *Engine) lookupRanks(ctx context.Context, domainSet map[string]struct{}) map[string]int {
	if e.ranks == nil || len(domainSet) == 0 {
		return nil
	}
	names := make([]string, 0, len(domainSet))
	for name := range domainSet {
		names = append(names, name)
	}
	ranks, err := e.ranks.Ranks(ctx, names)
	if err != nil {
		log.Warn("Rank registry unavailable, publishing without ranks", "error", err)
		return nil
	}
	return ranks
}

func (e *Engine) publishToSinks(ctx context.Context, snapshot *Snapshot) {
	failed := false
	for _, sink := range e.sinks {
		if err := sink.Publish(ctx, snapshot); err != nil {
			failed = true
			log.Error("Whitelist sink failed", "version", snapshot.Version, "error", err)
		}
	}
	e.sinkFailed.Store(failed)
}
