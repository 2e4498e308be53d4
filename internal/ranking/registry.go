package ranking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reachwatch/internal/config"
	"reachwatch/internal/database"
	"reachwatch/internal/domain"
	"reachwatch/internal/metrics"
	"reachwatch/internal/support"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheMaxAge = time.Hour
	fetchTimeout       = 2 * time.Minute
)

var (
	ErrNoFeedData    = errors.New("ranking: no source returned data")
	ErrInvalidDomain = errors.New("ranking: invalid domain")
	ErrInvalidRank   = errors.New("ranking: rank must be positive")
)

// Store is the persistence behind the registry.
type Store interface {
	LoadAllRanks(ctx context.Context) (map[string]int, error)
	UpsertRank(ctx context.Context, domain string, rank int) error
	ReplaceRanks(ctx context.Context, ranks []domain.DomainRank) error
}

type databaseStore struct{}

func (databaseStore) LoadAllRanks(ctx context.Context) (map[string]int, error) {
	return database.LoadAllRanks(ctx)
}

func (databaseStore) UpsertRank(ctx context.Context, name string, rank int) error {
	return database.UpsertRank(ctx, name, rank)
}

func (databaseStore) ReplaceRanks(ctx context.Context, ranks []domain.DomainRank) error {
	return database.ReplaceRanks(ctx, ranks)
}

type rankTable struct {
	ranks    map[string]int
	loadedAt time.Time
}

// Registry serves popularity ranks from an in-memory table that is swapped
// atomically after every load.
type Registry struct {
	store       Store
	client      *http.Client
	metrics     *metrics.Metrics
	cacheMaxAge time.Duration

	table     atomic.Pointer[rankTable]
	loadMu    sync.Mutex
	refreshSF singleflight.Group
	now       func() time.Time
	sources   func() []string
}

type Option func(*Registry)

func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		r.client = client
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithSources overrides the feed URLs normally read from the ranking settings.
func WithSources(sources ...string) Option {
	return func(r *Registry) {
		r.sources = func() []string { return sources }
	}
}

func WithCacheMaxAge(d time.Duration) Option {
	return func(r *Registry) {
		r.cacheMaxAge = d
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		store:       databaseStore{},
		client:      &http.Client{Timeout: fetchTimeout},
		cacheMaxAge: defaultCacheMaxAge,
		now:         time.Now,
		sources: func() []string {
			return config.GetConfig().Ranking.Sources
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadCache replaces the in-memory table with the stored ranks.
func (r *Registry) LoadCache(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	ranks, err := r.store.LoadAllRanks(ctx)
	if err != nil {
		return fmt.Errorf("load ranks: %w", err)
	}
	r.table.Store(&rankTable{ranks: ranks, loadedAt: r.now()})
	return nil
}

func (r *Registry) ensureFresh(ctx context.Context) (*rankTable, error) {
	table := r.table.Load()
	if table != nil && (r.cacheMaxAge <= 0 || r.now().Sub(table.loadedAt) < r.cacheMaxAge) {
		return table, nil
	}
	if err := r.LoadCache(ctx); err != nil {
		if table != nil {
			log.Warn("Rank cache reload failed, serving previous table", "error", err)
			return table, nil
		}
		return nil, err
	}
	return r.table.Load(), nil
}

// RankOf answers from memory only; it never blocks on the database.
func (r *Registry) RankOf(name string) (int, bool) {
	table := r.table.Load()
	if table == nil {
		return 0, false
	}
	if normalized, err := support.NormalizeDomain(name); err == nil {
		name = normalized
	}
	rank, ok := table.ranks[name]
	return rank, ok
}

// Ranks returns the ranks of the given domains; unranked domains are absent.
func (r *Registry) Ranks(ctx context.Context, domains []string) (map[string]int, error) {
	table, err := r.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(domains))
	for _, name := range domains {
		if rank, ok := table.ranks[name]; ok {
			out[name] = rank
		}
	}
	return out, nil
}

func (r *Registry) Size() int {
	table := r.table.Load()
	if table == nil {
		return 0
	}
	return len(table.ranks)
}

// Upsert records a single rank and makes it visible immediately. The name is
// normalized the same way evidence domains are.
func (r *Registry) Upsert(ctx context.Context, name string, rank int) error {
	if rank <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidRank, rank)
	}
	normalized, err := support.NormalizeDomain(name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDomain, err)
	}
	name = normalized
	if err := r.store.UpsertRank(ctx, name, rank); err != nil {
		return err
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	current := r.table.Load()
	next := make(map[string]int, 1)
	loadedAt := r.now()
	if current != nil {
		next = make(map[string]int, len(current.ranks)+1)
		for k, v := range current.ranks {
			next[k] = v
		}
		loadedAt = current.loadedAt
	}
	next[name] = rank
	r.table.Store(&rankTable{ranks: next, loadedAt: loadedAt})
	return nil
}

type RefreshOutcome struct {
	Sources       int
	FailedSources int
	Domains       int
}

// Refresh downloads every configured source, replaces the stored ranks and
// reloads the cache. Concurrent callers share one run. When no source yields
// data the stored ranks are left untouched.
func (r *Registry) Refresh(ctx context.Context, reason string) (*RefreshOutcome, error) {
	result, err, _ := r.refreshSF.Do("refresh", func() (interface{}, error) {
		return r.doRefresh(ctx, reason)
	})
	if err != nil {
		r.metrics.ObserveRankRefresh("error", 0)
		return nil, err
	}
	outcome, _ := result.(*RefreshOutcome)
	if outcome != nil {
		r.metrics.ObserveRankRefresh("ok", outcome.Domains)
	}
	return outcome, nil
}

func (r *Registry) doRefresh(ctx context.Context, reason string) (*RefreshOutcome, error) {
	sources := append([]string(nil), r.sources()...)
	if len(sources) == 0 {
		if err := r.LoadCache(ctx); err != nil {
			return nil, err
		}
		return &RefreshOutcome{Domains: r.Size()}, nil
	}

	merged := make(map[string]int)
	failed := 0
	for _, src := range sources {
		ranks, err := r.fetchFeed(ctx, src)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			failed++
			log.Warn("Rank feed fetch failed", "source", src, "reason", reason, "error", err)
			continue
		}
		for name, rank := range ranks {
			if existing, ok := merged[name]; !ok || rank < existing {
				merged[name] = rank
			}
		}
	}

	if len(merged) == 0 {
		return nil, ErrNoFeedData
	}

	rows := make([]domain.DomainRank, 0, len(merged))
	for name, rank := range merged {
		rows = append(rows, domain.DomainRank{Domain: name, Rank: int32(rank)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Rank < rows[j].Rank })

	if err := r.store.ReplaceRanks(ctx, rows); err != nil {
		return nil, fmt.Errorf("replace ranks: %w", err)
	}

	r.loadMu.Lock()
	r.table.Store(&rankTable{ranks: merged, loadedAt: r.now()})
	r.loadMu.Unlock()

	return &RefreshOutcome{Sources: len(sources), FailedSources: failed, Domains: len(merged)}, nil
}
