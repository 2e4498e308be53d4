package querylog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"reachwatch/internal/database"
	"reachwatch/internal/domain"
	"reachwatch/internal/metrics"
	"reachwatch/internal/security"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultFlushInterval  = 15 * time.Second
	defaultBatchThreshold = 5000
	defaultQueueSize      = 100_000
	insertTimeout         = 30 * time.Second
	maxQueryLength        = 512
)

var ErrQueueFull = errors.New("querylog: queue full, query dropped")

// Store persists logged queries and feedback.
type Store interface {
	InsertQueries(ctx context.Context, queries []domain.Query) error
	SaveHumanReport(ctx context.Context, report domain.HumanReport) error
}

type databaseStore struct{}

func (databaseStore) InsertQueries(ctx context.Context, queries []domain.Query) error {
	return database.InsertQueries(ctx, queries)
}

func (databaseStore) SaveHumanReport(ctx context.Context, report domain.HumanReport) error {
	return database.SaveHumanReport(ctx, report)
}

// Entry is one end-user lookup.
type Entry struct {
	Target         string
	SourceIP       string
	WhitelistMatch string
}

// Logger writes lookups in batches. Nothing here is ever read back by the
// consensus engine.
type Logger struct {
	store     Store
	country   func(ip string) string
	metrics   *metrics.Metrics
	now       func() time.Time
	every     time.Duration
	threshold int

	queue   chan domain.Query
	flushes sync.WaitGroup
}

type Option func(*Logger)

func WithStore(store Store) Option {
	return func(l *Logger) {
		l.store = store
	}
}

// WithCountryResolver replaces the GeoLite2 lookup.
func WithCountryResolver(fn func(ip string) string) Option {
	return func(l *Logger) {
		l.country = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

func WithBatching(every time.Duration, threshold, queueSize int) Option {
	return func(l *Logger) {
		if every > 0 {
			l.every = every
		}
		if threshold > 0 {
			l.threshold = threshold
		}
		if queueSize > 0 {
			l.queue = make(chan domain.Query, queueSize)
		}
	}
}

func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		store:     databaseStore{},
		country:   database.GetCountryCode,
		now:       time.Now,
		every:     defaultFlushInterval,
		threshold: defaultBatchThreshold,
		queue:     make(chan domain.Query, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record assigns an id to the lookup and queues it for the next batch. The id
// is returned even when the queue is full so callers can still answer.
func (l *Logger) Record(_ context.Context, entry Entry) (uuid.UUID, error) {
	id := uuid.New()

	sealed, err := security.SealAddress(entry.SourceIP)
	if err != nil {
		return id, fmt.Errorf("seal address: %w", err)
	}

	target := cleanTarget(entry.Target)

	q := domain.Query{
		ID:                id,
		Query:             target,
		SourceIP:          sealed,
		SourceCountryCode: l.country(entry.SourceIP),
		WhitelistMatch:    entry.WhitelistMatch,
		CreatedAt:         l.now().UTC(),
	}

	select {
	case l.queue <- q:
		return id, nil
	default:
		l.metrics.IncQueriesDropped(1)
		return id, ErrQueueFull
	}
}

// cleanTarget makes target safe for a text column: invalid UTF-8 is replaced
// and the result is cut to maxQueryLength bytes on a rune boundary. One bad
// row would otherwise fail the whole batch insert.
func cleanTarget(target string) string {
	if !utf8.ValidString(target) {
		target = strings.ToValidUTF8(target, string(utf8.RuneError))
	}
	target = strings.ReplaceAll(target, "\x00", "")
	if len(target) <= maxQueryLength {
		return target
	}
	cut := maxQueryLength
	for cut > 0 && !utf8.RuneStart(target[cut]) {
		cut--
	}
	return target[:cut]
}

// Feedback stores whether the target of a logged query works for the user.
// A repeated answer for the same query replaces the earlier one.
func (l *Logger) Feedback(ctx context.Context, queryID uuid.UUID, works bool, addr string) error {
	if queryID == uuid.Nil {
		return errors.New("querylog: empty query id")
	}
	sealed, err := security.SealAddress(addr)
	if err != nil {
		return fmt.Errorf("seal address: %w", err)
	}
	return l.store.SaveHumanReport(ctx, domain.HumanReport{
		ID:        queryID,
		SourceIP:  sealed,
		Works:     works,
		CreatedAt: l.now().UTC(),
	})
}

// Run flushes queued queries every interval or once the threshold is reached,
// and drains the queue when ctx ends.
func (l *Logger) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	var buffer []domain.Query
	timer := time.NewTimer(l.every)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain(&buffer)
			l.flush(&buffer)
			l.flushes.Wait()
			return
		case q := <-l.queue:
			buffer = append(buffer, q)
			if len(buffer) >= l.threshold {
				l.flush(&buffer)
				l.resetTimer(timer)
			}
		case <-timer.C:
			l.flush(&buffer)
			timer.Reset(l.every)
		}
	}
}

func (l *Logger) flush(buffer *[]domain.Query) {
	if len(*buffer) == 0 {
		return
	}

	toInsert := *buffer
	*buffer = nil

	l.flushes.Add(1)
	go func(queries []domain.Query) {
		defer l.flushes.Done()

		dbCtx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()

		if err := l.store.InsertQueries(dbCtx, queries); err != nil {
			l.metrics.IncQueriesDropped(len(queries))
			log.Error("Failed to insert queries", "error", err, "count", len(queries))
			return
		}
		l.metrics.IncQueriesLogged(len(queries))
	}(toInsert)
}

func (l *Logger) drain(buffer *[]domain.Query) {
	for {
		select {
		case q := <-l.queue:
			*buffer = append(*buffer, q)
		default:
			return
		}
	}
}

func (l *Logger) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(l.every)
}
