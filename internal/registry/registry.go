package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reachwatch/internal/database"
	"reachwatch/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrLookupFailed = errors.New("reporter lookup failed")
	ErrEmptyToken   = errors.New("registry: reporter token is required")
)

const (
	cacheSize = 1024
	cacheTTL  = time.Minute
)

// Store is the persistence the registry needs.
type Store interface {
	FindReporterByDigest(ctx context.Context, digest []byte) (*domain.Reporter, error)
	EnsureReporter(ctx context.Context, name string, digest []byte) (*domain.Reporter, error)
	RotateReporterToken(ctx context.Context, id uint64, digest []byte) error
}

type databaseStore struct{}

func (databaseStore) FindReporterByDigest(ctx context.Context, digest []byte) (*domain.Reporter, error) {
	return database.FindReporterByDigest(ctx, digest)
}

func (databaseStore) EnsureReporter(ctx context.Context, name string, digest []byte) (*domain.Reporter, error) {
	return database.EnsureReporter(ctx, name, digest)
}

func (databaseStore) RotateReporterToken(ctx context.Context, id uint64, digest []byte) error {
	return database.RotateReporterToken(ctx, id, digest)
}

// Registry resolves bearer tokens to reporter ids. Only positive answers are
// cached, so a newly seeded token is usable immediately.
type Registry struct {
	store Store
	cache *expirable.LRU[string, uint64]
}

func New(store Store) *Registry {
	if store == nil {
		store = databaseStore{}
	}
	return &Registry{
		store: store,
		cache: expirable.NewLRU[string, uint64](cacheSize, nil, cacheTTL),
	}
}

// NewDefault returns a registry backed by the shared database connection.
func NewDefault() *Registry {
	return New(databaseStore{})
}

// Digest is the stored form of a token.
func Digest(token string) []byte {
	sum := blake2b.Sum256([]byte(token))
	return sum[:]
}

func (r *Registry) Authenticate(ctx context.Context, token string) (uint64, error) {
	if token == "" {
		return 0, ErrUnauthorized
	}

	digest := Digest(token)
	key := string(digest)
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}

	reporter, err := r.store.FindReporterByDigest(ctx, digest)
	if errors.Is(err, database.ErrReporterNotFound) {
		return 0, ErrUnauthorized
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	r.cache.Add(key, reporter.ID)
	return reporter.ID, nil
}

// EnsureReporter registers token for name unless it is already known.
func (r *Registry) EnsureReporter(ctx context.Context, name, token string) (*domain.Reporter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("registry: reporter name is required")
	}
	if token == "" {
		return nil, ErrEmptyToken
	}

	reporter, err := r.store.EnsureReporter(ctx, name, Digest(token))
	if err != nil {
		return nil, fmt.Errorf("registry: ensure reporter %q: %w", name, err)
	}
	log.Debug("Reporter registered", "id", reporter.ID, "name", reporter.Name)
	return reporter, nil
}

// RotateToken gives reporter id a new token. The previous token is rejected
// from the next request on, including by this instance's cache.
func (r *Registry) RotateToken(ctx context.Context, id uint64, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if err := r.store.RotateReporterToken(ctx, id, Digest(token)); err != nil {
		return fmt.Errorf("registry: rotate token of reporter %d: %w", id, err)
	}
	r.Forget()
	log.Info("Reporter token rotated", "id", id)
	return nil
}

// Forget drops cached answers.
func (r *Registry) Forget() {
	r.cache.Purge()
}
