package ranking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"reachwatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu       sync.Mutex
	ranks    map[string]int
	replaced int
	loadErr  error
}

func newMemoryStore(initial map[string]int) *memoryStore {
	if initial == nil {
		initial = map[string]int{}
	}
	return &memoryStore{ranks: initial}
}

func (m *memoryStore) LoadAllRanks(context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]int, len(m.ranks))
	for k, v := range m.ranks {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) UpsertRank(_ context.Context, name string, rank int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranks[name] = rank
	return nil
}

func (m *memoryStore) ReplaceRanks(_ context.Context, rows []domain.DomainRank) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced++
	m.ranks = make(map[string]int, len(rows))
	for _, row := range rows {
		m.ranks[row.Domain] = int(row.Rank)
	}
	return nil
}

func TestParseFeed(t *testing.T) {
	input := strings.Join([]string{
		"1,google.com",
		"2,Example.COM",
		"not-a-rank,broken.com",
		"3",
		"0,zero.com",
		"4,example.com",
		"5,bücher.de",
	}, "\n")

	ranks, err := ParseFeed(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"google.com":       1,
		"example.com":      2,
		"xn--bcher-kva.de": 5,
	}, ranks)
}

func feedServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshMergesSources(t *testing.T) {
	a := feedServer(t, "1,a.com\n5,shared.com\n", http.StatusOK)
	b := feedServer(t, "2,b.com\n3,shared.com\n", http.StatusOK)
	store := newMemoryStore(nil)

	reg := NewRegistry(WithStore(store), WithSources(a.URL, b.URL))
	outcome, err := reg.Refresh(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Domains)
	assert.Zero(t, outcome.FailedSources)

	rank, ok := reg.RankOf("shared.com")
	require.True(t, ok)
	assert.Equal(t, 3, rank)
	assert.Equal(t, 1, store.replaced)
}

func TestRefreshKeepsRanksWhenEverySourceFails(t *testing.T) {
	broken := feedServer(t, "maintenance", http.StatusServiceUnavailable)
	store := newMemoryStore(map[string]int{"kept.com": 7})

	reg := NewRegistry(WithStore(store), WithSources(broken.URL))
	require.NoError(t, reg.LoadCache(context.Background()))

	_, err := reg.Refresh(context.Background(), "test")
	require.ErrorIs(t, err, ErrNoFeedData)
	assert.Zero(t, store.replaced)

	rank, ok := reg.RankOf("kept.com")
	require.True(t, ok)
	assert.Equal(t, 7, rank)
}

func TestRefreshToleratesPartialFailure(t *testing.T) {
	good := feedServer(t, "1,a.com\n", http.StatusOK)
	broken := feedServer(t, "", http.StatusNotFound)

	reg := NewRegistry(WithStore(newMemoryStore(nil)), WithSources(broken.URL, good.URL))
	outcome, err := reg.Refresh(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.FailedSources)
	assert.Equal(t, 1, outcome.Domains)
}

func TestRanksLoadsLazilyAndOmitsUnranked(t *testing.T) {
	reg := NewRegistry(WithStore(newMemoryStore(map[string]int{"a.com": 1})))

	ranks, err := reg.Ranks(context.Background(), []string{"a.com", "missing.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a.com": 1}, ranks)
}

func TestRanksFailsWithoutAnyTable(t *testing.T) {
	store := newMemoryStore(nil)
	store.loadErr = errors.New("db down")
	reg := NewRegistry(WithStore(store))

	_, err := reg.Ranks(context.Background(), []string{"a.com"})
	require.Error(t, err)
}

func TestUpsert(t *testing.T) {
	store := newMemoryStore(nil)
	reg := NewRegistry(WithStore(store))

	require.NoError(t, reg.Upsert(context.Background(), "new.com", 42))
	rank, ok := reg.RankOf("new.com")
	require.True(t, ok)
	assert.Equal(t, 42, rank)
	assert.Equal(t, 42, store.ranks["new.com"])

	require.ErrorIs(t, reg.Upsert(context.Background(), "bad.com", 0), ErrInvalidRank)
}

func TestUpsertNormalizesDomain(t *testing.T) {
	store := newMemoryStore(nil)
	reg := NewRegistry(WithStore(store))
	ctx := context.Background()

	require.NoError(t, reg.Upsert(ctx, "Example.COM.", 7))
	assert.Equal(t, 7, store.ranks["example.com"])
	_, raw := store.ranks["Example.COM."]
	assert.False(t, raw)

	ranks, err := reg.Ranks(ctx, []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"example.com": 7}, ranks)

	rank, ok := reg.RankOf("EXAMPLE.com")
	require.True(t, ok)
	assert.Equal(t, 7, rank)

	require.NoError(t, reg.Upsert(ctx, "Bücher.de", 9))
	assert.Equal(t, 9, store.ranks["xn--bcher-kva.de"])

	assert.ErrorIs(t, reg.Upsert(ctx, " . ", 3), ErrInvalidDomain)
	assert.ErrorIs(t, reg.Upsert(ctx, "", 3), ErrInvalidDomain)
}
