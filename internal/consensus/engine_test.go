package consensus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reachwatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvidence struct {
	mu      sync.Mutex
	samples []domain.EvidenceSample
	err     error
	calls   atomic.Int32
	gate    chan struct{}
	lastIDs []uint64
}

func (f *fakeEvidence) ListWindowedEvidence(ctx context.Context, reporterIDs []uint64, window int) ([]domain.EvidenceSample, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIDs = reporterIDs
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.EvidenceSample(nil), f.samples...), nil
}

func (f *fakeEvidence) set(samples []domain.EvidenceSample, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = samples
	f.err = err
}

type fakeRanks struct {
	ranks map[string]int
	err   error
}

func (f fakeRanks) Ranks(_ context.Context, domains []string) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]int{}
	for _, d := range domains {
		if r, ok := f.ranks[d]; ok {
			out[d] = r
		}
	}
	return out, nil
}

func fixedClock() func() time.Time {
	return func() time.Time { return baseTime.Add(24 * time.Hour) }
}

func newTestEngine(ev *fakeEvidence, ranks RankSource, opts ...Option) *Engine {
	base := []Option{
		WithEvidenceReader(ev),
		WithTrustPolicy(NewTrustedSet(1)),
		WithWindow(5),
		WithClock(fixedClock()),
	}
	return NewEngine(NewWhitelist(), ranks, append(base, opts...)...)
}

func TestRecomputePublishesSnapshot(t *testing.T) {
	ev := &fakeEvidence{}
	ev.set(append(samplesFor("a.com", ok, blocked), samplesFor("b.com", blocked)...), nil)
	engine := newTestEngine(ev, fakeRanks{ranks: map[string]int{"a.com": 9}})

	snapshot, err := engine.Recompute(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snapshot.Len())
	assert.EqualValues(t, 1, snapshot.Version)
	assert.Same(t, snapshot, engine.Whitelist().Current())

	entry, found := snapshot.Get("a.com")
	require.True(t, found)
	require.NotNil(t, entry.Rank)
	assert.Equal(t, 9, *entry.Rank)
	assert.Equal(t, []uint64{1}, ev.lastIDs)
}

func TestRecomputeIgnoresUntrustedReporters(t *testing.T) {
	ev := &fakeEvidence{}
	untrusted := samplesFor("other.com", ok, ok)
	for i := range untrusted {
		untrusted[i].ReporterID = 2
	}
	ev.set(untrusted, nil)

	snapshot, err := newTestEngine(ev, nil).Recompute(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snapshot.Len())
}

func TestRecomputeDropsUntrustedDomainEvenWhenRanked(t *testing.T) {
	ev := &fakeEvidence{}
	untrusted := samplesFor("ranked-elsewhere.com", ok, ok, ok)
	for i := range untrusted {
		untrusted[i].ReporterID = 2
	}
	ev.set(append(untrusted, samplesFor("a.com", ok)...), nil)
	ranks := fakeRanks{ranks: map[string]int{"ranked-elsewhere.com": 1, "a.com": 50}}

	snapshot, err := newTestEngine(ev, ranks).Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.Len())
	_, found := snapshot.Get("ranked-elsewhere.com")
	assert.False(t, found)
	_, found = snapshot.Get("a.com")
	assert.True(t, found)
}

func TestRecomputeSurvivesFirstCallerCancel(t *testing.T) {
	ev := &fakeEvidence{gate: make(chan struct{})}
	ev.set(samplesFor("a.com", ok), nil)
	engine := newTestEngine(ev, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := engine.Recompute(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return ev.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		snapshot *Snapshot
		err      error
	}
	second := make(chan result, 1)
	go func() {
		s, err := engine.Recompute(context.Background())
		second <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(ev.gate)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.snapshot.Len())
	assert.EqualValues(t, 1, ev.calls.Load())
	assert.EqualValues(t, 1, engine.Whitelist().Current().Version)
}

func TestRecomputeKeepsPreviousOnStoreFailure(t *testing.T) {
	ev := &fakeEvidence{}
	ev.set(samplesFor("a.com", ok), nil)
	engine := newTestEngine(ev, nil)

	first, err := engine.Recompute(context.Background())
	require.NoError(t, err)

	ev.set(nil, errors.New("connection refused"))
	_, err = engine.Recompute(context.Background())
	require.ErrorIs(t, err, ErrEvidenceUnavailable)
	assert.Same(t, first, engine.Whitelist().Current())
}

func TestRecomputeWithoutRanksOnRankFailure(t *testing.T) {
	ev := &fakeEvidence{}
	ev.set(append(samplesFor("b.com", ok), samplesFor("a.com", ok)...), nil)
	engine := newTestEngine(ev, fakeRanks{err: errors.New("rank feed down")})

	snapshot, err := engine.Recompute(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snapshot.Len())
	for _, e := range snapshot.Entries {
		assert.Nil(t, e.Rank)
	}
	assert.Equal(t, "a.com", snapshot.Entries[0].Domain)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	ev := &fakeEvidence{}
	ev.set(append(samplesFor("a.com", ok, blocked), samplesFor("b.com", ok)...), nil)
	engine := newTestEngine(ev, fakeRanks{ranks: map[string]int{"b.com": 2}})

	first, err := engine.Recompute(context.Background())
	require.NoError(t, err)
	second, err := engine.Recompute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.True(t, entriesEqual(first.Entries, second.Entries))
	assert.True(t, first.GeneratedAt.Equal(second.GeneratedAt))
}

func TestRecomputeBumpsVersionOnChange(t *testing.T) {
	ev := &fakeEvidence{}
	ev.set(samplesFor("a.com", ok), nil)
	engine := newTestEngine(ev, nil)

	first, err := engine.Recompute(context.Background())
	require.NoError(t, err)

	ev.set(append(samplesFor("a.com", ok), samplesFor("b.com", ok)...), nil)
	second, err := engine.Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, 2, second.Len())
}

func TestConcurrentRecomputesShareOneRun(t *testing.T) {
	ev := &fakeEvidence{gate: make(chan struct{})}
	ev.set(samplesFor("a.com", ok), nil)
	engine := newTestEngine(ev, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Snapshot, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := engine.Recompute(context.Background())
			if err == nil {
				results[i] = s
			}
		}(i)
	}

	require.Eventually(t, func() bool { return ev.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ev.gate)
	wg.Wait()

	assert.LessOrEqual(t, ev.calls.Load(), int32(callers))
	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, 1, s.Len())
	}
	assert.EqualValues(t, 1, engine.Whitelist().Current().Version)
}

func TestSinkFailureDoesNotUndoPublish(t *testing.T) {
	ev := &fakeEvidence{}
	ev.set(samplesFor("a.com", ok), nil)

	var published atomic.Int32
	failing := SinkFunc(func(context.Context, *Snapshot) error { return errors.New("disk full") })
	counting := SinkFunc(func(context.Context, *Snapshot) error { published.Add(1); return nil })
	engine := newTestEngine(ev, nil, WithSinks(failing, counting))

	snapshot, err := engine.Recompute(context.Background())
	require.NoError(t, err)
	assert.Same(t, snapshot, engine.Whitelist().Current())
	assert.EqualValues(t, 1, published.Load())

	// The failed sink is retried on the next run even without changes.
	_, err = engine.Recompute(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, published.Load())
}

type listingOnlyTrust struct{}

func (listingOnlyTrust) IsTrusted(id uint64) bool { return id == 7 }

type fakeReporters []domain.Reporter

func (f fakeReporters) ListReporters(context.Context) ([]domain.Reporter, error) {
	return f, nil
}

func TestRecomputeResolvesTrustedIDsFromReporters(t *testing.T) {
	ev := &fakeEvidence{}
	engine := newTestEngine(ev, nil,
		WithTrustPolicy(listingOnlyTrust{}),
		WithReporterSource(fakeReporters{{ID: 1}, {ID: 7}, {ID: 9}}),
	)

	_, err := engine.Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, ev.lastIDs)
}
