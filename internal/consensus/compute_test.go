package consensus

import (
	"testing"
	"time"

	"reachwatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

// samplesFor builds samples for one domain, most recent first.
func samplesFor(name string, kinds ...domain.EvidenceKind) []domain.EvidenceSample {
	out := make([]domain.EvidenceSample, 0, len(kinds))
	n := len(kinds)
	for i, kind := range kinds {
		out = append(out, domain.EvidenceSample{
			Domain:     name,
			Evidence:   kind,
			ReportID:   uint64(n - i),
			ReporterID: 1,
			ReportedAt: baseTime.Add(time.Duration(n-i) * time.Minute),
		})
	}
	return out
}

const (
	ok      = domain.EvidenceOK
	blocked = domain.EvidenceBlocked
	connErr = domain.EvidenceConnectionError
	unknown = domain.EvidenceUnknownError
)

func TestComputeMajorityBoundary(t *testing.T) {
	t.Run("two of four ok is whitelisted", func(t *testing.T) {
		entries := Compute(samplesFor("a.com", ok, blocked, ok, connErr), nil, 5)
		require.Len(t, entries, 1)
		assert.Equal(t, "a.com", entries[0].Domain)
	})

	t.Run("one of four ok is not whitelisted", func(t *testing.T) {
		entries := Compute(samplesFor("a.com", blocked, ok, blocked, unknown), nil, 5)
		assert.Empty(t, entries)
	})

	t.Run("single ok sample is whitelisted", func(t *testing.T) {
		entries := Compute(samplesFor("a.com", ok), nil, 5)
		require.Len(t, entries, 1)
	})

	t.Run("no ok sample is never whitelisted", func(t *testing.T) {
		assert.Empty(t, Compute(samplesFor("a.com", blocked), nil, 5))
	})
}

func TestComputeWindowSlidesOutOldestSample(t *testing.T) {
	var history []domain.EvidenceSample
	submit := func(kind domain.EvidenceKind) {
		id := uint64(len(history) + 1)
		history = append(history, domain.EvidenceSample{
			Domain:     "example.test",
			Evidence:   kind,
			ReportID:   id,
			ReporterID: 1,
			ReportedAt: baseTime.Add(time.Duration(id) * time.Minute),
		})
	}

	for _, kind := range []domain.EvidenceKind{ok, ok, ok, blocked, blocked} {
		submit(kind)
	}
	entries := Compute(history, nil, 5)
	require.Len(t, entries, 1, "3 of 5 ok must be whitelisted")

	submit(blocked)
	assert.Empty(t, Compute(history, nil, 5), "oldest ok left the window, 2 of 5 ok")
}

func TestComputeLastOKIsLatestOkInWindow(t *testing.T) {
	samples := samplesFor("a.com", blocked, ok, ok, blocked)
	entries := Compute(samples, nil, 5)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].LastOK)
	assert.True(t, entries[0].LastOK.Equal(samples[1].ReportedAt))
}

func TestComputeOrdersRankedFirst(t *testing.T) {
	var samples []domain.EvidenceSample
	for _, name := range []string{"zeta.com", "alpha.com", "mid.com", "top.com", "beta.com"} {
		samples = append(samples, samplesFor(name, ok)...)
	}
	ranks := map[string]int{"mid.com": 50, "top.com": 1, "zeta.com": 50}

	entries := Compute(samples, ranks, 5)
	require.Len(t, entries, 5)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Domain
	}
	assert.Equal(t, []string{"top.com", "mid.com", "zeta.com", "alpha.com", "beta.com"}, names)
	assert.Nil(t, entries[3].Rank)
	require.NotNil(t, entries[0].Rank)
	assert.Equal(t, 1, *entries[0].Rank)
}

func TestComputeTiesBrokenByReportID(t *testing.T) {
	at := baseTime
	samples := []domain.EvidenceSample{
		{Domain: "a.com", Evidence: blocked, ReportID: 1, ReportedAt: at},
		{Domain: "a.com", Evidence: ok, ReportID: 3, ReportedAt: at},
		{Domain: "a.com", Evidence: blocked, ReportID: 2, ReportedAt: at},
	}
	// Window of one keeps the highest report id.
	entries := Compute(samples, nil, 1)
	require.Len(t, entries, 1)
}

func TestComputeEmptyInput(t *testing.T) {
	assert.Empty(t, Compute(nil, nil, 5))
	assert.Empty(t, Compute(samplesFor("a.com", ok), nil, 0))
}

func TestComputeIsDeterministic(t *testing.T) {
	var samples []domain.EvidenceSample
	samples = append(samples, samplesFor("b.com", ok, blocked)...)
	samples = append(samples, samplesFor("a.com", ok, ok, blocked)...)
	ranks := map[string]int{"b.com": 3}

	first := Compute(samples, ranks, 5)
	second := Compute(samples, ranks, 5)
	assert.True(t, entriesEqual(first, second))
}
