package consensus

import (
	"sort"
	"time"

	"reachwatch/internal/domain"
)

// Entry is one whitelisted domain.
type Entry struct {
	Domain string     `json:"domain"`
	Rank   *int       `json:"rank"`
	LastOK *time.Time `json:"lastOk"`
}

// Compute derives the whitelist from trusted evidence. For every domain the
// `window` most recent samples (by report time, then report id) vote; the
// domain is whitelisted when at least half of them are ok. Ranked entries come
// first in ascending rank, unranked entries last, ties by domain.
func Compute(samples []domain.EvidenceSample, ranks map[string]int, window int) []Entry {
	if window <= 0 || len(samples) == 0 {
		return []Entry{}
	}

	groups := make(map[string][]domain.EvidenceSample)
	for _, s := range samples {
		groups[s.Domain] = append(groups[s.Domain], s)
	}

	entries := make([]Entry, 0, len(groups))
	for name, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].ReportedAt.Equal(group[j].ReportedAt) {
				return group[i].ReportedAt.After(group[j].ReportedAt)
			}
			return group[i].ReportID > group[j].ReportID
		})
		if len(group) > window {
			group = group[:window]
		}

		ok := 0
		var lastOK *time.Time
		for i := range group {
			if group[i].Evidence != domain.EvidenceOK {
				continue
			}
			ok++
			if lastOK == nil {
				ts := group[i].ReportedAt
				lastOK = &ts
			}
		}

		if 2*ok < len(group) {
			continue
		}

		entry := Entry{Domain: name, LastOK: lastOK}
		if rank, found := ranks[name]; found {
			r := rank
			entry.Rank = &r
		}
		entries = append(entries, entry)
	}

	sortEntries(entries)
	return entries
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Rank != nil && b.Rank != nil:
			if *a.Rank != *b.Rank {
				return *a.Rank < *b.Rank
			}
		case a.Rank != nil:
			return true
		case b.Rank != nil:
			return false
		}
		return a.Domain < b.Domain
	})
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Domain != b[i].Domain {
			return false
		}
		if (a[i].Rank == nil) != (b[i].Rank == nil) || (a[i].Rank != nil && *a[i].Rank != *b[i].Rank) {
			return false
		}
		if (a[i].LastOK == nil) != (b[i].LastOK == nil) || (a[i].LastOK != nil && !a[i].LastOK.Equal(*b[i].LastOK)) {
			return false
		}
	}
	return true
}
