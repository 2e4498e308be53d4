package consensus

import (
	"strings"
	"sync/atomic"
	"time"

	"reachwatch/internal/domain"
	"reachwatch/internal/support"
)

// Snapshot is an immutable published whitelist.
type Snapshot struct {
	Version     uint64    `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`

	index map[string]int
}

func NewSnapshot(version uint64, generatedAt time.Time, entries []Entry) *Snapshot {
	if entries == nil {
		entries = []Entry{}
	}
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		index[e.Domain] = i
	}
	return &Snapshot{
		Version:     version,
		GeneratedAt: generatedAt.UTC(),
		Entries:     entries,
		index:       index,
	}
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

func (s *Snapshot) Get(name string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Entry{}, false
	}
	return s.Entries[i], true
}

// Position returns the index of name in published order, or -1.
func (s *Snapshot) Position(name string) int {
	if s == nil {
		return -1
	}
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Lookup finds the entry covering target: the target itself or its closest
// whitelisted parent. Targets with more than maxDots dots never match, nor do
// public suffixes such as "co.uk".
func (s *Snapshot) Lookup(target string, maxDots int) (Entry, bool) {
	if s.Len() == 0 {
		return Entry{}, false
	}
	name, err := support.NormalizeDomain(target)
	if err != nil {
		return Entry{}, false
	}
	if maxDots > 0 && strings.Count(name, ".") > maxDots {
		return Entry{}, false
	}

	for _, candidate := range support.ParentDomains(name) {
		if support.IsPublicSuffix(candidate) {
			break
		}
		if entry, ok := s.Get(candidate); ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// Page returns entries [offset, offset+limit) in published order.
func (s *Snapshot) Page(offset, limit int) []Entry {
	n := s.Len()
	if offset < 0 {
		offset = 0
	}
	if offset >= n || limit <= 0 {
		return []Entry{}
	}
	end := offset + limit
	if end > n {
		end = n
	}
	return s.Entries[offset:end]
}

// ToRecords converts the snapshot to its persisted form.
func (s *Snapshot) ToRecords() []domain.WhitelistEntry {
	records := make([]domain.WhitelistEntry, 0, s.Len())
	for i, e := range s.Entries {
		rec := domain.WhitelistEntry{
			Domain:      e.Domain,
			Position:    i,
			Version:     s.Version,
			GeneratedAt: s.GeneratedAt,
		}
		if e.Rank != nil {
			r := int32(*e.Rank)
			rec.Rank = &r
		}
		if e.LastOK != nil {
			ts := e.LastOK.UTC()
			rec.LastOK = &ts
		}
		records = append(records, rec)
	}
	return records
}

// State is the version row persisted alongside the entries.
func (s *Snapshot) State() domain.WhitelistState {
	return domain.WhitelistState{
		ID:          domain.WhitelistStateID,
		Version:     s.Version,
		GeneratedAt: s.GeneratedAt,
		Entries:     s.Len(),
	}
}

// SnapshotFromRecords rebuilds a snapshot from the persisted state and rows
// ordered by position. Nothing was ever published when both are empty.
func SnapshotFromRecords(state domain.WhitelistState, records []domain.WhitelistEntry) *Snapshot {
	if state.Version == 0 && len(records) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(records))
	version, generatedAt := state.Version, state.GeneratedAt
	for _, rec := range records {
		e := Entry{Domain: rec.Domain}
		if rec.Rank != nil {
			r := int(*rec.Rank)
			e.Rank = &r
		}
		if rec.LastOK != nil {
			ts := rec.LastOK.UTC()
			e.LastOK = &ts
		}
		entries = append(entries, e)
		if rec.Version > version {
			version = rec.Version
			generatedAt = rec.GeneratedAt
		}
	}
	return NewSnapshot(version, generatedAt, entries)
}

// Whitelist holds the current snapshot. Readers always see either the previous
// or the next complete snapshot, never a partial one.
type Whitelist struct {
	current atomic.Pointer[Snapshot]
}

func NewWhitelist() *Whitelist {
	return &Whitelist{}
}

// Current returns the last published snapshot, or nil before the first one.
func (w *Whitelist) Current() *Snapshot {
	return w.current.Load()
}

// Publish installs s unless a snapshot with the same or a newer version is
// already current.
func (w *Whitelist) Publish(s *Snapshot) bool {
	if s == nil {
		return false
	}
	for {
		cur := w.current.Load()
		if cur != nil && cur.Version >= s.Version {
			return false
		}
		if w.current.CompareAndSwap(cur, s) {
			return true
		}
	}
}
