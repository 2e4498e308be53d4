package consensus

import "strings"

const (
	DefaultHistogramLimit = 100_000
	MaxHistogramLimit     = 1_000_000
)

type HistogramBin struct {
	BinID   int `json:"bin_id"`
	MinRank int `json:"bin_min_rank"`
	MaxRank int `json:"bin_max_rank"`
	Count   int `json:"count"`
}

// ClampHistogramLimit applies the default for a missing limit and bounds it to
// [0, 1_000_000].
func ClampHistogramLimit(limit *int) int {
	if limit == nil {
		return DefaultHistogramLimit
	}
	switch {
	case *limit < 0:
		return 0
	case *limit > MaxHistogramLimit:
		return MaxHistogramLimit
	}
	return *limit
}

// Histogram buckets ranked entries into `bins` bins of width limit/bins; the
// bin of a rank is floor(rank / width). Unranked entries and ranks beyond the
// last bin are not counted. With excludeCoUK, .co.uk domains are skipped.
func Histogram(s *Snapshot, bins, limit int, excludeCoUK bool) []HistogramBin {
	if bins <= 0 {
		return []HistogramBin{}
	}
	width := limit / bins
	if width < 1 {
		width = 1
	}

	out := make([]HistogramBin, bins)
	for i := range out {
		out[i] = HistogramBin{
			BinID:   i,
			MinRank: i*width + 1,
			MaxRank: (i + 1) * width,
		}
	}

	if s == nil {
		return out
	}
	for _, e := range s.Entries {
		if e.Rank == nil {
			continue
		}
		if excludeCoUK && strings.HasSuffix(e.Domain, ".co.uk") {
			continue
		}
		bin := *e.Rank / width
		if bin < 0 || bin >= bins {
			continue
		}
		out[bin].Count++
	}
	return out
}
