package consensus

import (
	"reachwatch/internal/config"
)

// TrustPolicy decides whose evidence counts toward consensus.
type TrustPolicy interface {
	IsTrusted(reporterID uint64) bool
}

// ReporterLister is implemented by policies that can enumerate their trusted
// reporters, which lets the store filter before windowing.
type ReporterLister interface {
	TrustedReporters() []uint64
}

// TrustedSet is a fixed set of trusted reporter ids.
type TrustedSet map[uint64]struct{}

func NewTrustedSet(ids ...uint64) TrustedSet {
	set := make(TrustedSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (t TrustedSet) IsTrusted(reporterID uint64) bool {
	_, ok := t[reporterID]
	return ok
}

func (t TrustedSet) TrustedReporters() []uint64 {
	ids := make([]uint64, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	return ids
}

// ConfiguredTrust follows consensus.trusted_reporters, so settings changes
// apply at the next recomputation.
type ConfiguredTrust struct{}

func (ConfiguredTrust) IsTrusted(reporterID uint64) bool {
	for _, id := range config.GetConfig().TrustedReporters() {
		if id == reporterID {
			return true
		}
	}
	return false
}

func (ConfiguredTrust) TrustedReporters() []uint64 {
	return config.GetConfig().TrustedReporters()
}
