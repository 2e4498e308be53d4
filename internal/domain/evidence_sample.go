package domain

import "time"

// EvidenceSample is one evidence row joined with the report that carried it.
// It is the unit the consensus vote works on.
type EvidenceSample struct {
	Domain     string
	Evidence   EvidenceKind
	ReportID   uint64
	ReporterID uint64
	ReportedAt time.Time
}
