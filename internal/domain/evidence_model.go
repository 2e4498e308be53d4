package domain

import (
	"errors"
	"fmt"
	"strings"
)

type EvidenceKind string

const (
	EvidenceOK              EvidenceKind = "ok"
	EvidenceBlocked         EvidenceKind = "blocked"
	EvidenceConnectionError EvidenceKind = "connection_error"
	EvidenceUnknownError    EvidenceKind = "unknown_error"
)

var ErrUnknownEvidence = errors.New("unknown evidence kind")

// evidenceAliases maps every spelling probes are known to send onto the stored kind.
var evidenceAliases = map[string]EvidenceKind{
	"ok":               EvidenceOK,
	"blocked":          EvidenceBlocked,
	"connection_error": EvidenceConnectionError,
	"connect_error":    EvidenceConnectionError,
	"connecterror":     EvidenceConnectionError,
	"unknown_error":    EvidenceUnknownError,
	"error":            EvidenceUnknownError,
}

func ParseEvidenceKind(raw string) (EvidenceKind, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if kind, ok := evidenceAliases[key]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvidence, raw)
}

func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceOK, EvidenceBlocked, EvidenceConnectionError, EvidenceUnknownError:
		return true
	}
	return false
}

func (k EvidenceKind) String() string {
	return string(k)
}

// ReportRow is a single (domain, outcome) observation owned by a Report.
type ReportRow struct {
	ID       uint64       `gorm:"primaryKey;autoIncrement"`
	ReportID uint64       `gorm:"not null;uniqueIndex:idx_report_row_unique,priority:1"`
	Domain   string       `gorm:"size:255;not null;index;uniqueIndex:idx_report_row_unique,priority:2"`
	Evidence EvidenceKind `gorm:"size:32;not null;uniqueIndex:idx_report_row_unique,priority:3"`

	Report Report `gorm:"foreignKey:ReportID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}

func (ReportRow) TableName() string {
	return "report_rows"
}
