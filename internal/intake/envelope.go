package intake

import (
	"fmt"
	"strings"

	"reachwatch/internal/domain"
	"reachwatch/internal/support"
)

const (
	maxVersionLength = 64
	maxPathLength    = 2048
)

// Envelope is the report metadata supplied alongside the evidence.
type Envelope struct {
	ReporterIP string
	Version    string
	Transport  Transport
}

// Transport carries the probe parameters. They are stored verbatim and never
// interpreted.
type Transport struct {
	HTTP        bool
	TxJunk      bool
	IP          string
	Path        string
	RetryCount  int64
	TimeoutSecs int64
	ProbeCount  int64
}

// Evidence is one raw (domain, outcome) observation as received.
type Evidence struct {
	Domain  string
	Outcome string
}

func validateEnvelope(env Envelope) (domain.Report, error) {
	if _, err := support.ValidateAddress(env.ReporterIP); err != nil {
		return domain.Report{}, fmt.Errorf("%w: reporter address: %v", ErrInvalidEnvelope, err)
	}

	version := strings.TrimSpace(env.Version)
	if version == "" {
		return domain.Report{}, fmt.Errorf("%w: version is empty", ErrInvalidEnvelope)
	}
	if len(version) > maxVersionLength {
		return domain.Report{}, fmt.Errorf("%w: version exceeds %d characters", ErrInvalidEnvelope, maxVersionLength)
	}

	tp := env.Transport
	if _, err := support.ValidateAddress(tp.IP); err != nil {
		return domain.Report{}, fmt.Errorf("%w: probe address: %v", ErrInvalidEnvelope, err)
	}
	if len(tp.Path) > maxPathLength {
		return domain.Report{}, fmt.Errorf("%w: path exceeds %d characters", ErrInvalidEnvelope, maxPathLength)
	}
	if tp.RetryCount < 0 || tp.TimeoutSecs < 0 || tp.ProbeCount < 0 {
		return domain.Report{}, fmt.Errorf("%w: negative transport parameter", ErrInvalidEnvelope)
	}
	if tp.RetryCount > int64(^uint32(0)>>1) || tp.ProbeCount > int64(^uint32(0)>>1) {
		return domain.Report{}, fmt.Errorf("%w: transport parameter out of range", ErrInvalidEnvelope)
	}

	return domain.Report{
		ReporterIP:  env.ReporterIP,
		Version:     version,
		HTTP:        tp.HTTP,
		TxJunk:      tp.TxJunk,
		ProbeIP:     tp.IP,
		Path:        tp.Path,
		RetryCount:  int32(tp.RetryCount),
		TimeoutSecs: tp.TimeoutSecs,
		ProbeCount:  int32(tp.ProbeCount),
	}, nil
}

type evidenceKey struct {
	domain string
	kind   domain.EvidenceKind
}

// validateEvidence normalises every row and rejects repeated (domain, outcome)
// pairs so the store never sees a batch it would refuse halfway.
func validateEvidence(items []Evidence, maxRows int) ([]domain.ReportRow, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: evidence list is empty", ErrInvalidEnvelope)
	}
	if maxRows > 0 && len(items) > maxRows {
		return nil, fmt.Errorf("%w: %d evidence rows exceed the limit of %d", ErrInvalidEnvelope, len(items), maxRows)
	}

	seen := make(map[evidenceKey]struct{}, len(items))
	rows := make([]domain.ReportRow, 0, len(items))
	for _, item := range items {
		name, err := support.NormalizeDomain(item.Domain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		kind, err := domain.ParseEvidenceKind(item.Outcome)
		if err != nil {
			return nil, fmt.Errorf("%w: domain %q: %v", ErrInvalidEnvelope, name, err)
		}

		key := evidenceKey{domain: name, kind: kind}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateEvidence, name, kind)
		}
		seen[key] = struct{}{}

		rows = append(rows, domain.ReportRow{Domain: name, Evidence: kind})
	}
	return rows, nil
}
