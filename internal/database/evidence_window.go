package database

import (
	"context"
	"fmt"
	"time"

	"reachwatch/internal/domain"
)

type windowedRow struct {
	Domain     string
	Evidence   domain.EvidenceKind
	ReportID   uint64
	ReporterID uint64
	CreatedAt  time.Time
}

// ListWindowedEvidence returns, per domain, the `window` most recent evidence
// rows submitted by the given reporters, newest first. A nil reporterIDs slice
// disables the reporter filter; an empty one matches nothing.
func ListWindowedEvidence(ctx context.Context, reporterIDs []uint64, window int) ([]domain.EvidenceSample, error) {
	if err := requireDB(); err != nil {
		return nil, err
	}
	if window <= 0 || (reporterIDs != nil && len(reporterIDs) == 0) {
		return nil, nil
	}

	const baseQuery = `
WITH ranked AS (
	SELECT
		rr.domain AS domain,
		rr.evidence AS evidence,
		r.id AS report_id,
		r.reporter_id AS reporter_id,
		r.created_at AS created_at,
		ROW_NUMBER() OVER (PARTITION BY rr.domain ORDER BY r.created_at DESC, r.id DESC, rr.id DESC) AS rn
	FROM report_rows rr
	JOIN reports r ON r.id = rr.report_id
	%s
)
SELECT domain, evidence, report_id, reporter_id, created_at
FROM ranked
WHERE rn <= ?
ORDER BY domain ASC, rn ASC`

	var (
		rows []windowedRow
		err  error
	)
	if reporterIDs == nil {
		err = DB.WithContext(ctx).Raw(fmt.Sprintf(baseQuery, ""), window).Scan(&rows).Error
	} else {
		err = DB.WithContext(ctx).Raw(fmt.Sprintf(baseQuery, "WHERE r.reporter_id IN ?"), reporterIDs, window).Scan(&rows).Error
	}
	if err != nil {
		return nil, err
	}

	samples := make([]domain.EvidenceSample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, domain.EvidenceSample{
			Domain:     row.Domain,
			Evidence:   row.Evidence,
			ReportID:   row.ReportID,
			ReporterID: row.ReporterID,
			ReportedAt: row.CreatedAt.UTC(),
		})
	}
	return samples, nil
}
