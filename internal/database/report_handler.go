package database

import (
	"context"
	"errors"
	"fmt"

	"reachwatch/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrReportNotFound = errors.New("report not found")

// InsertReport stores a report and all of its rows in one transaction and
// returns the id assigned by the store. Either everything is stored or nothing.
func InsertReport(ctx context.Context, report *domain.Report, rows []domain.ReportRow) (uint64, error) {
	if err := requireDB(); err != nil {
		return 0, err
	}
	if report == nil {
		return 0, errors.New("nil report")
	}

	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(report).Error; err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for i := range rows {
			rows[i].ID = 0
			rows[i].ReportID = report.ID
		}

		batchSize := calculateBatchSize(domain.ReportRow{}, len(rows))
		if err := tx.Omit(clause.Associations).CreateInBatches(rows, batchSize).Error; err != nil {
			return fmt.Errorf("insert report rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return report.ID, nil
}

// DeleteReport removes the report and exactly the rows it owns. It returns the
// number of rows removed.
func DeleteReport(ctx context.Context, id uint64) (int64, error) {
	if err := requireDB(); err != nil {
		return 0, err
	}

	var removed int64
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var report domain.Report
		if err := tx.Select("id").First(&report, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReportNotFound
			}
			return err
		}

		res := tx.Where("report_id = ?", id).Delete(&domain.ReportRow{})
		if res.Error != nil {
			return fmt.Errorf("delete report rows: %w", res.Error)
		}
		removed = res.RowsAffected

		if err := tx.Delete(&domain.Report{}, id).Error; err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func GetReport(ctx context.Context, id uint64) (*domain.Report, error) {
	if err := requireDB(); err != nil {
		return nil, err
	}

	var report domain.Report
	err := DB.WithContext(ctx).
		Preload("Rows", func(db *gorm.DB) *gorm.DB { return db.Order("domain ASC, evidence ASC") }).
		First(&report, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}
