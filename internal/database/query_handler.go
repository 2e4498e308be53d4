package database

import (
	"context"
	"fmt"
	"time"

	"reachwatch/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func InsertQueries(ctx context.Context, queries []domain.Query) error {
	if err := requireDB(); err != nil {
		return err
	}
	if len(queries) == 0 {
		return nil
	}

	tx := DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			log.Errorf("Transaction rolled back due to panic: %v", r)
		}
	}()

	batchSize := calculateBatchSize(domain.Query{}, len(queries))
	if err := tx.CreateInBatches(queries, batchSize).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// SaveHumanReport records feedback for a query; repeated feedback replaces the
// previous answer.
func SaveHumanReport(ctx context.Context, report domain.HumanReport) error {
	if err := requireDB(); err != nil {
		return err
	}

	return DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_ip", "works", "created_at"}),
	}).Create(&report).Error
}

// DeleteQueriesBefore removes queries and feedback older than cutoff.
func DeleteQueriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := requireDB(); err != nil {
		return 0, err
	}

	var removed int64
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at < ?", cutoff).Delete(&domain.HumanReport{}).Error; err != nil {
			return fmt.Errorf("delete human reports: %w", err)
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&domain.Query{})
		if res.Error != nil {
			return fmt.Errorf("delete queries: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}
