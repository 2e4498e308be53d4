package database

import (
	"context"
	"fmt"

	"reachwatch/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func LoadAllRanks(ctx context.Context) (map[string]int, error) {
	if err := requireDB(); err != nil {
		return nil, err
	}

	ranks := make(map[string]int)
	var batch []domain.DomainRank
	err := DB.WithContext(ctx).Model(&domain.DomainRank{}).
		FindInBatches(&batch, lookupChunkSize, func(tx *gorm.DB, _ int) error {
			for _, r := range batch {
				ranks[r.Domain] = int(r.Rank)
			}
			return nil
		}).Error
	if err != nil {
		return nil, err
	}
	return ranks, nil
}

func UpsertRank(ctx context.Context, name string, rank int) error {
	if err := requireDB(); err != nil {
		return err
	}

	row := domain.DomainRank{Domain: name, Rank: int32(rank)}
	return DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"rank", "updated_at"}),
	}).Create(&row).Error
}

// ReplaceRanks swaps the whole rank table for the given feed in one transaction.
func ReplaceRanks(ctx context.Context, ranks []domain.DomainRank) error {
	if err := requireDB(); err != nil {
		return err
	}

	return DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.DomainRank{}).Error; err != nil {
			return fmt.Errorf("clear ranks: %w", err)
		}
		if len(ranks) == 0 {
			return nil
		}
		batchSize := calculateBatchSize(domain.DomainRank{}, len(ranks))
		if err := tx.CreateInBatches(ranks, batchSize).Error; err != nil {
			return fmt.Errorf("insert ranks: %w", err)
		}
		return nil
	})
}
