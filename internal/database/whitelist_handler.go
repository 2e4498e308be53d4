package database

import (
	"context"
	"fmt"

	"reachwatch/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplaceWhitelist rewrites the persisted whitelist wholesale and records its
// version in the same transaction.
func ReplaceWhitelist(ctx context.Context, state domain.WhitelistState, entries []domain.WhitelistEntry) error {
	if err := requireDB(); err != nil {
		return err
	}
	state.ID = domain.WhitelistStateID
	state.Entries = len(entries)

	return DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.WhitelistEntry{}).Error; err != nil {
			return fmt.Errorf("clear whitelist: %w", err)
		}
		if len(entries) > 0 {
			batchSize := calculateBatchSize(domain.WhitelistEntry{}, len(entries))
			if err := tx.CreateInBatches(entries, batchSize).Error; err != nil {
				return fmt.Errorf("insert whitelist: %w", err)
			}
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "generated_at", "entries"}),
		}).Create(&state).Error
		if err != nil {
			return fmt.Errorf("record whitelist version: %w", err)
		}
		return nil
	})
}

// LoadWhitelist returns the recorded state and the entries in position order.
// A database that never published returns a zero state.
func LoadWhitelist(ctx context.Context) (domain.WhitelistState, []domain.WhitelistEntry, error) {
	var state domain.WhitelistState
	if err := requireDB(); err != nil {
		return state, nil, err
	}

	db := DB.WithContext(ctx)
	if err := db.Where("id = ?", domain.WhitelistStateID).Limit(1).Find(&state).Error; err != nil {
		return state, nil, fmt.Errorf("load whitelist state: %w", err)
	}
	var entries []domain.WhitelistEntry
	if err := db.Order("position ASC").Find(&entries).Error; err != nil {
		return state, nil, fmt.Errorf("load whitelist: %w", err)
	}
	return state, entries, nil
}
