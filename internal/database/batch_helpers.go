package database

import (
	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

const (
	maxParamsPerBatch = 32766 // SQLite's default variable limit, below Postgres' 65535
	minBatchSize      = 100
	lookupChunkSize   = 5000
)

func getNumDatabaseFields(model any, db *gorm.DB) (int, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return 0, err
	}
	return len(stmt.Schema.DBNames), nil
}

func calculateBatchSize(model any, count int) int {
	numFields, err := getNumDatabaseFields(model, DB)
	if err != nil || numFields == 0 {
		log.Error("Failed to determine batch size", "error", err)
		return minBatchSize
	}

	batchSize := maxParamsPerBatch / numFields
	if batchSize < minBatchSize {
		batchSize = minBatchSize
	}
	if count > 0 && batchSize > count {
		batchSize = count
	}
	return batchSize
}
