package database

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"reachwatch/internal/domain"

	"github.com/google/uuid"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: silentLogger()})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	if _, err := SetupDB(WithExistingDB(db), WithMigrations(defaultMigrations()...)); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	t.Cleanup(func() {
		DB = nil
		_ = sqlDB.Close()
	})

	return db
}

func countReportRows(ctx context.Context, reportID uint64) (int64, error) {
	var count int64
	err := DB.WithContext(ctx).Model(&domain.ReportRow{}).Where("report_id = ?", reportID).Count(&count).Error
	return count, err
}

func queryExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	if err := DB.WithContext(ctx).Model(&domain.Query{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
