package database

import (
	"context"
	"errors"

	"reachwatch/internal/domain"

	"gorm.io/gorm"
)

var ErrReporterNotFound = errors.New("reporter not found")

func FindReporterByDigest(ctx context.Context, digest []byte) (*domain.Reporter, error) {
	if err := requireDB(); err != nil {
		return nil, err
	}

	var reporter domain.Reporter
	err := DB.WithContext(ctx).Where("token_digest = ?", digest).Take(&reporter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReporterNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reporter, nil
}

// EnsureReporter returns the reporter owning digest, creating it with name
// when it does not exist yet.
func EnsureReporter(ctx context.Context, name string, digest []byte) (*domain.Reporter, error) {
	if err := requireDB(); err != nil {
		return nil, err
	}

	reporter := domain.Reporter{}
	err := DB.WithContext(ctx).
		Where("token_digest = ?", digest).
		Attrs(domain.Reporter{Name: name, TokenDigest: digest}).
		FirstOrCreate(&reporter).Error
	if err != nil {
		return nil, err
	}
	return &reporter, nil
}

// RotateReporterToken replaces the token digest of reporter id. The old token
// stops authenticating once cached answers expire or are dropped.
func RotateReporterToken(ctx context.Context, id uint64, digest []byte) error {
	if err := requireDB(); err != nil {
		return err
	}

	res := DB.WithContext(ctx).Model(&domain.Reporter{}).Where("id = ?", id).Update("token_digest", digest)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReporterNotFound
	}
	return nil
}

func ListReporters(ctx context.Context) ([]domain.Reporter, error) {
	if err := requireDB(); err != nil {
		return nil, err
	}

	var reporters []domain.Reporter
	err := DB.WithContext(ctx).Order("id ASC").Find(&reporters).Error
	return reporters, err
}
