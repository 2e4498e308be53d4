package domain

import "time"

// Reporter is an authenticated measurement source. Only the digest of its
// bearer token is stored.
type Reporter struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	Name        string    `gorm:"size:128;not null"`
	TokenDigest []byte    `gorm:"type:bytea;size:32;uniqueIndex;not null" json:"-"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}
