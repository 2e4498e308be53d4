package domain

import (
	"time"

	"github.com/google/uuid"
)

// Query records an end-user lookup. It is never an input to consensus.
type Query struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Query             string    `gorm:"size:512;not null"`
	SourceIP          string    `gorm:"column:source_ip;size:512;not null;default:''"`
	SourceCountryCode string    `gorm:"size:8;not null;default:''"`
	WhitelistMatch    string    `gorm:"size:255;not null;default:''"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index"`
}

// HumanReport is end-user feedback on whether a looked up target works.
type HumanReport struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SourceIP  string    `gorm:"column:source_ip;size:512;not null;default:''"`
	Works     bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}
