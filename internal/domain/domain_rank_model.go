package domain

import "time"

// DomainRank is popularity metadata from the rank feed, lower is more popular.
type DomainRank struct {
	Domain    string    `gorm:"primaryKey;size:255"`
	Rank      int32     `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
