package domain

import "time"

// WhitelistEntry is the persisted copy of one row of the derived whitelist.
// The table is rewritten wholesale on every publish and is never authoritative.
type WhitelistEntry struct {
	Domain      string     `gorm:"primaryKey;size:255"`
	Rank        *int32     `gorm:"index"`
	LastOK      *time.Time `gorm:"column:last_ok"`
	Position    int        `gorm:"not null;index"`
	Version     uint64     `gorm:"not null"`
	GeneratedAt time.Time  `gorm:"not null"`
}
