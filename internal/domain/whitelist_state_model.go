package domain

import "time"

const WhitelistStateID = 1

// WhitelistState is the single row recording the last published version. It
// survives an empty whitelist, which leaves no entry rows to carry it.
type WhitelistState struct {
	ID          uint8     `gorm:"primaryKey;autoIncrement:false"`
	Version     uint64    `gorm:"not null"`
	GeneratedAt time.Time `gorm:"not null"`
	Entries     int       `gorm:"not null;default:0"`
}

func (WhitelistState) TableName() string {
	return "whitelist_state"
}
