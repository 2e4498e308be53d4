package domain

import "time"

// Report is one measurement session submitted by a reporter. It exclusively
// owns its rows; removing a report removes them too.
type Report struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ReporterID  uint64 `gorm:"not null;index"`
	ReporterIP  string `gorm:"size:39;not null"`
	Version     string `gorm:"size:64;not null"`
	HTTP        bool   `gorm:"column:http;not null;default:false"`
	TxJunk      bool   `gorm:"not null;default:false"`
	ProbeIP     string `gorm:"column:ip;size:39;not null"`
	Path        string `gorm:"size:2048;not null;default:''"`
	RetryCount  int32  `gorm:"not null;default:0"`
	TimeoutSecs int64  `gorm:"not null;default:0"`
	ProbeCount  int32  `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`

	Reporter Reporter    `gorm:"foreignKey:ReporterID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	Rows     []ReportRow `gorm:"foreignKey:ReportID" json:"-"`
}
