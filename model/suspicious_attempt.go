package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Attempt classifications for denied or anomalous requests.
const (
	AttemptBlockedCountry   = "BLOCKED_COUNTRY"
	AttemptProxyDetected    = "PROXY_DETECTED"
	AttemptRepeatedAttempts = "REPEATED_ATTEMPTS"
	AttemptGeoUnavailable   = "GEO_UNAVAILABLE"
)

// SuspiciousAccessAttempt records one denied or flagged request. Rows
// are kept for forensics and never deleted; only the resolution and
// notification fields are mutated after creation.
type SuspiciousAccessAttempt struct {
	gorm.Model
	Timestamp   time.Time `gorm:"index;not null" json:"timestamp"`
	UserID      uint      `gorm:"index" json:"user_id"`
	IPAddress   string    `gorm:"type:varchar(45);index" json:"ip_address"`
	GeoRecordID *uint     `gorm:"index" json:"geo_record_id"`

	AttemptType string         `gorm:"type:varchar(32);index;not null" json:"attempt_type"`
	WasBlocked  bool           `gorm:"index" json:"was_blocked"`
	UserAgent   string         `gorm:"type:varchar(512)" json:"user_agent"`
	Details     datatypes.JSON `gorm:"type:json" json:"details"`

	ITNotified   bool       `gorm:"column:it_notified" json:"it_notified"`
	ITNotifiedAt *time.Time `gorm:"column:it_notified_at" json:"it_notified_at"`

	Resolved        bool       `json:"resolved"`
	ResolvedBy      *uint      `json:"resolved_by"`
	ResolvedAt      *time.Time `json:"resolved_at"`
	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes"`
}

// BlockedAttemptsSince counts blocked attempts for a user inside the
// rolling escalation window.
func BlockedAttemptsSince(db *gorm.DB, userID uint, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&SuspiciousAccessAttempt{}).
		Where("user_id = ? AND was_blocked = ? AND timestamp >= ?", userID, true, since).
		Count(&count).Error
	return count, err
}
