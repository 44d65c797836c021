package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Change types recorded in the policy audit ledger.
const (
	ChangePrimaryCountry    = "PRIMARY_COUNTRY"
	ChangeSecondaryCountry  = "SECONDARY_COUNTRY"
	ChangeEnforcementToggle = "ENFORCEMENT_TOGGLE"
	ChangeContactRouting    = "CONTACT_ROUTING"
	ChangeSetupCompleted    = "SETUP_COMPLETED"
)

// ErrAuditEntryImmutable is returned by the gorm hooks whenever any code
// path tries to update or delete a ledger row.
var ErrAuditEntryImmutable = errors.New("audit entries are immutable")

// AuditEntry is one immutable row of the tamper-evident policy ledger.
// Checksum is an HMAC over the immutable fields, computed at append time
// with a server-side secret; see the security package.
type AuditEntry struct {
	gorm.Model
	Timestamp  time.Time `gorm:"index;not null" json:"timestamp"`
	ActorID    *uint     `gorm:"index" json:"actor_id"`
	ChangeType string    `gorm:"type:varchar(32);index;not null" json:"change_type"`
	OldValue   string    `gorm:"type:varchar(255)" json:"old_value"`
	NewValue   string    `gorm:"type:varchar(255)" json:"new_value"`
	Reason     string    `gorm:"type:text" json:"reason"`

	RequestIP string `gorm:"type:varchar(45)" json:"request_ip"`
	UserAgent string `gorm:"type:varchar(512)" json:"user_agent"`

	NotificationSent bool `json:"notification_sent"`
	RecipientCount   int  `json:"recipient_count"`

	Checksum string `gorm:"type:varchar(64);not null" json:"checksum"`
}

// BeforeUpdate rejects every update path, including admin override.
func (a *AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditEntryImmutable
}

// BeforeDelete rejects every delete path, including soft deletes.
func (a *AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditEntryImmutable
}
