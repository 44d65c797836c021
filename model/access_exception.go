package model

import (
	"time"

	"gorm.io/gorm"
)

// Exception lifecycle states. DENIED, EXPIRED and REVOKED are terminal.
const (
	ExceptionPending  = "PENDING"
	ExceptionApproved = "APPROVED"
	ExceptionDenied   = "DENIED"
	ExceptionExpired  = "EXPIRED"
	ExceptionRevoked  = "REVOKED"
)

// AccessException is a time-boxed per-user override permitting access
// from an otherwise blocked country.
type AccessException struct {
	gorm.Model
	UserID             uint   `gorm:"index;not null" json:"user_id"`
	DestinationCountry string `gorm:"type:varchar(100);index;not null" json:"destination_country"`
	Reason             string `gorm:"type:text" json:"reason"`

	StartDate time.Time `gorm:"not null" json:"start_date"`
	EndDate   time.Time `gorm:"not null" json:"end_date"`

	Status     string `gorm:"type:varchar(16);index;default:PENDING" json:"status"`
	AdminNotes string `gorm:"type:text" json:"admin_notes"`

	RequestedBy uint       `json:"requested_by"`
	ApprovedBy  *uint      `json:"approved_by"`
	ApprovedAt  *time.Time `json:"approved_at"`

	TimesUsed int64      `gorm:"default:0" json:"times_used"`
	LastUsed  *time.Time `json:"last_used"`
}

// IsTerminal reports whether the stored status permits no further
// transitions.
func (e *AccessException) IsTerminal() bool {
	switch e.Status {
	case ExceptionDenied, ExceptionExpired, ExceptionRevoked:
		return true
	}
	return false
}

// EffectiveStatus returns the status as of now. An APPROVED exception
// whose window has closed reads as EXPIRED even before the row is
// rewritten; callers persist the transition on first detection.
func (e *AccessException) EffectiveStatus(now time.Time) string {
	if e.Status == ExceptionApproved && now.After(e.EndDate) {
		return ExceptionExpired
	}
	return e.Status
}

// IsActive reports whether the exception currently grants access:
// APPROVED with the validity window covering now.
func (e *AccessException) IsActive(now time.Time) bool {
	if e.EffectiveStatus(now) != ExceptionApproved {
		return false
	}
	return !now.Before(e.StartDate) && !now.After(e.EndDate)
}
