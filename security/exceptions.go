package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

var (
	// ErrExceptionConflict reports a live (PENDING or APPROVED and
	// unexpired) exception already covering the user/destination pair.
	ErrExceptionConflict = errors.New("a live exception already exists for this user and destination")
	// ErrInvalidTransition reports a state-machine violation, including
	// a lost compare-and-swap race.
	ErrInvalidTransition = errors.New("invalid exception state transition")
	// ErrExceptionNotActive reports a usage record against an exception
	// that is not APPROVED with a current window.
	ErrExceptionNotActive = errors.New("exception is not active")
	// ErrInvalidWindow reports a validity window whose end does not
	// follow its start.
	ErrInvalidWindow = errors.New("exception end date must be after start date")
)

// ExceptionManager runs the lifecycle of per-user international access
// exceptions. Transitions are serialized per row with status-conditional
// updates, so a double-approve or an approve-after-deny loses the race
// cleanly instead of clobbering state.
type ExceptionManager struct {
	db       *gorm.DB
	notifier Notifier
}

// NewExceptionManager wires the manager to its notifier.
func NewExceptionManager(db *gorm.DB, notifier Notifier) *ExceptionManager {
	return &ExceptionManager{db: db, notifier: notifier}
}

// Request creates a PENDING exception for (user, destination) over the
// given window. A live exception for the same pair is a conflict.
func (m *ExceptionManager) Request(userID uint, destination, reason string, start, end time.Time, requestedBy uint) (*model.AccessException, error) {
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}

	live, err := m.liveException(userID, destination)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return nil, ErrExceptionConflict
	}

	exception := &model.AccessException{
		UserID:             userID,
		DestinationCountry: destination,
		Reason:             reason,
		StartDate:          start,
		EndDate:            end,
		Status:             model.ExceptionPending,
		RequestedBy:        requestedBy,
	}
	if err := m.db.Create(exception).Error; err != nil {
		return nil, err
	}

	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventExceptionRequested,
		UserID:    fmt.Sprintf("%d", userID),
		Message:   fmt.Sprintf("International access exception requested for %s", destination),
	})
	return exception, nil
}

// Decide moves a PENDING exception to APPROVED or DENIED. Approval
// stamps the approver and notifies the user; both outcomes are CAS-style
// conditional on the row still being PENDING.
func (m *ExceptionManager) Decide(exceptionID uint, approve bool, actorID uint, notes string, userEmail string) (*model.AccessException, error) {
	exception, err := m.byID(exceptionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	target := model.ExceptionDenied
	if approve {
		target = model.ExceptionApproved
	}

	// The approver stamp marks an approval; a denial keeps both fields
	// empty and records the outcome in status and notes only.
	changes := map[string]interface{}{
		"status":      target,
		"admin_notes": notes,
	}
	if approve {
		changes["approved_by"] = actorID
		changes["approved_at"] = now
	}

	res := m.db.Model(&model.AccessException{}).
		Where("id = ? AND status = ?", exceptionID, model.ExceptionPending).
		Updates(changes)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: exception %d is %s, not PENDING", ErrInvalidTransition, exceptionID, exception.Status)
	}

	exception, err = m.byID(exceptionID)
	if err != nil {
		return nil, err
	}

	if approve && m.notifier != nil && userEmail != "" {
		_ = m.notifier.Send(Notification{
			Recipients: []string{userEmail},
			Subject:    "International Access Approved",
			Body: fmt.Sprintf(
				"Your request for international access has been APPROVED.\n\nDestination: %s\nValid From: %s\nValid Until: %s\n\nIf you have any issues, please contact IT support.",
				exception.DestinationCountry,
				exception.StartDate.Format("2006-01-02 15:04"),
				exception.EndDate.Format("2006-01-02 15:04"),
			),
			Priority: PriorityHigh,
		})
	}

	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventExceptionDecided,
		UserID:    fmt.Sprintf("%d", exception.UserID),
		Message:   fmt.Sprintf("Exception %d %s by user %d", exceptionID, target, actorID),
	})
	return exception, nil
}

// Revoke terminates an APPROVED exception. Terminal and irreversible.
func (m *ExceptionManager) Revoke(exceptionID uint, actorID uint, notes string) (*model.AccessException, error) {
	exception, err := m.byID(exceptionID)
	if err != nil {
		return nil, err
	}

	res := m.db.Model(&model.AccessException{}).
		Where("id = ? AND status = ?", exceptionID, model.ExceptionApproved).
		Updates(map[string]interface{}{
			"status":      model.ExceptionRevoked,
			"admin_notes": notes,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: exception %d is %s, not APPROVED", ErrInvalidTransition, exceptionID, exception.Status)
	}

	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventExceptionRevoked,
		UserID:    fmt.Sprintf("%d", exception.UserID),
		Message:   fmt.Sprintf("Exception %d revoked by user %d", exceptionID, actorID),
	})
	return m.byID(exceptionID)
}

// RecordUsage bumps the usage counter of an active exception.
func (m *ExceptionManager) RecordUsage(exceptionID uint) error {
	exception, err := m.byID(exceptionID)
	if err != nil {
		return err
	}
	if !exception.IsActive(time.Now()) {
		return ErrExceptionNotActive
	}
	return m.db.Model(exception).Updates(map[string]interface{}{
		"times_used": gorm.Expr("times_used + 1"),
		"last_used":  time.Now(),
	}).Error
}

// ActiveFor returns the APPROVED, in-window exception for the user and
// destination country, or nil when none applies.
func (m *ExceptionManager) ActiveFor(userID uint, destination string) (*model.AccessException, error) {
	var exceptions []model.AccessException
	err := m.db.
		Where("user_id = ? AND destination_country = ? AND status = ?", userID, destination, model.ExceptionApproved).
		Find(&exceptions).Error
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range exceptions {
		e := &exceptions[i]
		if e.IsActive(now) {
			return e, nil
		}
		// Lazily persist the derived EXPIRED state on first detection.
		if e.EffectiveStatus(now) == model.ExceptionExpired && e.Status == model.ExceptionApproved {
			m.persistExpiry(e)
		}
	}
	return nil, nil
}

// ExpireOverdue persists EXPIRED for every APPROVED exception whose
// window has closed. Used by the periodic sweep; the read paths are
// already lazily correct without it.
func (m *ExceptionManager) ExpireOverdue() (int64, error) {
	res := m.db.Model(&model.AccessException{}).
		Where("status = ? AND end_date < ?", model.ExceptionApproved, time.Now()).
		Update("status", model.ExceptionExpired)
	return res.RowsAffected, res.Error
}

func (m *ExceptionManager) byID(id uint) (*model.AccessException, error) {
	var exception model.AccessException
	if err := m.db.First(&exception, id).Error; err != nil {
		return nil, err
	}
	return &exception, nil
}

func (m *ExceptionManager) persistExpiry(e *model.AccessException) {
	m.db.Model(&model.AccessException{}).
		Where("id = ? AND status = ?", e.ID, model.ExceptionApproved).
		Update("status", model.ExceptionExpired)
	e.Status = model.ExceptionExpired
}

// liveException finds a non-terminal exception for the pair. An
// APPROVED row past its end date does not count; it reads as EXPIRED.
func (m *ExceptionManager) liveException(userID uint, destination string) (*model.AccessException, error) {
	var exceptions []model.AccessException
	err := m.db.
		Where("user_id = ? AND destination_country = ? AND status IN ?",
			userID, destination, []string{model.ExceptionPending, model.ExceptionApproved}).
		Find(&exceptions).Error
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range exceptions {
		e := &exceptions[i]
		if e.EffectiveStatus(now) == model.ExceptionExpired {
			m.persistExpiry(e)
			continue
		}
		return e, nil
	}
	return nil, nil
}
