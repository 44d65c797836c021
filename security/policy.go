package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

// ErrPolicyValidation reports a rejected policy update. The stored
// policy is unchanged and no ledger entry is written.
var ErrPolicyValidation = errors.New("invalid policy update")

// PolicyStore owns the singleton SecurityPolicy and every mutation of it.
// Country changes commit atomically with their audit ledger entries.
type PolicyStore struct {
	db       *gorm.DB
	audit    *AuditLog
	notifier Notifier
}

// NewPolicyStore wires the store to its ledger and notifier.
func NewPolicyStore(db *gorm.DB, audit *AuditLog, notifier Notifier) *PolicyStore {
	return &PolicyStore{db: db, audit: audit, notifier: notifier}
}

// SetAuditLog attaches the ledger after construction. The ledger needs
// the policy's security contact, so at startup the store is built first.
func (s *PolicyStore) SetAuditLog(audit *AuditLog) {
	s.audit = audit
}

// Get returns the singleton policy, bootstrapping a disabled-enforcement
// default on first call. The unique sentinel index makes the bootstrap
// race-safe: a concurrent second insert fails and the loser re-reads.
func (s *PolicyStore) Get() (*model.SecurityPolicy, error) {
	var policy model.SecurityPolicy
	err := s.db.First(&policy).Error
	if err == nil {
		return &policy, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	policy = model.SecurityPolicy{
		PrimaryCountry: "US",
		GeoEnabled:     false,
	}
	if createErr := s.db.Create(&policy).Error; createErr != nil {
		// Lost the bootstrap race; the winner's row is authoritative.
		if readErr := s.db.First(&policy).Error; readErr != nil {
			return nil, createErr
		}
	}
	return &policy, nil
}

// PolicyUpdate carries the caller-supplied changes. Nil fields are left
// untouched.
type PolicyUpdate struct {
	PrimaryCountry   *string
	SecondaryCountry *string
	GeoEnabled       *bool
	AdminEmail       *string
	ITEmail          *string
	SecurityEmail    *string
	Reason           string
}

// RequestContext identifies the request applying an administrative
// change, for the ledger.
type RequestContext struct {
	IP        string
	UserAgent string
}

// UpdateResult is the outcome of a policy update. Warning is set when
// the change committed but the leadership notification could not be
// delivered.
type UpdateResult struct {
	Policy  *model.SecurityPolicy
	Warning string
}

// Update validates and applies the changes, writing one audit entry per
// changed security field inside the same transaction. Leadership is
// notified of country and enforcement changes; a delivery failure is
// recorded on the entries and surfaced as a warning, never an error.
func (s *PolicyStore) Update(update PolicyUpdate, actorID uint, reqCtx RequestContext) (*UpdateResult, error) {
	policy, err := s.Get()
	if err != nil {
		return nil, err
	}

	next := *policy
	if update.PrimaryCountry != nil {
		next.PrimaryCountry = *update.PrimaryCountry
	}
	if update.SecondaryCountry != nil {
		next.SecondaryCountry = *update.SecondaryCountry
	}
	if update.GeoEnabled != nil {
		next.GeoEnabled = *update.GeoEnabled
	}
	if update.AdminEmail != nil {
		next.AdminEmail = *update.AdminEmail
	}
	if update.ITEmail != nil {
		next.ITEmail = *update.ITEmail
	}
	if update.SecurityEmail != nil {
		next.SecurityEmail = *update.SecurityEmail
	}

	if err := validatePolicy(&next); err != nil {
		return nil, err
	}

	changes := collectChanges(policy, &next)

	// Security-relevant changes alert leadership. Delivery is attempted
	// first so its outcome lands on the ledger entries themselves;
	// entries are immutable after commit.
	notified := false
	recipients := leadershipRecipients(&next)
	if len(changes) > 0 && len(recipients) > 0 && s.notifier != nil {
		notified = s.notifier.Send(Notification{
			Recipients: recipients,
			Subject:    "Security policy changed",
			Body:       changeSummary(changes, actorID),
			Priority:   PriorityHigh,
		}) == nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if update.PrimaryCountry != nil && policy.PrimaryCountry != next.PrimaryCountry {
			next.PreviousPrimaryCountry = policy.PrimaryCountry
		}
		if update.SecondaryCountry != nil && policy.SecondaryCountry != next.SecondaryCountry {
			next.PreviousSecondaryCountry = policy.SecondaryCountry
		}
		if !next.SetupCompleted {
			now := time.Now()
			next.SetupCompleted = true
			next.SetupCompletedBy = actorID
			next.SetupCompletedAt = &now
		}

		if err := tx.Model(policy).Select(
			"primary_country", "secondary_country", "geo_enabled",
			"admin_email", "it_email", "security_email",
			"previous_primary_country", "previous_secondary_country",
			"setup_completed", "setup_completed_by", "setup_completed_at",
		).Updates(&next).Error; err != nil {
			return err
		}

		actor := actorID
		for _, ch := range changes {
			if _, err := s.audit.AppendTx(tx, AppendInput{
				ActorID:          &actor,
				ChangeType:       ch.changeType,
				OldValue:         ch.oldValue,
				NewValue:         ch.newValue,
				Reason:           update.Reason,
				RequestIP:        reqCtx.IP,
				UserAgent:        reqCtx.UserAgent,
				NotificationSent: notified,
				RecipientCount:   len(recipients),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventPolicyChanged,
		UserID:    fmt.Sprintf("%d", actorID),
		IP:        reqCtx.IP,
		UserAgent: reqCtx.UserAgent,
		Message:   fmt.Sprintf("Security policy updated (%d field(s) audited)", len(changes)),
	})

	result := &UpdateResult{Policy: &next}
	if len(changes) > 0 && !notified {
		result.Warning = "policy change saved, but leadership notification failed"
	}
	return result, nil
}

type fieldChange struct {
	changeType string
	oldValue   string
	newValue   string
}

func collectChanges(old, next *model.SecurityPolicy) []fieldChange {
	var changes []fieldChange
	if old.PrimaryCountry != next.PrimaryCountry {
		changes = append(changes, fieldChange{model.ChangePrimaryCountry, old.PrimaryCountry, next.PrimaryCountry})
	}
	if old.SecondaryCountry != next.SecondaryCountry {
		changes = append(changes, fieldChange{model.ChangeSecondaryCountry, old.SecondaryCountry, next.SecondaryCountry})
	}
	if old.GeoEnabled != next.GeoEnabled {
		changes = append(changes, fieldChange{model.ChangeEnforcementToggle, fmt.Sprintf("%t", old.GeoEnabled), fmt.Sprintf("%t", next.GeoEnabled)})
	}
	if old.AdminEmail != next.AdminEmail || old.ITEmail != next.ITEmail || old.SecurityEmail != next.SecurityEmail {
		changes = append(changes, fieldChange{
			model.ChangeContactRouting,
			fmt.Sprintf("%s;%s;%s", old.AdminEmail, old.ITEmail, old.SecurityEmail),
			fmt.Sprintf("%s;%s;%s", next.AdminEmail, next.ITEmail, next.SecurityEmail),
		})
	}
	return changes
}

func validatePolicy(p *model.SecurityPolicy) error {
	if p.PrimaryCountry == "" {
		return fmt.Errorf("%w: primary country is required", ErrPolicyValidation)
	}
	if p.SecondaryCountry != "" && p.SecondaryCountry == p.PrimaryCountry {
		return fmt.Errorf("%w: primary and secondary countries must differ", ErrPolicyValidation)
	}
	if p.GeoEnabled && p.AdminEmail == "" && p.ITEmail == "" && p.SecurityEmail == "" {
		return fmt.Errorf("%w: a notification contact is required while enforcement is enabled", ErrPolicyValidation)
	}
	return nil
}

func leadershipRecipients(p *model.SecurityPolicy) []string {
	var recipients []string
	for _, addr := range []string{p.AdminEmail, p.ITEmail, p.SecurityEmail} {
		if addr != "" && !util.Contains(addr, recipients) {
			recipients = append(recipients, addr)
		}
	}
	return recipients
}

func changeSummary(changes []fieldChange, actorID uint) string {
	body := fmt.Sprintf("Security policy changed by user %d:\n", actorID)
	for _, ch := range changes {
		body += fmt.Sprintf("- %s: %q -> %q\n", ch.changeType, ch.oldValue, ch.newValue)
	}
	return body
}
