package security

import (
	"fmt"
	"time"

	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

// EscalationDecision is the outcome of evaluating one attempt.
type EscalationDecision struct {
	Escalate     bool
	Reason       string
	AttemptCount int64
}

// Detector classifies denied and anomalous attempts and raises
// escalation alerts toward the IT/security audience. It is advisory:
// evaluation never blocks or changes a deny verdict.
type Detector struct {
	db       *gorm.DB
	notifier Notifier

	// Threshold and Window drive the repeat-offender rule: escalate when
	// the same user accumulates Threshold blocked attempts inside the
	// rolling Window.
	Threshold int
	Window    time.Duration

	// Recipients for escalation alerts; distinct from the per-user
	// exception-approval audience.
	SecurityContacts []string
}

// NewDetector builds a detector with the given repeat-offender tuning.
func NewDetector(db *gorm.DB, notifier Notifier, threshold int, window time.Duration) *Detector {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Detector{db: db, notifier: notifier, Threshold: threshold, Window: window}
}

// Evaluate decides whether attempt crosses an escalation rule and, if
// so, notifies the security audience and stamps the attempt as
// IT-notified.
func (d *Detector) Evaluate(attempt *model.SuspiciousAccessAttempt) (*EscalationDecision, error) {
	decision := &EscalationDecision{}

	// Anonymizer use escalates regardless of count.
	if attempt.AttemptType == model.AttemptProxyDetected {
		decision.Escalate = true
		decision.Reason = "proxy/VPN/Tor detected"
	}

	if !decision.Escalate && attempt.WasBlocked {
		since := attempt.Timestamp.Add(-d.Window)
		count, err := model.BlockedAttemptsSince(d.db, attempt.UserID, since)
		if err != nil {
			return nil, err
		}
		decision.AttemptCount = count
		if count >= int64(d.Threshold) {
			decision.Escalate = true
			decision.Reason = fmt.Sprintf("%d blocked attempts within %s", count, d.Window)
		}
	}

	if !decision.Escalate {
		return decision, nil
	}

	d.notify(attempt, decision)

	now := time.Now()
	if err := d.db.Model(attempt).Updates(map[string]interface{}{
		"it_notified":    true,
		"it_notified_at": now,
	}).Error; err != nil {
		return decision, err
	}
	attempt.ITNotified = true
	attempt.ITNotifiedAt = &now
	return decision, nil
}

func (d *Detector) notify(attempt *model.SuspiciousAccessAttempt, decision *EscalationDecision) {
	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventSuspiciousActivity,
		UserID:    fmt.Sprintf("%d", attempt.UserID),
		IP:        attempt.IPAddress,
		UserAgent: attempt.UserAgent,
		Message:   fmt.Sprintf("Escalating suspicious access: %s", decision.Reason),
	})

	if d.notifier == nil || len(d.SecurityContacts) == 0 {
		return
	}
	_ = d.notifier.Send(Notification{
		Recipients: d.SecurityContacts,
		Subject:    "Suspicious access escalation",
		Body: fmt.Sprintf(
			"User %d triggered an escalation: %s.\nIP: %s\nClassification: %s\nTime: %s",
			attempt.UserID, decision.Reason, attempt.IPAddress, attempt.AttemptType,
			attempt.Timestamp.Format(time.RFC3339)),
		Priority: PriorityCritical,
	})
}
