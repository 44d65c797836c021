package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

// ErrIntegrity reports a checksum mismatch on a ledger entry. It is a
// distinct condition from gorm.ErrRecordNotFound: the row exists but its
// contents no longer match the fingerprint written at append time.
var ErrIntegrity = errors.New("audit entry failed integrity verification")

var (
	auditSecret   []byte
	auditSecretMu sync.RWMutex
)

// ErrAuditSecretMissing reports that AUDIT_SECRET is not configured.
var ErrAuditSecretMissing = errors.New("AUDIT_SECRET is not set")

// InitAuditSecret loads the ledger secret from the AUDIT_SECRET
// environment variable. Every checksum verifies under an empty key, so
// a missing secret is a startup error, never a silent default.
func InitAuditSecret() error {
	secret := os.Getenv("AUDIT_SECRET")
	if secret == "" {
		return ErrAuditSecretMissing
	}
	auditSecretMu.Lock()
	defer auditSecretMu.Unlock()
	auditSecret = []byte(secret)
	return nil
}

// auditSecretBytes returns the server-side HMAC secret. The secret never
// leaves the server, so an external party cannot forge a matching
// checksum for an altered row.
func auditSecretBytes() []byte {
	auditSecretMu.RLock()
	defer auditSecretMu.RUnlock()
	if len(auditSecret) == 0 {
		panic("audit secret not configured: call InitAuditSecret before using the ledger")
	}
	return append([]byte(nil), auditSecret...)
}

// SetAuditSecretForTest overrides the ledger secret. Tests only.
func SetAuditSecretForTest(secret string) {
	auditSecretMu.Lock()
	defer auditSecretMu.Unlock()
	auditSecret = []byte(secret)
}

// AuditLog is the append-only, tamper-evident ledger of policy changes.
type AuditLog struct {
	db       *gorm.DB
	notifier Notifier
	// securityEmail receives the synchronous alert on a failed
	// verification.
	securityEmail string
}

// NewAuditLog constructs the ledger facade over db. notifier may be nil,
// in which case integrity alerts go to the security log only.
func NewAuditLog(db *gorm.DB, notifier Notifier, securityEmail string) *AuditLog {
	return &AuditLog{db: db, notifier: notifier, securityEmail: securityEmail}
}

// AppendInput carries the caller-supplied fields of a new ledger entry.
type AppendInput struct {
	ActorID          *uint
	ChangeType       string
	OldValue         string
	NewValue         string
	Reason           string
	RequestIP        string
	UserAgent        string
	NotificationSent bool
	RecipientCount   int
}

// Append writes one entry with its checksum. Used outside a policy
// transaction; policy updates go through AppendTx.
func (l *AuditLog) Append(in AppendInput) (*model.AuditEntry, error) {
	return l.AppendTx(l.db, in)
}

// AppendTx writes one entry inside the caller's transaction so a policy
// change and its ledger row commit or roll back together.
func (l *AuditLog) AppendTx(tx *gorm.DB, in AppendInput) (*model.AuditEntry, error) {
	// Second precision survives every backend's datetime column, so a
	// reloaded row recomputes to the same checksum.
	entry := &model.AuditEntry{
		Timestamp:        time.Now().UTC().Truncate(time.Second),
		ActorID:          in.ActorID,
		ChangeType:       in.ChangeType,
		OldValue:         in.OldValue,
		NewValue:         in.NewValue,
		Reason:           in.Reason,
		RequestIP:        in.RequestIP,
		UserAgent:        in.UserAgent,
		NotificationSent: in.NotificationSent,
		RecipientCount:   in.RecipientCount,
	}
	entry.Checksum = computeChecksum(entry)
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// Verify recomputes the checksum for a single entry. A mismatch is
// escalated synchronously before the error is returned.
func (l *AuditLog) Verify(entry *model.AuditEntry) error {
	if computeChecksum(entry) == entry.Checksum {
		return nil
	}
	l.reportTamper(entry)
	return ErrIntegrity
}

// VerifyByID loads and verifies one entry. Not-found is reported as
// gorm.ErrRecordNotFound, never as an integrity failure.
func (l *AuditLog) VerifyByID(id uint) (*model.AuditEntry, error) {
	var entry model.AuditEntry
	if err := l.db.First(&entry, id).Error; err != nil {
		return nil, err
	}
	if err := l.Verify(&entry); err != nil {
		return &entry, err
	}
	return &entry, nil
}

// VerifyReport summarizes a bulk integrity sweep.
type VerifyReport struct {
	ValidCount   int    `json:"valid_count"`
	InvalidCount int    `json:"invalid_count"`
	InvalidIDs   []uint `json:"invalid_ids,omitempty"`
}

// VerifyAll sweeps the whole ledger and reports per-entry results.
func (l *AuditLog) VerifyAll() (*VerifyReport, error) {
	var entries []model.AuditEntry
	if err := l.db.Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	report := &VerifyReport{}
	for i := range entries {
		if err := l.Verify(&entries[i]); err != nil {
			report.InvalidCount++
			report.InvalidIDs = append(report.InvalidIDs, entries[i].ID)
			continue
		}
		report.ValidCount++
	}
	return report, nil
}

// reportTamper records a tamper note and alerts the security contact.
// The note goes to the plain security log, deliberately outside the
// ledger whose integrity is in question.
func (l *AuditLog) reportTamper(entry *model.AuditEntry) {
	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventIntegrityFailure,
		Message:   fmt.Sprintf("Audit entry %d failed checksum verification", entry.ID),
		Details: map[string]interface{}{
			"entry_id":    entry.ID,
			"change_type": entry.ChangeType,
			"timestamp":   entry.Timestamp,
		},
	})
	if l.notifier != nil && l.securityEmail != "" {
		_ = l.notifier.Send(Notification{
			Recipients: []string{l.securityEmail},
			Subject:    "CRITICAL: audit log integrity failure",
			Body: fmt.Sprintf(
				"Audit entry %d (%s at %s) failed checksum verification. The ledger may have been tampered with.",
				entry.ID, entry.ChangeType, entry.Timestamp.Format(time.RFC3339)),
			Priority: PriorityCritical,
		})
	}
}

// computeChecksum fingerprints the immutable fields of an entry with
// HMAC-SHA256 under the server-side secret. The canonical serialization
// is stable; changing it invalidates existing ledgers.
func computeChecksum(entry *model.AuditEntry) string {
	actor := ""
	if entry.ActorID != nil {
		actor = fmt.Sprintf("%d", *entry.ActorID)
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s",
		entry.ChangeType,
		entry.OldValue,
		entry.NewValue,
		actor,
		entry.Timestamp.UTC().Format(time.RFC3339),
	)
	h := hmac.New(sha256.New, auditSecretBytes())
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}
