package security

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stationops/geofence/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// securityTestModels is the full set of tables the security package touches.
var securityTestModels = []interface{}{
	&model.SecurityPolicy{},
	&model.AuditEntry{},
	&model.AccessException{},
	&model.GeoRecord{},
	&model.SuspiciousAccessAttempt{},
	&model.SecurityLog{},
}

// setupSecurityTestDB creates an in-memory SQLite database with all
// security tables migrated. The DSN is uniquified per call so parallel
// tests never share state.
func setupSecurityTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:sectest_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(securityTestModels...); err != nil {
		t.Fatalf("failed to auto-migrate models: %v", err)
	}
	return db
}

// recordingNotifier captures notifications for assertions. FailSend
// simulates a delivery failure.
type recordingNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	FailSend bool
}

func (n *recordingNotifier) Send(notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailSend {
		return fmt.Errorf("smtp unreachable")
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// stubProvider returns a fixed lookup per IP, or fails when Err is set.
type stubProvider struct {
	mu      sync.Mutex
	Err     error
	Results map[string]*Lookup
	calls   int
}

func (p *stubProvider) Lookup(_ context.Context, ip string) (*Lookup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return nil, p.Err
	}
	if lookup, ok := p.Results[ip]; ok {
		return lookup, nil
	}
	return &Lookup{CountryCode: "US", CountryName: "United States", City: "Ashburn"}, nil
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
