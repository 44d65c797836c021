package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stationops/geofence/model"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

type engineFixture struct {
	engine     *Engine
	policies   *PolicyStore
	exceptions *ExceptionManager
	provider   *stubProvider
	notifier   *recordingNotifier
	db         *gorm.DB
}

func newEngineFixture(t *testing.T, failOpen bool) *engineFixture {
	t.Helper()
	SetAuditSecretForTest("engine-test-secret")
	db := setupSecurityTestDB(t)
	notifier := &recordingNotifier{}
	audit := NewAuditLog(db, notifier, "security@example.com")
	policies := NewPolicyStore(db, audit, notifier)

	provider := &stubProvider{Results: map[string]*Lookup{
		"203.0.113.10": {CountryCode: "US", CountryName: "United States", City: "Ashburn"},
		"203.0.113.20": {CountryCode: "DE", CountryName: "Germany", City: "Berlin"},
		"203.0.113.30": {CountryCode: "RU", CountryName: "Russia", City: "Moscow", IsProxy: true},
	}}
	resolver := NewResolver(db, provider, time.Second)

	exceptions := NewExceptionManager(db, notifier)
	detector := NewDetector(db, notifier, 3, 24*time.Hour)
	detector.SecurityContacts = []string{"it-security@example.com"}

	engine := NewEngine(db, policies, resolver, exceptions, detector, failOpen)
	engine.SetSynchronousForTest()

	return &engineFixture{
		engine:     engine,
		policies:   policies,
		exceptions: exceptions,
		provider:   provider,
		notifier:   notifier,
		db:         db,
	}
}

func (f *engineFixture) enableEnforcement(t *testing.T) {
	t.Helper()
	_, err := f.policies.Update(PolicyUpdate{
		GeoEnabled: boolPtr(true),
		ITEmail:    strPtr("it@example.com"),
	}, 1, RequestContext{})
	assert.NoError(t, err)
}

func TestEngine_EnforcementOffAllowsEverything(t *testing.T) {
	f := newEngineFixture(t, false)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.20", 5, RequestContext{})
	assert.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonEnforcementOff, decision.Reason)
	assert.Equal(t, 0, f.provider.Calls())
}

func TestEngine_AllowedCountry(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.10", 5, RequestContext{})
	assert.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonCountryAllowed, decision.Reason)
	if assert.NotNil(t, decision.Geo) {
		assert.Equal(t, "US", decision.Geo.CountryCode)
	}
}

func TestEngine_BlockedCountryRecordsAttempt(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.20", 5, RequestContext{UserAgent: "curl/8.0"})
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonCountryBlocked, decision.Reason)

	var attempts []model.SuspiciousAccessAttempt
	assert.NoError(t, f.db.Find(&attempts).Error)
	if assert.Len(t, attempts, 1) {
		assert.Equal(t, uint(5), attempts[0].UserID)
		assert.Equal(t, model.AttemptBlockedCountry, attempts[0].AttemptType)
		assert.True(t, attempts[0].WasBlocked)
		assert.Equal(t, "curl/8.0", attempts[0].UserAgent)
		assert.NotNil(t, attempts[0].GeoRecordID)
	}
}

func TestEngine_ProxyClassification(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.30", 5, RequestContext{})
	assert.NoError(t, err)
	assert.False(t, decision.Allow)

	var attempt model.SuspiciousAccessAttempt
	assert.NoError(t, f.db.First(&attempt).Error)
	assert.Equal(t, model.AttemptProxyDetected, attempt.AttemptType)

	// Anonymizer use escalates immediately regardless of count.
	var reloaded model.SuspiciousAccessAttempt
	assert.NoError(t, f.db.First(&reloaded, attempt.ID).Error)
	assert.True(t, reloaded.ITNotified)
}

func TestEngine_ActiveExceptionAllowsAndRecordsUsage(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	now := time.Now()
	exception, err := f.exceptions.Request(5, "Germany", "travel", now.Add(-time.Hour), now.Add(48*time.Hour), 5)
	assert.NoError(t, err)
	_, err = f.exceptions.Decide(exception.ID, true, 1, "", "")
	assert.NoError(t, err)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.20", 5, RequestContext{})
	assert.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonExceptionActive, decision.Reason)

	var reloaded model.AccessException
	assert.NoError(t, f.db.First(&reloaded, exception.ID).Error)
	assert.Equal(t, int64(1), reloaded.TimesUsed)

	// No attempt row is written for an admitted request.
	var attempts int64
	f.db.Model(&model.SuspiciousAccessAttempt{}).Count(&attempts)
	assert.Equal(t, int64(0), attempts)
}

func TestEngine_ExceptionForOtherUserDoesNotApply(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	now := time.Now()
	exception, err := f.exceptions.Request(9, "Germany", "travel", now.Add(-time.Hour), now.Add(48*time.Hour), 9)
	assert.NoError(t, err)
	_, err = f.exceptions.Decide(exception.ID, true, 1, "", "")
	assert.NoError(t, err)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.20", 5, RequestContext{})
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestEngine_PendingExceptionDoesNotAdmit(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	now := time.Now()
	_, err := f.exceptions.Request(5, "Germany", "travel", now.Add(-time.Hour), now.Add(48*time.Hour), 5)
	assert.NoError(t, err)

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.20", 5, RequestContext{})
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonCountryBlocked, decision.Reason)
}

func TestEngine_LookupFailureFailsClosed(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)
	f.provider.Err = errors.New("provider down")

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.99", 5, RequestContext{})
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonGeoUnavailable, decision.Reason)

	var attempt model.SuspiciousAccessAttempt
	assert.NoError(t, f.db.First(&attempt).Error)
	assert.Equal(t, model.AttemptGeoUnavailable, attempt.AttemptType)
}

func TestEngine_LookupFailureFailsOpenWhenConfigured(t *testing.T) {
	f := newEngineFixture(t, true)
	f.enableEnforcement(t)
	f.provider.Err = errors.New("provider down")

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.99", 5, RequestContext{})
	assert.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonGeoUnavailable, decision.Reason)

	var attempts int64
	f.db.Model(&model.SuspiciousAccessAttempt{}).Count(&attempts)
	assert.Equal(t, int64(0), attempts)
}

func TestEngine_PolicyUnavailableDenies(t *testing.T) {
	f := newEngineFixture(t, true)
	assert.NoError(t, f.db.Migrator().DropTable(&model.SecurityPolicy{}))

	decision, err := f.engine.Authorize(context.Background(), "203.0.113.10", 5, RequestContext{})
	assert.ErrorIs(t, err, ErrPolicyUnavailable)
	assert.False(t, decision.Allow)
}

func TestEngine_RepeatedBlocksEscalate(t *testing.T) {
	f := newEngineFixture(t, false)
	f.enableEnforcement(t)

	for i := 0; i < 3; i++ {
		decision, err := f.engine.Authorize(context.Background(), "203.0.113.20", 5, RequestContext{})
		assert.NoError(t, err)
		assert.False(t, decision.Allow)
	}

	var notified int64
	f.db.Model(&model.SuspiciousAccessAttempt{}).Where("it_notified = ?", true).Count(&notified)
	assert.Equal(t, int64(1), notified)
}
