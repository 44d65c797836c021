package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuspiciousAttemptModel_Create(t *testing.T) {
	db := setupTestDB(t, "suspicious_attempt", &SuspiciousAccessAttempt{})

	attempt := SuspiciousAccessAttempt{
		Timestamp:   time.Now(),
		UserID:      5,
		IPAddress:   "203.0.113.50",
		AttemptType: AttemptBlockedCountry,
		WasBlocked:  true,
	}
	assert.NoError(t, db.Create(&attempt).Error)
	assert.NotZero(t, attempt.ID)
	assert.False(t, attempt.Resolved)
	assert.False(t, attempt.ITNotified)
}

func TestSuspiciousAttemptModel_BlockedAttemptsSince(t *testing.T) {
	db := setupTestDB(t, "suspicious_attempt", &SuspiciousAccessAttempt{})

	now := time.Now()
	seed := []SuspiciousAccessAttempt{
		{Timestamp: now.Add(-time.Hour), UserID: 5, AttemptType: AttemptBlockedCountry, WasBlocked: true},
		{Timestamp: now.Add(-2 * time.Hour), UserID: 5, AttemptType: AttemptProxyDetected, WasBlocked: true},
		{Timestamp: now.Add(-48 * time.Hour), UserID: 5, AttemptType: AttemptBlockedCountry, WasBlocked: true},
		{Timestamp: now.Add(-time.Hour), UserID: 9, AttemptType: AttemptBlockedCountry, WasBlocked: true},
		{Timestamp: now.Add(-time.Hour), UserID: 5, AttemptType: AttemptGeoUnavailable, WasBlocked: false},
	}
	for i := range seed {
		assert.NoError(t, db.Create(&seed[i]).Error)
	}

	count, err := BlockedAttemptsSince(db, 5, now.Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSuspiciousAttemptModel_Resolution(t *testing.T) {
	db := setupTestDB(t, "suspicious_attempt", &SuspiciousAccessAttempt{})

	attempt := SuspiciousAccessAttempt{
		Timestamp:   time.Now(),
		UserID:      5,
		AttemptType: AttemptBlockedCountry,
		WasBlocked:  true,
	}
	assert.NoError(t, db.Create(&attempt).Error)

	resolver := uint(1)
	now := time.Now()
	assert.NoError(t, db.Model(&attempt).Updates(map[string]interface{}{
		"resolved":         true,
		"resolved_by":      resolver,
		"resolved_at":      now,
		"resolution_notes": "traveling employee, exception issued",
	}).Error)

	var found SuspiciousAccessAttempt
	assert.NoError(t, db.First(&found, attempt.ID).Error)
	assert.True(t, found.Resolved)
	assert.Equal(t, "traveling employee, exception issued", found.ResolutionNotes)
	assert.NotNil(t, found.ResolvedBy)
}
