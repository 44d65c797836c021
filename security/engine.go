package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Decision reasons. Exactly one accompanies every verdict.
const (
	ReasonEnforcementOff  = "ENFORCEMENT_OFF"
	ReasonCountryAllowed  = "COUNTRY_ALLOWED"
	ReasonExceptionActive = "EXCEPTION_ACTIVE"
	ReasonCountryBlocked  = "COUNTRY_BLOCKED"
	ReasonGeoUnavailable  = "GEO_UNAVAILABLE"
)

// ErrPolicyUnavailable reports that the policy row could not be read at
// decision time. Requests default to deny on this condition.
var ErrPolicyUnavailable = errors.New("security policy unavailable")

// Decision is the verdict for one request.
type Decision struct {
	Allow  bool
	Reason string
	Geo    *model.GeoRecord
}

// Engine is the request-path authorizer. It is pure with respect to
// routing concerns: exempt-path handling lives in the middleware, and
// the engine only ever answers "may this user act from this IP".
type Engine struct {
	db         *gorm.DB
	policies   *PolicyStore
	resolver   *Resolver
	exceptions *ExceptionManager
	detector   *Detector

	// FailOpen flips the verdict on geolocation lookup failure. The
	// default is false: allowing on lookup failure defeats the control.
	FailOpen bool

	// async controls whether detector evaluation runs on its own
	// goroutine. Tests set it false for determinism.
	async bool
}

// NewEngine wires the authorizer. Detector evaluation runs
// asynchronously so the deny response never waits on notification
// delivery.
func NewEngine(db *gorm.DB, policies *PolicyStore, resolver *Resolver, exceptions *ExceptionManager, detector *Detector, failOpen bool) *Engine {
	return &Engine{
		db:         db,
		policies:   policies,
		resolver:   resolver,
		exceptions: exceptions,
		detector:   detector,
		FailOpen:   failOpen,
		async:      true,
	}
}

// SetSynchronousForTest makes detector evaluation run inline. Tests only.
func (e *Engine) SetSynchronousForTest() {
	e.async = false
}

// Authorize produces the admit/deny verdict for an authenticated request.
func (e *Engine) Authorize(ctx context.Context, ip string, userID uint, reqCtx RequestContext) (*Decision, error) {
	policy, err := e.policies.Get()
	if err != nil {
		return &Decision{Allow: false, Reason: ReasonGeoUnavailable}, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}

	if !policy.GeoEnabled {
		return &Decision{Allow: true, Reason: ReasonEnforcementOff}, nil
	}

	geo, err := e.resolver.Resolve(ctx, ip)
	if err != nil {
		if e.FailOpen {
			util.LogSecurityEvent(util.SecurityEvent{
				EventType: util.EventGeoLookupFailed,
				UserID:    fmt.Sprintf("%d", userID),
				IP:        ip,
				Message:   "Geolocation unavailable; admitting per fail-open configuration",
			})
			return &Decision{Allow: true, Reason: ReasonGeoUnavailable}, nil
		}
		util.LogSecurityEvent(util.SecurityEvent{
			EventType: util.EventGeoLookupFailed,
			UserID:    fmt.Sprintf("%d", userID),
			IP:        ip,
			Message:   "Geolocation unavailable; denying per fail-closed configuration",
		})
		e.recordAttempt(userID, ip, nil, model.AttemptGeoUnavailable, reqCtx, "geolocation lookup failed")
		return &Decision{Allow: false, Reason: ReasonGeoUnavailable}, nil
	}

	if policy.IsCountryAllowed(geo.CountryCode) {
		return &Decision{Allow: true, Reason: ReasonCountryAllowed, Geo: geo}, nil
	}

	// Exceptions are keyed by country name in requests and admin
	// screens; match on either name or code.
	exception, err := e.activeException(userID, geo)
	if err != nil {
		return nil, err
	}
	if exception != nil {
		if err := e.exceptions.RecordUsage(exception.ID); err != nil {
			util.LogSecurityEvent(util.SecurityEvent{
				EventType: util.EventSuspiciousActivity,
				UserID:    fmt.Sprintf("%d", userID),
				IP:        ip,
				Message:   fmt.Sprintf("Failed to record exception usage: %v", err),
			})
		}
		return &Decision{Allow: true, Reason: ReasonExceptionActive, Geo: geo}, nil
	}

	classification := model.AttemptBlockedCountry
	if geo.IsProxy || geo.IsVPN || geo.IsTor {
		classification = model.AttemptProxyDetected
	}
	e.recordAttempt(userID, ip, geo, classification, reqCtx,
		fmt.Sprintf("blocked access from %s (%s)", geo.CountryName, geo.CountryCode))

	return &Decision{Allow: false, Reason: ReasonCountryBlocked, Geo: geo}, nil
}

func (e *Engine) activeException(userID uint, geo *model.GeoRecord) (*model.AccessException, error) {
	if exception, err := e.exceptions.ActiveFor(userID, geo.CountryName); exception != nil || err != nil {
		return exception, err
	}
	return e.exceptions.ActiveFor(userID, geo.CountryCode)
}

// recordAttempt persists exactly one SuspiciousAccessAttempt for a
// denied request and hands it to the detector.
func (e *Engine) recordAttempt(userID uint, ip string, geo *model.GeoRecord, classification string, reqCtx RequestContext, detail string) {
	details, _ := json.Marshal(map[string]interface{}{"detail": detail})
	attempt := &model.SuspiciousAccessAttempt{
		Timestamp:   time.Now(),
		UserID:      userID,
		IPAddress:   ip,
		AttemptType: classification,
		WasBlocked:  true,
		UserAgent:   reqCtx.UserAgent,
		Details:     datatypes.JSON(details),
	}
	if geo != nil {
		attempt.GeoRecordID = &geo.ID
	}
	if err := e.db.Create(attempt).Error; err != nil {
		util.LogSecurityEvent(util.SecurityEvent{
			EventType: util.EventSuspiciousActivity,
			UserID:    fmt.Sprintf("%d", userID),
			IP:        ip,
			Message:   fmt.Sprintf("Failed to persist suspicious attempt: %v", err),
		})
		return
	}

	if e.detector == nil {
		return
	}
	if e.async {
		go func() {
			if _, err := e.detector.Evaluate(attempt); err != nil {
				util.LogSecurityEvent(util.SecurityEvent{
					EventType: util.EventSuspiciousActivity,
					UserID:    fmt.Sprintf("%d", userID),
					Message:   fmt.Sprintf("Detector evaluation failed: %v", err),
				})
			}
		}()
		return
	}
	if _, err := e.detector.Evaluate(attempt); err != nil {
		util.LogSecurityEvent(util.SecurityEvent{
			EventType: util.EventSuspiciousActivity,
			UserID:    fmt.Sprintf("%d", userID),
			Message:   fmt.Sprintf("Detector evaluation failed: %v", err),
		})
	}
}
