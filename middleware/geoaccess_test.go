package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/security"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixedLookupProvider struct {
	mu      sync.Mutex
	lookups map[string]*security.Lookup
	err     error
}

func (p *fixedLookupProvider) Lookup(_ context.Context, ip string) (*security.Lookup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if lookup, ok := p.lookups[ip]; ok {
		return lookup, nil
	}
	return nil, errors.New("unknown ip")
}

func setupGeoTestEngine(t *testing.T, geoEnabled bool, provider security.Provider) (*security.Engine, *gorm.DB) {
	t.Helper()
	security.SetAuditSecretForTest("middleware-test-secret")

	dsn := fmt.Sprintf("file:geomw_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.SecurityPolicy{}, &model.AuditEntry{}, &model.AccessException{},
		&model.GeoRecord{}, &model.SuspiciousAccessAttempt{}, &model.SecurityLog{},
	))

	notifier := &security.LogNotifier{}
	audit := security.NewAuditLog(db, notifier, "")
	policies := security.NewPolicyStore(db, audit, notifier)

	policy, err := policies.Get()
	assert.NoError(t, err)
	assert.NoError(t, db.Model(policy).Updates(map[string]interface{}{
		"geo_enabled": geoEnabled,
		"it_email":    "it@example.com",
	}).Error)

	resolver := security.NewResolver(db, provider, time.Second)
	exceptions := security.NewExceptionManager(db, notifier)
	detector := security.NewDetector(db, notifier, 3, 24*time.Hour)
	engine := security.NewEngine(db, policies, resolver, exceptions, detector, false)
	engine.SetSynchronousForTest()
	return engine, db
}

func geoTestRouter(engine *security.Engine, exempt []string, userID uint) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != 0 {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	})
	r.Use(GeoAccessControl(engine, exempt))
	handler := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }
	r.GET("/data", handler)
	r.GET("/static/app.css", handler)
	r.GET("/health", handler)
	return r
}

func doGeoRequest(r *gin.Engine, path, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGeoAccessControl_AllowedCountryPasses(t *testing.T) {
	provider := &fixedLookupProvider{lookups: map[string]*security.Lookup{
		"203.0.113.10": {CountryCode: "US", CountryName: "United States"},
	}}
	engine, _ := setupGeoTestEngine(t, true, provider)
	r := geoTestRouter(engine, nil, 5)

	w := doGeoRequest(r, "/data", "203.0.113.10")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeoAccessControl_BlockedCountryGets403(t *testing.T) {
	provider := &fixedLookupProvider{lookups: map[string]*security.Lookup{
		"203.0.113.20": {CountryCode: "DE", CountryName: "Germany", City: "Berlin"},
	}}
	engine, db := setupGeoTestEngine(t, true, provider)
	r := geoTestRouter(engine, nil, 5)

	w := doGeoRequest(r, "/data", "203.0.113.20")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]interface{})
	if assert.True(t, ok) {
		assert.Equal(t, security.ReasonCountryBlocked, data["reason"])
		assert.Equal(t, "Germany", data["country"])
		assert.Equal(t, "Berlin", data["city"])
	}

	var attempts int64
	db.Model(&model.SuspiciousAccessAttempt{}).Count(&attempts)
	assert.Equal(t, int64(1), attempts)
}

func TestGeoAccessControl_ExemptPrefixBypasses(t *testing.T) {
	provider := &fixedLookupProvider{err: errors.New("provider should not be called")}
	engine, _ := setupGeoTestEngine(t, true, provider)
	r := geoTestRouter(engine, []string{"/static/", "/health"}, 5)

	assert.Equal(t, http.StatusOK, doGeoRequest(r, "/static/app.css", "203.0.113.20").Code)
	assert.Equal(t, http.StatusOK, doGeoRequest(r, "/health", "203.0.113.20").Code)
}

func TestGeoAccessControl_UnauthenticatedPasses(t *testing.T) {
	provider := &fixedLookupProvider{err: errors.New("provider should not be called")}
	engine, _ := setupGeoTestEngine(t, true, provider)
	r := geoTestRouter(engine, nil, 0)

	w := doGeoRequest(r, "/data", "203.0.113.20")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeoAccessControl_EnforcementOffPasses(t *testing.T) {
	provider := &fixedLookupProvider{err: errors.New("provider should not be called")}
	engine, _ := setupGeoTestEngine(t, false, provider)
	r := geoTestRouter(engine, nil, 5)

	w := doGeoRequest(r, "/data", "203.0.113.20")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeoAccessControl_LookupFailureFailsClosed(t *testing.T) {
	provider := &fixedLookupProvider{err: errors.New("provider down")}
	engine, _ := setupGeoTestEngine(t, true, provider)
	r := geoTestRouter(engine, nil, 5)

	w := doGeoRequest(r, "/data", "203.0.113.20")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]interface{})
	if assert.True(t, ok) {
		assert.Equal(t, security.ReasonGeoUnavailable, data["reason"])
	}
}

func TestGeoAccessControl_PolicyUnavailableReturns503(t *testing.T) {
	provider := &fixedLookupProvider{}
	engine, db := setupGeoTestEngine(t, true, provider)
	assert.NoError(t, db.Migrator().DropTable(&model.SecurityPolicy{}))
	r := geoTestRouter(engine, nil, 5)

	w := doGeoRequest(r, "/data", "203.0.113.10")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGeoAccessControl_FirstForwardedForEntryWins(t *testing.T) {
	provider := &fixedLookupProvider{lookups: map[string]*security.Lookup{
		"203.0.113.10": {CountryCode: "US", CountryName: "United States"},
		"203.0.113.20": {CountryCode: "DE", CountryName: "Germany"},
	}}
	engine, _ := setupGeoTestEngine(t, true, provider)
	r := geoTestRouter(engine, nil, 5)

	w := doGeoRequest(r, "/data", "203.0.113.10, 203.0.113.20")
	assert.Equal(t, http.StatusOK, w.Code)
}
