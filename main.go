// main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/stationops/geofence/config"
	"github.com/stationops/geofence/endpoint"
	"github.com/stationops/geofence/middleware"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
	"github.com/gin-gonic/gin"
)

func buildProvider(cfg *config.Config) security.Provider {
	if cfg.GeoIPDBPath != "" {
		if _, err := os.Stat(cfg.GeoIPDBPath); os.IsNotExist(err) && cfg.GeoIPDownloadURL != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if _, err := security.DownloadMMDB(ctx, cfg.GeoIPDownloadURL, cfg.GeoIPDBPath); err != nil {
				log.Printf("failed to download MMDB from %s: %v", cfg.GeoIPDownloadURL, err)
			} else {
				log.Printf("downloaded MMDB to %s", cfg.GeoIPDBPath)
			}
			cancel()
		}
		if err := security.ValidateMMDB(cfg.GeoIPDBPath); err == nil {
			provider, err := security.NewMMDBProvider(cfg.GeoIPDBPath)
			if err == nil {
				log.Printf("using MMDB geolocation database at %s", cfg.GeoIPDBPath)
				return provider
			}
			log.Printf("failed to open MMDB at %s: %v", cfg.GeoIPDBPath, err)
		}
	}
	log.Printf("using HTTP geolocation provider")
	return security.NewHTTPProvider(cfg.GeoProviderURL)
}

func startSweepers(exceptions *security.ExceptionManager, audit *security.AuditLog) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := exceptions.ExpireOverdue(); err != nil {
				log.Printf("exception expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("expired %d overdue access exceptions", n)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			report, err := audit.VerifyAll()
			if err != nil {
				log.Printf("audit integrity sweep failed: %v", err)
				continue
			}
			if report.InvalidCount > 0 {
				log.Printf("audit integrity sweep found %d invalid entries: %v", report.InvalidCount, report.InvalidIDs)
			}
		}
	}()
}

func main() {
	cfg := config.LoadConfig()

	if err := security.InitAuditSecret(); err != nil {
		log.Fatalf("audit ledger misconfigured: %v (set AUDIT_SECRET)", err)
	}

	db, err := config.ConnectMySQL()
	if err != nil {
		log.Fatalf("Error connecting to MySQL: %v", err)
	}
	if err := db.AutoMigrate(
		&model.Role{}, &model.User{}, &model.Session{},
		&model.SecurityPolicy{}, &model.AuditEntry{}, &model.AccessException{},
		&model.GeoRecord{}, &model.SuspiciousAccessAttempt{}, &model.SecurityLog{},
	); err != nil {
		log.Fatalf("auto migrate failed: %v", err)
	}
	if err := model.SeedRoles(db); err != nil {
		log.Fatalf("failed to seed roles: %v", err)
	}
	util.SetSecurityLoggerDB(db)

	if _, err := config.ConnectRedis(); err != nil {
		log.Printf("redis unavailable, session cache disabled: %v", err)
	}
	util.InitUserEmailCacheFromEnv()

	notifier := &security.LogNotifier{}
	resolver := security.NewResolver(db, buildProvider(cfg), cfg.GeoLookupTimeout)
	policies := security.NewPolicyStore(db, nil, notifier)

	policy, err := policies.Get()
	if err != nil {
		log.Fatalf("failed to load security policy: %v", err)
	}

	audit := security.NewAuditLog(db, notifier, policy.SecurityEmail)
	policies.SetAuditLog(audit)

	detector := security.NewDetector(db, notifier, cfg.EscalationThreshold, cfg.EscalationWindow)
	detector.SecurityContacts = policy.SecurityContacts()
	exceptions := security.NewExceptionManager(db, notifier)
	engine := security.NewEngine(db, policies, resolver, exceptions, detector, cfg.GeoFailOpen)

	startSweepers(exceptions, audit)

	gin.SetMode(cfg.GinMode)
	router := gin.Default()
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.DatabaseMiddleware(db))
	router.Use(middleware.EndpointCallLogger())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Welcome to %s!", cfg.AppName),
		})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/login", middleware.RateLimiter(middleware.RateLimitConfig{}), endpoint.Login)

	auth := router.Group("/")
	auth.Use(middleware.ValidateLoginToken())
	auth.Use(middleware.GeoAccessControl(engine, cfg.GeoExemptPrefixes))
	{
		auth.POST("/logout", endpoint.Logout)
		auth.GET("/token/validate", endpoint.ValidateToken)
		auth.GET("/user", endpoint.GetUserInfo)
	}

	admin := auth.Group("/")
	admin.Use(middleware.RequireAdmin())
	{
		admin.GET("/users", endpoint.ListUsers)
		admin.POST("/users", endpoint.CreateUser)
		admin.PUT("/users/:id", endpoint.UpdateUserByID)
		admin.DELETE("/users/:id", endpoint.DeleteUser)

		admin.GET("/security/policy", endpoint.GetSecurityPolicy(policies))
		admin.PATCH("/security/policy", endpoint.UpdateSecurityPolicy(policies))

		admin.GET("/security/exceptions", endpoint.ListExceptions)
		admin.POST("/security/exceptions", endpoint.RequestException(exceptions))
		admin.POST("/security/exceptions/:id/approve", endpoint.DecideException(exceptions, true))
		admin.POST("/security/exceptions/:id/deny", endpoint.DecideException(exceptions, false))
		admin.POST("/security/exceptions/:id/revoke", endpoint.RevokeException(exceptions))

		admin.GET("/security/audit", endpoint.ListAuditEntries)
		admin.GET("/security/audit/:id/verify", endpoint.VerifyAuditEntry(audit))
		admin.POST("/security/audit/verify", endpoint.VerifyAuditLog(audit))

		admin.GET("/security/attempts", endpoint.ListSuspiciousAttempts)
		admin.PATCH("/security/attempts/:id/resolve", endpoint.ResolveSuspiciousAttempt)
		admin.POST("/security/attempts/:id/exception", endpoint.CreateExceptionFromAttempt(exceptions))

		admin.GET("/security/geo", endpoint.ListGeoRecords)
		admin.GET("/security/geo/test", endpoint.TestGeolocation(resolver, policies))
		admin.GET("/security/status", endpoint.SecurityStatus(policies))
	}

	address := fmt.Sprintf(":%d", cfg.AppPort)
	if err := router.Run(address); err != nil {
		log.Fatalf("error starting server: %v", err)
	}
}
