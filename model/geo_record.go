package model

import (
	"time"

	"gorm.io/gorm"
)

// Threat levels computed from provider flags on every upsert.
const (
	ThreatLevelLow      = "LOW"
	ThreatLevelMedium   = "MEDIUM"
	ThreatLevelHigh     = "HIGH"
	ThreatLevelCritical = "CRITICAL"
)

// GeoRecord caches the geolocation result for a single IP address.
// One row per IP; re-resolutions bump AccessCount and LastSeen so the
// detector can tell a first-time IP from a returning one.
type GeoRecord struct {
	gorm.Model
	IPAddress    string    `gorm:"type:varchar(45);uniqueIndex;not null" json:"ip_address"`
	CountryCode  string    `gorm:"type:varchar(2);index" json:"country_code"`
	CountryName  string    `gorm:"type:varchar(100)" json:"country_name"`
	Region       string    `gorm:"type:varchar(100)" json:"region"`
	City         string    `gorm:"type:varchar(100)" json:"city"`
	ISP          string    `gorm:"type:varchar(191)" json:"isp"`
	Organization string    `gorm:"type:varchar(191)" json:"organization"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	IsProxy      bool      `json:"is_proxy"`
	IsVPN        bool      `gorm:"column:is_vpn" json:"is_vpn"`
	IsTor        bool      `gorm:"column:is_tor" json:"is_tor"`
	ThreatLevel  string    `gorm:"type:varchar(16);default:LOW" json:"threat_level"`
	LookupDate   time.Time `json:"lookup_date"`
	LastSeen     time.Time `gorm:"index" json:"last_seen"`
	AccessCount  int64     `gorm:"default:0" json:"access_count"`
}

// IsSuspicious reports whether the record carries any anonymizer flag
// or an elevated threat level.
func (g *GeoRecord) IsSuspicious() bool {
	if g.IsProxy || g.IsVPN || g.IsTor {
		return true
	}
	return g.ThreatLevel == ThreatLevelHigh || g.ThreatLevel == ThreatLevelCritical
}

// ComputeThreatLevel derives the stored threat level from the
// anonymizer flags. Tor outranks VPN outranks proxy.
func (g *GeoRecord) ComputeThreatLevel() string {
	switch {
	case g.IsTor:
		return ThreatLevelCritical
	case g.IsVPN:
		return ThreatLevelHigh
	case g.IsProxy:
		return ThreatLevelMedium
	default:
		return ThreatLevelLow
	}
}

// TouchGeoRecord upserts the cache row for an IP: the first sighting
// creates the record with AccessCount=1, later sightings refresh the
// location fields and increment the counter.
func TouchGeoRecord(db *gorm.DB, fresh *GeoRecord) (*GeoRecord, error) {
	now := time.Now()

	var existing GeoRecord
	err := db.Where("ip_address = ?", fresh.IPAddress).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		fresh.LookupDate = now
		fresh.LastSeen = now
		fresh.AccessCount = 1
		fresh.ThreatLevel = fresh.ComputeThreatLevel()
		if err := db.Create(fresh).Error; err != nil {
			return nil, err
		}
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"country_code": fresh.CountryCode,
		"country_name": fresh.CountryName,
		"region":       fresh.Region,
		"city":         fresh.City,
		"isp":          fresh.ISP,
		"organization": fresh.Organization,
		"latitude":     fresh.Latitude,
		"longitude":    fresh.Longitude,
		"is_proxy":     fresh.IsProxy,
		"is_vpn":       fresh.IsVPN,
		"is_tor":       fresh.IsTor,
		"threat_level": fresh.ComputeThreatLevel(),
		"last_seen":    now,
		"access_count": gorm.Expr("access_count + 1"),
	}
	if err := db.Model(&existing).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := db.Where("ip_address = ?", fresh.IPAddress).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}
