package model

import (
	"time"

	"gorm.io/gorm"
)

// SecurityPolicy is the singleton geographic enforcement configuration.
// The Singleton column carries a unique index and is always written as 1,
// so a second insert fails at the database layer rather than relying on
// application checks.
type SecurityPolicy struct {
	gorm.Model
	Singleton int8 `gorm:"uniqueIndex;not null;default:1" json:"-"`

	PrimaryCountry   string `gorm:"type:varchar(2);not null;default:US" json:"primary_country"`
	SecondaryCountry string `gorm:"type:varchar(2)" json:"secondary_country"`
	GeoEnabled       bool   `gorm:"default:false" json:"geo_enabled"`

	AdminEmail    string `gorm:"type:varchar(191)" json:"admin_email"`
	ITEmail       string `gorm:"type:varchar(191);column:it_email" json:"it_email"`
	SecurityEmail string `gorm:"type:varchar(191)" json:"security_email"`

	// Quick-glance history. The audit ledger remains authoritative.
	PreviousPrimaryCountry   string `gorm:"type:varchar(2)" json:"previous_primary_country"`
	PreviousSecondaryCountry string `gorm:"type:varchar(2)" json:"previous_secondary_country"`

	SetupCompleted   bool       `gorm:"default:false" json:"setup_completed"`
	SetupCompletedBy uint       `json:"setup_completed_by"`
	SetupCompletedAt *time.Time `json:"setup_completed_at"`
}

// IsCountryAllowed checks the code against the primary/secondary pair.
// The two slots carry no precedence between them.
func (p *SecurityPolicy) IsCountryAllowed(countryCode string) bool {
	if countryCode == "" {
		return false
	}
	if countryCode == p.PrimaryCountry {
		return true
	}
	return p.SecondaryCountry != "" && countryCode == p.SecondaryCountry
}

// AllowedCountries returns the configured country codes.
func (p *SecurityPolicy) AllowedCountries() []string {
	countries := []string{p.PrimaryCountry}
	if p.SecondaryCountry != "" {
		countries = append(countries, p.SecondaryCountry)
	}
	return countries
}

// SecurityContacts returns the configured notification addresses,
// skipping empty slots.
func (p *SecurityPolicy) SecurityContacts() []string {
	var contacts []string
	for _, addr := range []string{p.SecurityEmail, p.ITEmail, p.AdminEmail} {
		if addr != "" {
			contacts = append(contacts, addr)
		}
	}
	return contacts
}

func (p *SecurityPolicy) BeforeCreate(tx *gorm.DB) error {
	p.Singleton = 1
	return nil
}
