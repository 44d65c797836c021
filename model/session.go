package model

import (
	"time"

	"gorm.io/gorm"
)

type Session struct {
	gorm.Model
	SessionToken string    `gorm:"type:varchar(512);index" json:"session_token"`
	UserID       uint      `gorm:"index" json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientIP     string    `gorm:"type:varchar(45)" json:"client_ip"`
	Browser      string    `gorm:"type:varchar(512)" json:"browser"`
}
