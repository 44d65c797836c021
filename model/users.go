package model

import "gorm.io/gorm"

type User struct {
	gorm.Model
	Name     string `gorm:"type:varchar(191);not null" json:"name"`
	Email    string `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"`
	Password string `gorm:"type:varchar(191);not null" json:"-"`
	RoleID   uint32 `gorm:"index" json:"role_id"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}
