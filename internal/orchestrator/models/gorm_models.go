// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// Role is the authorization level of a user.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDev    Role = "dev"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDev, RoleViewer:
		return true
	default:
		return false
	}
}

// Allows reports whether r satisfies the minimum role want.
func (r Role) Allows(want Role) bool {
	return r.rank() >= want.rank()
}

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleDev:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// User is an identity resolved from the fronting auth proxy.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"not null;type:text;uniqueIndex" json:"email"`
	Name      string    `gorm:"type:text" json:"name"`
	Role      Role      `gorm:"not null;type:text;default:viewer" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for User
func (User) TableName() string {
	return "users"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.Role == "" {
		u.Role = RoleViewer
	}
	return nil
}
