// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
)

// UserService resolves proxy identities to users and manages their roles.
type UserService struct {
	data *DataService
	auth config.AuthConfig

	// serializes first-time provisioning of the same email
	mu sync.Mutex
}

// NewUserService creates a UserService.
func NewUserService(data *DataService, auth config.AuthConfig) *UserService {
	return &UserService{data: data, auth: auth}
}

// Resolve returns the user with email, creating it on first sight. The
// bootstrap admin email is provisioned as admin, everyone else with the
// configured default role.
func (us *UserService) Resolve(ctx context.Context, email, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, invalid("email", "is required")
	}

	u, err := us.data.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if u != nil {
		return u, nil
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if u, err = us.data.GetUserByEmail(ctx, email); err != nil || u != nil {
		return u, err
	}

	role := models.Role(us.auth.DefaultRole)
	if !role.Valid() {
		role = models.RoleViewer
	}
	if admin := strings.ToLower(strings.TrimSpace(us.auth.BootstrapAdminEmail)); admin != "" && admin == email {
		role = models.RoleAdmin
	}
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}

	u = &models.User{Email: email, Name: name, Role: role}
	if err := us.data.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	getDataLog().Info().Str("email", email).Str("role", string(role)).Msg("Provisioned user")
	return u, nil
}

// List returns every user ordered by email.
func (us *UserService) List(ctx context.Context) ([]*models.User, error) {
	return us.data.ListUsers(ctx)
}

// SetRole changes the role of a user.
func (us *UserService) SetRole(ctx context.Context, id uint, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, invalid("role", "must be admin, dev or viewer")
	}
	u, err := us.data.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	if err := us.data.UpdateUserRole(ctx, id, role); err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	u.Role = role
	getDataLog().Info().Str("email", u.Email).Str("role", string(role)).Msg("Changed user role")
	return u, nil
}
