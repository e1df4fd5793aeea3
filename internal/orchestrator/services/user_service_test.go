// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"sync"
	"testing"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/orchestrator/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T) *UserService {
	return NewUserService(WithDataService(t).Service, config.AuthConfig{
		BootstrapAdminEmail: "Ops@Example.com",
		DefaultRole:         "dev",
	})
}

func TestResolve_ProvisionsOnce(t *testing.T) {
	ctx := context.Background()
	us := newUserService(t)

	u, err := us.Resolve(ctx, "Alice@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, models.RoleDev, u.Role)

	again, err := us.Resolve(ctx, "alice@example.com", "Alice Liddell")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
}

func TestResolve_BootstrapAdmin(t *testing.T) {
	us := newUserService(t)
	u, err := us.Resolve(context.Background(), "ops@example.com", "Ops")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)
}

func TestResolve_RequiresEmail(t *testing.T) {
	us := newUserService(t)
	_, err := us.Resolve(context.Background(), " ", "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestResolve_ConcurrentFirstRequests(t *testing.T) {
	us := newUserService(t)

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := us.Resolve(context.Background(), "bob@example.com", "Bob")
			if assert.NoError(t, err) {
				ids[i] = u.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	users, err := us.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestSetRole(t *testing.T) {
	ctx := context.Background()
	us := newUserService(t)
	u, err := us.Resolve(ctx, "carol@example.com", "Carol")
	require.NoError(t, err)

	updated, err := us.SetRole(ctx, u.ID, models.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, models.RoleViewer, updated.Role)

	_, err = us.SetRole(ctx, u.ID, "root")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = us.SetRole(ctx, 999, models.RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)
}
