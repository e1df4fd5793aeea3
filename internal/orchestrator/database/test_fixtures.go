// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/noldarim/launchpad/internal/config"

	"github.com/stretchr/testify/require"
)

// DatabaseFixture represents a database setup with cleanup
type DatabaseFixture struct {
	DB      *GormDB
	Cleanup func()
}

// UseFreshInMemoryDatabase creates a private in-memory SQLite database with
// GORM AutoMigrate applied. Each call gets its own database even within one process.
func UseFreshInMemoryDatabase(t testing.TB) *DatabaseFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", name, uuid.NewString()),
	}

	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on in-memory database")

	cleanup := func() {
		db.Close()
	}
	t.Cleanup(cleanup)

	return &DatabaseFixture{
		DB:      db,
		Cleanup: cleanup,
	}
}

// UseExistingDatabase connects to an existing database file
func UseExistingDatabase(t testing.TB, dbPath string) *DatabaseFixture {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: dbPath,
	}

	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to connect to existing database at %s", dbPath)

	cleanup := func() {
		db.Close()
	}

	return &DatabaseFixture{
		DB:      db,
		Cleanup: cleanup,
	}
}
