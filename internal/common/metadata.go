// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

import "time"

// Metadata is the envelope every run event carries.
// It is stamped by the event bus at publish time, never by the producer.
type Metadata struct {
	// RunID scopes the event to a single run.
	RunID uint `json:"run_id"`

	// Seq is the 1-based position of the event within its run.
	// Subscribers use it to drop duplicates when history and live delivery overlap.
	Seq uint64 `json:"seq"`

	Time time.Time `json:"time"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version,omitempty"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"
