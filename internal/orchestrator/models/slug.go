// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

var slugReplacer = strings.NewReplacer(" ", "-", "_", "-")

// Slugify derives the workspace, image repository and container name from a
// pipeline name: lowercase, with spaces and underscores turned into hyphens.
// It is not injective; "My_App" and "my app" share a slug.
func Slugify(name string) string {
	return slugReplacer.Replace(strings.ToLower(name))
}

// Docker's container name grammar; at least two characters.
var containerName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

// IsDockerSafe reports whether slug can be used both as a container name and
// as the repository of the image tag a run builds. Image repositories are
// stricter: separators may not repeat or end the name ("api-", "a..b").
func IsDockerSafe(slug string) bool {
	if len(slug) > 128 || !containerName.MatchString(slug) {
		return false
	}
	named, err := reference.ParseNormalizedNamed(slug + ":run-1")
	if err != nil {
		return false
	}
	// The short form must round-trip to the slug itself.
	return reference.FamiliarName(named) == slug
}
