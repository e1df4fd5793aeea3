// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePipeline = `
name: Shop API
repo_url: https://git.example.com/shop/api.git
branch: release/{{.VERSION}}
build_dir: demo
deploy:
  host: "{{ .HOST }}"
  user: deploy
  port: 2222
  ports: "80:8080"
  health_path: /actuator/health
variables:
  VERSION: "1.2"
  HOST: 10.0.0.5
`

func TestParsePipelineFile(t *testing.T) {
	params, err := ParsePipelineFile([]byte(samplePipeline), nil)
	require.NoError(t, err)

	assert.Equal(t, "Shop API", params.Name)
	assert.Equal(t, "release/1.2", params.Branch)
	assert.Equal(t, "10.0.0.5", params.DeployHost)
	assert.Equal(t, "deploy", params.DeployUser)
	assert.Equal(t, 2222, params.DeployPort)
	assert.Equal(t, "80:8080", params.Ports)
	assert.Equal(t, "/actuator/health", params.HealthPath)
	assert.Equal(t, "demo", params.BuildDir)
}

func TestParsePipelineFile_CLIVarsOverride(t *testing.T) {
	params, err := ParsePipelineFile([]byte(samplePipeline), map[string]string{"HOST": "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", params.DeployHost)
}

func TestParsePipelineFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing name", "repo_url: https://x/y.git\n", "name is required"},
		{"unknown field", "name: ab\nrepo_url: https://x/y.git\nsteps: []\n", "field steps not found"},
		{"undefined variable", "name: ab\nrepo_url: https://x/{{.REPO}}.git\n", "undefined template variables: REPO"},
		{"invalid ports", "name: ab\nrepo_url: https://x/y.git\ndeploy:\n  ports: \"8080\"\n", "ports"},
		{"not yaml", "name: [", "failed to parse pipeline YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipelineFile([]byte(tt.yaml), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPipelineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePipeline), 0644))

	params, err := LoadPipelineFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/shop/api.git", params.RepoURL)

	_, err = LoadPipelineFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "failed to read pipeline file")
}
