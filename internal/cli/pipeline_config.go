// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/noldarim/launchpad/internal/orchestrator/services"

	"gopkg.in/yaml.v3"
)

// PipelineFileConfig represents a pipeline YAML file:
//
//	name: shop-api
//	repo_url: https://git.example.com/shop/api.git
//	branch: main
//	deploy:
//	  host: 10.0.0.5
//	  user: deploy
//	  port: 22
//	  ports: "8080:8080"
//	  health_path: /actuator/health
//	build_dir: demo
//	variables:
//	  HOST: 10.0.0.5
//
// String values may reference variables as {{.NAME}}.
type PipelineFileConfig struct {
	Name      string            `yaml:"name"`
	RepoURL   string            `yaml:"repo_url"`
	Branch    string            `yaml:"branch"`
	BuildDir  string            `yaml:"build_dir"`
	Deploy    DeployFileConfig  `yaml:"deploy"`
	Variables map[string]string `yaml:"variables"`
}

// DeployFileConfig is the deploy section of a pipeline file.
type DeployFileConfig struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Port       int    `yaml:"port"`
	Ports      string `yaml:"ports"`
	HealthPath string `yaml:"health_path"`
}

// LoadPipelineFile loads and validates a pipeline YAML file
func LoadPipelineFile(path string, cliVars map[string]string) (services.CreatePipelineParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return services.CreatePipelineParams{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipelineFile(data, cliVars)
}

// ParsePipelineFile decodes a pipeline file and renders its variables.
// cliVars override/extend variables defined in the YAML file.
func ParsePipelineFile(data []byte, cliVars map[string]string) (services.CreatePipelineParams, error) {
	var cfg PipelineFileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return services.CreatePipelineParams{}, fmt.Errorf("failed to parse pipeline YAML: %w", err)
	}

	if cfg.Name == "" {
		return services.CreatePipelineParams{}, errors.New("invalid pipeline config: name is required")
	}

	// Merge variables: YAML first, then CLI overrides
	vars := make(map[string]string, len(cfg.Variables)+len(cliVars))
	for k, v := range cfg.Variables {
		vars[k] = v
	}
	for k, v := range cliVars {
		vars[k] = v
	}

	params := services.CreatePipelineParams{
		Name:       cfg.Name,
		RepoURL:    cfg.RepoURL,
		Branch:     cfg.Branch,
		DeployHost: cfg.Deploy.Host,
		DeployUser: cfg.Deploy.User,
		DeployPort: cfg.Deploy.Port,
		Ports:      cfg.Deploy.Ports,
		HealthPath: cfg.Deploy.HealthPath,
		BuildDir:   cfg.BuildDir,
	}

	fields := map[string]*string{
		"name":        &params.Name,
		"repo_url":    &params.RepoURL,
		"branch":      &params.Branch,
		"deploy.host": &params.DeployHost,
		"deploy.user": &params.DeployUser,
		"ports":       &params.Ports,
		"health_path": &params.HealthPath,
		"build_dir":   &params.BuildDir,
	}
	for field, ptr := range fields {
		rendered, err := renderTemplate(*ptr, vars)
		if err != nil {
			return services.CreatePipelineParams{}, fmt.Errorf("%s: %w", field, err)
		}
		*ptr = rendered
	}

	if err := params.Validate(); err != nil {
		return services.CreatePipelineParams{}, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return params, nil
}

// templateVarPattern matches Go template variable syntax: {{.varName}}
var templateVarPattern = regexp.MustCompile(`\{\{\s*\.(\w+)\s*\}\}`)

// renderTemplate substitutes {{.varName}} references. Unknown variables
// are an error.
func renderTemplate(templateStr string, vars map[string]string) (string, error) {
	var missing []string
	result := templateVarPattern.ReplaceAllStringFunc(templateStr, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined template variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}
