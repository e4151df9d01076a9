// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/adrg/xdg"
	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets and connection settings from the file.
const (
	EnvSigningSecret = "GATEWAY_SIGNING_SECRET"
	EnvJWTSecret     = "GATEWAY_JWT_SECRET"
	EnvRedisAddr     = "GATEWAY_REDIS_ADDR"
	EnvRedisPassword = "GATEWAY_REDIS_PASSWORD"
	EnvAdminToken    = "GATEWAY_ADMIN_TOKEN"
)

// DefaultConfigFile is the file looked up in the XDG config directories when
// no path is given on the command line.
const DefaultConfigFile = "svcgateway/gateway.yaml"

// DefaultPath returns the first DefaultConfigFile found in XDG_CONFIG_HOME or
// XDG_CONFIG_DIRS, or "" when there is none.
func DefaultPath() string {
	path, err := xdg.SearchConfigFile(DefaultConfigFile)
	if err != nil {
		return ""
	}
	return path
}

// Loader loads configuration from a source.
type Loader interface {
	Load() (*Config, error)
}

// YAMLLoader loads configuration from a YAML file. ${VAR} references in the
// file are expanded from the environment before parsing.
type YAMLLoader struct {
	filePath  string
	envReader env.Reader
}

// NewYAMLLoader creates a new YAML configuration loader.
func NewYAMLLoader(filePath string, envReader env.Reader) *YAMLLoader {
	return &YAMLLoader{
		filePath:  filePath,
		envReader: envReader,
	}
}

// Load reads, parses and defaults the configuration. It does not validate.
func (l *YAMLLoader) Load() (*Config, error) {
	// #nosec G304 -- path is supplied by the operator or found in the XDG config dirs
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse decodes raw YAML, applies environment overrides and fills defaults.
func (l *YAMLLoader) Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), l.envReader.Getenv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	l.applyEnvOverrides(cfg)
	cfg.EnsureDefaults()
	return cfg, nil
}

func (l *YAMLLoader) applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{EnvSigningSecret, &cfg.Auth.SigningSecret},
		{EnvJWTSecret, &cfg.Auth.JWTSecret},
		{EnvRedisAddr, &cfg.Redis.Addr},
		{EnvRedisPassword, &cfg.Redis.Password},
		{EnvAdminToken, &cfg.Server.AdminToken},
	}
	for _, o := range overrides {
		if v := l.envReader.Getenv(o.name); v != "" {
			*o.target = v
		}
	}
}
