// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a
strongly-typed Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, events) via constructors.
  - Zero Hidden State: No global variables are used to store config.
*/
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// # Configuration Schema

// Config holds all runtime configuration for the featherbone server.
type Config struct {

	// Server settings
	ServerPort  string `env:"PORT"         envDefault:"10001"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// NodeID identifies this server instance on the notification channel.
	// Each node LISTENs on its own channel; defaults to a generated UUID.
	NodeID string `env:"NODE_ID"`

	// Relational Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// MigrationPath is the filesystem path to the system-table migrations.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Session registry (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// SessionSecret signs access tokens for the HTTP surface.
	SessionSecret string `env:"SESSION_SECRET,required"`

	// ExtraOrigins is a comma-separated CORS allow list.
	ExtraOrigins string `env:"EXTRA_ORIGINS"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	cfg := &Config{}

	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()
	}

	return cfg, nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOrigin reports whether origin is in the CORS allow list.
func (c *Config) AllowedOrigin(origin string) bool {
	if strings.HasSuffix(origin, "featherbone.app") {
		return true
	}
	for _, allowed := range strings.Split(c.ExtraOrigins, ",") {
		if allowed != "" && origin == strings.TrimSpace(allowed) {
			return true
		}
	}
	return false
}
