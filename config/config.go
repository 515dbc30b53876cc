// Copyright 2025 ArkTech NWA
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads gateway configuration from defaults, an optional
// YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the gateway consumes. It is loaded once at
// startup and read-only thereafter.
type Config struct {
	// Connection
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Database         string `yaml:"database"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	SSLMode          string `yaml:"sslmode"`
	ConnectionString string `yaml:"connection_string"`

	// Timeouts (milliseconds)
	BaseTimeoutMS        int `yaml:"base_timeout_ms"`
	ConnectionTimeoutMS  int `yaml:"connection_timeout_ms"`
	HealthCheckTimeoutMS int `yaml:"health_check_timeout_ms"`

	// Pool
	MaxConnections   int  `yaml:"max_connections"`
	MinConnections   int  `yaml:"min_connections"`
	ConnectionTTLMS  int  `yaml:"connection_ttl_ms"`
	IdleTimeoutMS    int  `yaml:"idle_timeout_ms"`
	ValidateOnBorrow bool `yaml:"validate_on_borrow"`

	// Circuit breaker
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
	CircuitFailureWindowMS  int `yaml:"circuit_failure_window_ms"`
	CircuitOpenDurationMS   int `yaml:"circuit_open_duration_ms"`
	CircuitRecoveryThresh   int `yaml:"circuit_recovery_threshold"`

	// Health monitor
	HealthCheckIntervalMS    int `yaml:"health_check_interval_ms"`
	HealthDegradedIntervalMS int `yaml:"health_degraded_interval_ms"`

	// Adaptive timeout
	AdaptiveTimeout bool `yaml:"adaptive_timeout"`
	MinTimeoutMS    int  `yaml:"min_timeout_ms"`
	MaxTimeoutMS    int  `yaml:"max_timeout_ms"`

	// Pre-flight policy
	BlacklistTables  []string `yaml:"blacklist_tables"`
	BlacklistColumns []string `yaml:"blacklist_columns"`
	DefaultRowLimit  int      `yaml:"default_row_limit"`

	// Admin surface
	AdminListenAddr string `yaml:"admin_listen_addr"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		Database: "postgres",
		User:     "postgres",
		SSLMode:  "disable",

		BaseTimeoutMS:        10000,
		ConnectionTimeoutMS:  2000,
		HealthCheckTimeoutMS: 2000,

		MaxConnections:   5,
		MinConnections:   1,
		ConnectionTTLMS:  300000,
		IdleTimeoutMS:    60000,
		ValidateOnBorrow: true,

		CircuitFailureThreshold: 5,
		CircuitFailureWindowMS:  60000,
		CircuitOpenDurationMS:   30000,
		CircuitRecoveryThresh:   2,

		HealthCheckIntervalMS:    30000,
		HealthDegradedIntervalMS: 5000,

		AdaptiveTimeout: true,
		MinTimeoutMS:    2000,
		MaxTimeoutMS:    30000,

		DefaultRowLimit: 1000,
		AdminListenAddr: "127.0.0.1:9187",
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path, then environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv merges environment overrides. Both libpq-style names (PGHOST,
// PGPORT, ...) and PGMCP_* names are honored; PGMCP_* wins.
func (c *Config) applyEnv() {
	c.Host = getEnv("PGHOST", c.Host)
	c.Port = getEnvInt("PGPORT", c.Port)
	c.Database = getEnv("PGDATABASE", c.Database)
	c.User = getEnv("PGUSER", c.User)
	c.Password = getEnv("PGPASSWORD", c.Password)
	c.SSLMode = getEnv("PGSSLMODE", c.SSLMode)

	c.Host = getEnv("PGMCP_HOST", c.Host)
	c.Port = getEnvInt("PGMCP_PORT", c.Port)
	c.Database = getEnv("PGMCP_DATABASE", c.Database)
	c.User = getEnv("PGMCP_USER", c.User)
	c.Password = getEnv("PGMCP_PASSWORD", c.Password)
	c.SSLMode = getEnv("PGMCP_SSLMODE", c.SSLMode)
	c.ConnectionString = getEnv("PGMCP_CONNECTION_STRING", c.ConnectionString)

	c.BaseTimeoutMS = getEnvInt("PGMCP_BASE_TIMEOUT_MS", c.BaseTimeoutMS)
	c.ConnectionTimeoutMS = getEnvInt("PGMCP_CONNECTION_TIMEOUT_MS", c.ConnectionTimeoutMS)
	c.HealthCheckTimeoutMS = getEnvInt("PGMCP_HEALTH_CHECK_TIMEOUT_MS", c.HealthCheckTimeoutMS)

	c.MaxConnections = getEnvInt("PGMCP_MAX_CONNECTIONS", c.MaxConnections)
	c.MinConnections = getEnvInt("PGMCP_MIN_CONNECTIONS", c.MinConnections)
	c.ConnectionTTLMS = getEnvInt("PGMCP_CONNECTION_TTL_MS", c.ConnectionTTLMS)
	c.IdleTimeoutMS = getEnvInt("PGMCP_IDLE_TIMEOUT_MS", c.IdleTimeoutMS)
	c.ValidateOnBorrow = getEnvBool("PGMCP_VALIDATE_ON_BORROW", c.ValidateOnBorrow)

	c.CircuitFailureThreshold = getEnvInt("PGMCP_CIRCUIT_FAILURE_THRESHOLD", c.CircuitFailureThreshold)
	c.CircuitFailureWindowMS = getEnvInt("PGMCP_CIRCUIT_FAILURE_WINDOW_MS", c.CircuitFailureWindowMS)
	c.CircuitOpenDurationMS = getEnvInt("PGMCP_CIRCUIT_OPEN_DURATION_MS", c.CircuitOpenDurationMS)
	c.CircuitRecoveryThresh = getEnvInt("PGMCP_CIRCUIT_RECOVERY_THRESHOLD", c.CircuitRecoveryThresh)

	c.HealthCheckIntervalMS = getEnvInt("PGMCP_HEALTH_CHECK_INTERVAL_MS", c.HealthCheckIntervalMS)
	c.HealthDegradedIntervalMS = getEnvInt("PGMCP_HEALTH_DEGRADED_INTERVAL_MS", c.HealthDegradedIntervalMS)

	c.AdaptiveTimeout = getEnvBool("PGMCP_ADAPTIVE_TIMEOUT", c.AdaptiveTimeout)
	c.MinTimeoutMS = getEnvInt("PGMCP_MIN_TIMEOUT_MS", c.MinTimeoutMS)
	c.MaxTimeoutMS = getEnvInt("PGMCP_MAX_TIMEOUT_MS", c.MaxTimeoutMS)

	c.DefaultRowLimit = getEnvInt("PGMCP_DEFAULT_ROW_LIMIT", c.DefaultRowLimit)
	c.AdminListenAddr = getEnv("PGMCP_ADMIN_LISTEN_ADDR", c.AdminListenAddr)

	if v := os.Getenv("PGMCP_BLACKLIST_TABLES"); v != "" {
		c.BlacklistTables = splitList(v)
	}
	if v := os.Getenv("PGMCP_BLACKLIST_COLUMNS"); v != "" {
		c.BlacklistColumns = splitList(v)
	}
}

// Validate rejects configurations the gateway cannot operate under.
func (c *Config) Validate() error {
	if c.MinTimeoutMS <= 0 || c.MaxTimeoutMS <= 0 {
		return fmt.Errorf("config: timeout clamps must be positive (min=%d, max=%d)", c.MinTimeoutMS, c.MaxTimeoutMS)
	}
	if c.MinTimeoutMS > c.MaxTimeoutMS {
		return fmt.Errorf("config: min_timeout_ms %d exceeds max_timeout_ms %d", c.MinTimeoutMS, c.MaxTimeoutMS)
	}
	if c.BaseTimeoutMS <= 0 {
		return fmt.Errorf("config: base_timeout_ms must be positive, got %d", c.BaseTimeoutMS)
	}
	if c.ConnectionTimeoutMS <= 0 {
		return fmt.Errorf("config: connection_timeout_ms must be positive, got %d", c.ConnectionTimeoutMS)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return fmt.Errorf("config: min_connections %d out of range [0, %d]", c.MinConnections, c.MaxConnections)
	}
	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("config: circuit_failure_threshold must be positive, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitRecoveryThresh <= 0 {
		return fmt.Errorf("config: circuit_recovery_threshold must be positive, got %d", c.CircuitRecoveryThresh)
	}
	if c.CircuitFailureWindowMS <= 0 || c.CircuitOpenDurationMS <= 0 {
		return fmt.Errorf("config: circuit window and open duration must be positive")
	}
	return nil
}

// DSN builds the lib/pq connection string. An explicit connection_string
// takes precedence over the individual fields.
func (c *Config) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	parts := []string{
		fmt.Sprintf("host=%s", c.Host),
		fmt.Sprintf("port=%d", c.Port),
		fmt.Sprintf("dbname=%s", c.Database),
		fmt.Sprintf("user=%s", c.User),
		fmt.Sprintf("sslmode=%s", c.SSLMode),
	}
	if c.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.Password))
	}
	// connect_timeout is seconds in libpq; round up so a 2000ms budget
	// becomes 2s, not 1s
	secs := (c.ConnectionTimeoutMS + 999) / 1000
	parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	return strings.Join(parts, " ")
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
