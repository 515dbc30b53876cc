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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.BaseTimeoutMS != 10000 {
		t.Errorf("base_timeout_ms = %d, want 10000", cfg.BaseTimeoutMS)
	}
	if cfg.ConnectionTimeoutMS != 2000 {
		t.Errorf("connection_timeout_ms = %d, want 2000", cfg.ConnectionTimeoutMS)
	}
	if cfg.HealthCheckTimeoutMS != 2000 {
		t.Errorf("health_check_timeout_ms = %d, want 2000", cfg.HealthCheckTimeoutMS)
	}
	if cfg.MaxConnections != 5 || cfg.MinConnections != 1 {
		t.Errorf("pool = %d/%d, want 5/1", cfg.MaxConnections, cfg.MinConnections)
	}
	if cfg.ConnectionTTLMS != 300000 {
		t.Errorf("connection_ttl_ms = %d, want 300000", cfg.ConnectionTTLMS)
	}
	if cfg.IdleTimeoutMS != 60000 {
		t.Errorf("idle_timeout_ms = %d, want 60000", cfg.IdleTimeoutMS)
	}
	if !cfg.ValidateOnBorrow {
		t.Error("validate_on_borrow should default to true")
	}
	if cfg.CircuitFailureThreshold != 5 || cfg.CircuitFailureWindowMS != 60000 ||
		cfg.CircuitOpenDurationMS != 30000 || cfg.CircuitRecoveryThresh != 2 {
		t.Error("circuit defaults do not match 5/60000/30000/2")
	}
	if cfg.HealthCheckIntervalMS != 30000 || cfg.HealthDegradedIntervalMS != 5000 {
		t.Error("health interval defaults do not match 30000/5000")
	}
	if !cfg.AdaptiveTimeout || cfg.MinTimeoutMS != 2000 || cfg.MaxTimeoutMS != 30000 {
		t.Error("adaptive timeout defaults do not match true/2000/30000")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	body := `
host: db.internal
port: 5433
database: appdb
max_connections: 10
circuit_failure_threshold: 3
adaptive_timeout: false
blacklist_tables:
  - secrets
  - api_keys
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "db.internal" || cfg.Port != 5433 || cfg.Database != "appdb" {
		t.Errorf("connection fields not loaded: %+v", cfg)
	}
	if cfg.MaxConnections != 10 {
		t.Errorf("max_connections = %d, want 10", cfg.MaxConnections)
	}
	if cfg.CircuitFailureThreshold != 3 {
		t.Errorf("circuit_failure_threshold = %d, want 3", cfg.CircuitFailureThreshold)
	}
	if cfg.AdaptiveTimeout {
		t.Error("adaptive_timeout should be false")
	}
	// Untouched keys keep defaults
	if cfg.BaseTimeoutMS != 10000 {
		t.Errorf("base_timeout_ms = %d, want default 10000", cfg.BaseTimeoutMS)
	}
	if len(cfg.BlacklistTables) != 2 || cfg.BlacklistTables[0] != "secrets" {
		t.Errorf("blacklist_tables = %v", cfg.BlacklistTables)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PGMCP_HOST", "env-host")
	t.Setenv("PGMCP_BASE_TIMEOUT_MS", "15000")
	t.Setenv("PGMCP_VALIDATE_ON_BORROW", "false")
	t.Setenv("PGMCP_BLACKLIST_COLUMNS", "password, ssn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "env-host" {
		t.Errorf("host = %q, want env-host", cfg.Host)
	}
	if cfg.BaseTimeoutMS != 15000 {
		t.Errorf("base_timeout_ms = %d, want 15000", cfg.BaseTimeoutMS)
	}
	if cfg.ValidateOnBorrow {
		t.Error("validate_on_borrow should be overridden to false")
	}
	if len(cfg.BlacklistColumns) != 2 || cfg.BlacklistColumns[1] != "ssn" {
		t.Errorf("blacklist_columns = %v", cfg.BlacklistColumns)
	}
}

func TestPGMCPWinsOverLibpqEnv(t *testing.T) {
	t.Setenv("PGHOST", "libpq-host")
	t.Setenv("PGMCP_HOST", "pgmcp-host")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "pgmcp-host" {
		t.Errorf("host = %q, want pgmcp-host", cfg.Host)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("host: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above max", func(c *Config) { c.MinTimeoutMS = 40000 }},
		{"zero base timeout", func(c *Config) { c.BaseTimeoutMS = 0 }},
		{"zero connect timeout", func(c *Config) { c.ConnectionTimeoutMS = 0 }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"min connections above max", func(c *Config) { c.MinConnections = 9 }},
		{"zero failure threshold", func(c *Config) { c.CircuitFailureThreshold = 0 }},
		{"zero recovery threshold", func(c *Config) { c.CircuitRecoveryThresh = 0 }},
		{"zero open duration", func(c *Config) { c.CircuitOpenDurationMS = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDSN(t *testing.T) {
	cfg := Default()
	cfg.Host = "db.example.com"
	cfg.Password = "hunter2"

	dsn := cfg.DSN()
	for _, want := range []string{"host=db.example.com", "port=5432", "dbname=postgres", "password=hunter2", "sslmode=disable", "connect_timeout=2"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN missing %q: %s", want, dsn)
		}
	}

	cfg.ConnectionString = "postgres://u:p@h/db"
	if cfg.DSN() != "postgres://u:p@h/db" {
		t.Error("explicit connection_string should take precedence")
	}
}

func TestDSNConnectTimeoutRoundsUp(t *testing.T) {
	cfg := Default()
	cfg.ConnectionTimeoutMS = 2500
	if !strings.Contains(cfg.DSN(), "connect_timeout=3") {
		t.Errorf("expected connect_timeout=3 for 2500ms, got %s", cfg.DSN())
	}
}
