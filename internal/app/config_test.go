package app

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
listen: ":9090"
auth_tokens: ["tok-a"]
queue:
  max_depth: 500
  max_attempts: 5
load:
  poll_interval: 2s
batch:
  low_load_threshold: 40
  high_load_threshold: 90
  cooldown: 10s
  min_size: 2
  max_size: 40
timeout:
  min: 5s
  max: 60s
  multiplier: 2.5
  fallback: 20s
  max_samples: 10
journal:
  backend: sqlite
  retention: 72h
dispatcher:
  workers: 8
  poll_interval: 50ms
connectors:
  - name: ehr-epic
    url: https://epic.example/fhir/Bundle
    method: POST
operations:
  - name: fhir-sync
    default_batch_size: 10
    connector: ehr-epic
    interval: 2s
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Queue.MaxDepth != 500 || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("queue config: %+v", cfg.Queue)
	}
	if cfg.Load.PollInterval.Duration != 2*time.Second {
		t.Fatalf("poll interval: %s", cfg.Load.PollInterval)
	}
	if cfg.Timeout.Multiplier != 2.5 {
		t.Fatalf("multiplier: %v", cfg.Timeout.Multiplier)
	}
	if cfg.Journal.Backend != "sqlite" {
		t.Fatalf("backend: %q", cfg.Journal.Backend)
	}
	if cfg.Journal.Retention.Duration != 72*time.Hour {
		t.Fatalf("retention: %s", cfg.Journal.Retention)
	}
	if len(cfg.Operations) != 1 || cfg.Operations[0].Connector != "ehr-epic" {
		t.Fatalf("operations: %+v", cfg.Operations)
	}

	if res := cfg.Validate(); !res.OK {
		t.Fatalf("expected valid config: %v", res.Errors)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("default listen = %q", cfg.Listen)
	}
	if cfg.Queue.MaxDepth != 10000 || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if cfg.Batch.LowLoadThreshold != 50 || cfg.Batch.HighLoadThreshold != 80 {
		t.Fatalf("batch defaults: %+v", cfg.Batch)
	}
	if cfg.Timeout.Fallback.Duration != 60*time.Second {
		t.Fatalf("timeout fallback: %s", cfg.Timeout.Fallback)
	}
	if cfg.Journal.Backend != "memory" {
		t.Fatalf("journal default: %q", cfg.Journal.Backend)
	}
	if res := cfg.Validate(); !res.OK {
		t.Fatalf("defaults must validate: %v", res.Errors)
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	if _, err := ParseConfig([]byte("listne: \":8080\"\n")); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	if _, err := ParseConfig([]byte("load:\n  poll_interval: soon\n")); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestValidateErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"empty listen", func(c *Config) { c.Listen = " " }, "listen"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"zero depth", func(c *Config) { c.Queue.MaxDepth = 0 }, "max_depth"},
		{"inverted thresholds", func(c *Config) { c.Batch.LowLoadThreshold = 90; c.Batch.HighLoadThreshold = 50 }, "thresholds"},
		{"inverted timeout bounds", func(c *Config) { c.Timeout.Min = Duration{2 * time.Minute}; c.Timeout.Max = Duration{time.Minute} }, "timeout bounds"},
		{"bad backend", func(c *Config) { c.Journal.Backend = "redis" }, "journal.backend"},
		{"negative retention", func(c *Config) { c.Journal.Retention = Duration{-time.Hour} }, "journal.retention"},
		{"zero workers", func(c *Config) { c.Dispatcher.Workers = 0 }, "workers"},
		{
			"relative connector url",
			func(c *Config) { c.Connectors = []ConnectorConfig{{Name: "x", URL: "/fhir"}} },
			"url must be absolute",
		},
		{
			"unknown operation connector",
			func(c *Config) {
				c.Operations = []OperationConfig{{Name: "sync", DefaultBatchSize: 5, Connector: "missing"}}
			},
			"unknown connector",
		},
		{
			"duplicate operation",
			func(c *Config) {
				c.Operations = []OperationConfig{
					{Name: "sync", DefaultBatchSize: 5},
					{Name: "sync", DefaultBatchSize: 5},
				}
			},
			"duplicate",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(&cfg)
			res := cfg.Validate()
			if res.OK {
				t.Fatalf("expected validation failure")
			}
			found := false
			for _, e := range res.Errors {
				if strings.Contains(e, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected error containing %q, got %v", tc.want, res.Errors)
			}
		})
	}
}

func TestValidateWarnsOnMissingAuth(t *testing.T) {
	cfg := DefaultConfig()
	res := cfg.Validate()
	if !res.OK {
		t.Fatalf("expected valid config: %v", res.Errors)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "unauthenticated") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unauthenticated warning, got %v", res.Warnings)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VITALQ_LISTEN", ":7070")
	t.Setenv("VITALQ_AUTH_TOKEN", "env-token")

	cfg := DefaultConfig()
	cfg.applyEnv()
	if cfg.Listen != ":7070" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if len(cfg.AuthTokens) != 1 || cfg.AuthTokens[0] != "env-token" {
		t.Fatalf("auth tokens: %v", cfg.AuthTokens)
	}
}
