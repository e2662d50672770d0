package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/webqx/vitalq/internal/secrets"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

type Config struct {
	Listen     string   `yaml:"listen"`
	AuthTokens []string `yaml:"auth_tokens"`
	// AuthTokenRefs holds secret references (env:NAME, file:/path, raw:v)
	// resolved at startup and on reload.
	AuthTokenRefs []string `yaml:"auth_token_refs"`

	Log       LogConfig       `yaml:"log"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Tracing   TracingConfig   `yaml:"tracing"`

	Queue      QueueConfig      `yaml:"queue"`
	Load       LoadConfig       `yaml:"load"`
	Batch      BatchConfig      `yaml:"batch"`
	Timeout    TimeoutConfig    `yaml:"timeout"`
	Journal    JournalConfig    `yaml:"journal"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	Connectors []ConnectorConfig `yaml:"connectors"`
	Operations []OperationConfig `yaml:"operations"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	Path   string `yaml:"path"`
}

type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Collector string            `yaml:"collector"`
	Insecure  bool              `yaml:"insecure"`
	Headers   map[string]string `yaml:"headers"`
}

type QueueConfig struct {
	MaxDepth    int `yaml:"max_depth"`
	MaxAttempts int `yaml:"max_attempts"`
}

type LoadConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	CPUWeight    float64  `yaml:"cpu_weight"`
	MemoryWeight float64  `yaml:"memory_weight"`
}

type BatchConfig struct {
	LowLoadThreshold  float64  `yaml:"low_load_threshold"`
	HighLoadThreshold float64  `yaml:"high_load_threshold"`
	Cooldown          Duration `yaml:"cooldown"`
	MinSize           int      `yaml:"min_size"`
	MaxSize           int      `yaml:"max_size"`
}

type TimeoutConfig struct {
	Min        Duration `yaml:"min"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
	Fallback   Duration `yaml:"fallback"`
	MaxSamples int      `yaml:"max_samples"`
}

type JournalConfig struct {
	// Backend selects where terminal outcomes are persisted:
	// memory (default), sqlite or postgres.
	Backend  string `yaml:"backend"`
	Capacity int    `yaml:"capacity"`
	// Retention bounds record age. Records finished longer ago than this
	// are pruned by a periodic sweep; zero keeps records forever (the
	// memory backend is still bounded by capacity).
	Retention Duration `yaml:"retention"`
}

type DispatcherConfig struct {
	Workers      int      `yaml:"workers"`
	PollInterval Duration `yaml:"poll_interval"`
}

// ConnectorConfig names one upstream system. The connector name doubles as
// the adaptive-timeout endpoint key.
type ConnectorConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Method string `yaml:"method"`
}

// OperationConfig declares one batched ingest operation.
type OperationConfig struct {
	Name             string   `yaml:"name"`
	DefaultBatchSize int      `yaml:"default_batch_size"`
	Connector        string   `yaml:"connector"`
	Interval         Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Output: "stderr",
		},
		Queue: QueueConfig{
			MaxDepth:    10000,
			MaxAttempts: 3,
		},
		Load: LoadConfig{
			PollInterval: Duration{5 * time.Second},
			CPUWeight:    0.5,
			MemoryWeight: 0.5,
		},
		Batch: BatchConfig{
			LowLoadThreshold:  50,
			HighLoadThreshold: 80,
			Cooldown:          Duration{30 * time.Second},
			MinSize:           1,
			MaxSize:           100,
		},
		Timeout: TimeoutConfig{
			Min:        Duration{30 * time.Second},
			Max:        Duration{120 * time.Second},
			Multiplier: 2.0,
			Fallback:   Duration{60 * time.Second},
			MaxSamples: 20,
		},
		Journal: JournalConfig{
			Backend:  "memory",
			Capacity: 10000,
		},
		Dispatcher: DispatcherConfig{
			Workers:      4,
			PollInterval: Duration{100 * time.Millisecond},
		},
	}
}

// ParseConfig decodes a YAML document over the defaults. Unknown fields are
// rejected so typos surface at startup instead of silently using defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers environment overrides on top of the file. Secrets belong
// here, not in the file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("VITALQ_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("VITALQ_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("VITALQ_AUTH_TOKEN")); v != "" {
		c.AuthTokens = append(c.AuthTokens, v)
	}
	if v := strings.TrimSpace(os.Getenv("VITALQ_TRACING_COLLECTOR")); v != "" {
		c.Tracing.Collector = v
		c.Tracing.Enabled = true
	}
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (c Config) Validate() ValidationResult {
	var res ValidationResult

	fail := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Listen) == "" {
		fail("listen must not be empty")
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}
	if c.Queue.MaxDepth <= 0 {
		fail("queue.max_depth must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		fail("queue.max_attempts must be positive")
	}
	if c.Load.PollInterval.Duration <= 0 {
		fail("load.poll_interval must be positive")
	}
	if c.Load.CPUWeight < 0 || c.Load.MemoryWeight < 0 || c.Load.CPUWeight+c.Load.MemoryWeight <= 0 {
		fail("load weights must be non-negative and sum to a positive value")
	}
	if c.Batch.LowLoadThreshold < 0 || c.Batch.HighLoadThreshold > 100 ||
		c.Batch.LowLoadThreshold >= c.Batch.HighLoadThreshold {
		fail("batch thresholds must satisfy 0 <= low < high <= 100")
	}
	if c.Batch.MinSize < 1 || c.Batch.MaxSize < c.Batch.MinSize {
		fail("batch sizes must satisfy 1 <= min_size <= max_size")
	}
	if c.Timeout.Min.Duration <= 0 || c.Timeout.Max.Duration < c.Timeout.Min.Duration {
		fail("timeout bounds must satisfy 0 < min <= max")
	}
	if c.Timeout.Multiplier <= 0 {
		fail("timeout.multiplier must be positive")
	}
	if c.Timeout.MaxSamples <= 0 {
		fail("timeout.max_samples must be positive")
	}

	switch c.Journal.Backend {
	case "memory", "sqlite", "postgres":
	default:
		fail("journal.backend must be memory|sqlite|postgres, got %q", c.Journal.Backend)
	}
	if c.Journal.Backend == "memory" && c.Journal.Capacity <= 0 {
		fail("journal.capacity must be positive for the memory backend")
	}
	if c.Journal.Retention.Duration < 0 {
		fail("journal.retention must not be negative")
	}
	if c.Dispatcher.Workers <= 0 {
		fail("dispatcher.workers must be positive")
	}

	connectors := make(map[string]struct{}, len(c.Connectors))
	for i, conn := range c.Connectors {
		name := strings.TrimSpace(conn.Name)
		if name == "" {
			fail("connectors[%d]: name must not be empty", i)
			continue
		}
		if _, dup := connectors[name]; dup {
			fail("connectors[%d]: duplicate name %q", i, name)
			continue
		}
		connectors[name] = struct{}{}
		u, err := url.Parse(conn.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			fail("connectors[%d] (%s): url must be absolute", i, name)
		} else if u.Scheme == "http" {
			warn("connectors[%d] (%s): url is not https", i, name)
		}
	}

	operations := make(map[string]struct{}, len(c.Operations))
	for i, op := range c.Operations {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			fail("operations[%d]: name must not be empty", i)
			continue
		}
		if _, dup := operations[name]; dup {
			fail("operations[%d]: duplicate name %q", i, name)
			continue
		}
		operations[name] = struct{}{}
		if op.DefaultBatchSize < 1 {
			fail("operations[%d] (%s): default_batch_size must be positive", i, name)
		}
		if op.Connector != "" {
			if _, ok := connectors[op.Connector]; !ok {
				fail("operations[%d] (%s): unknown connector %q", i, name, op.Connector)
			}
		}
	}

	for i, ref := range c.AuthTokenRefs {
		if err := secrets.ValidateRef(ref); err != nil {
			fail("auth_token_refs[%d]: %v", i, err)
		}
	}
	if len(c.AuthTokens) == 0 && len(c.AuthTokenRefs) == 0 {
		warn("auth_tokens is empty: the admin API is unauthenticated")
	}

	res.OK = len(res.Errors) == 0
	return res
}

func FormatValidationText(res ValidationResult) string {
	var b strings.Builder
	if res.OK {
		b.WriteString("config ok")
	} else {
		b.WriteString("config invalid")
	}
	for _, e := range res.Errors {
		b.WriteString("\nerror: ")
		b.WriteString(e)
	}
	for _, w := range res.Warnings {
		b.WriteString("\nwarning: ")
		b.WriteString(w)
	}
	return b.String()
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
