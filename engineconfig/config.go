// Package engineconfig loads the plan engine's settings from a YAML file and
// the environment. Environment variables win over the file; anything still
// unset afterwards takes the value from Defaults.
package engineconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/contenox/planengine/libbus"
	"github.com/contenox/planengine/libkvstore"
	"github.com/contenox/planengine/planvalidator"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config keys double as environment variable names: DATABASE_URL sets
// database_url. Numbers and booleans arrive as strings from the environment,
// hence the ",string" json options.
type Config struct {
	DatabaseDriver string `json:"database_driver" yaml:"databaseDriver"`
	DatabaseURL    string `json:"database_url" yaml:"databaseUrl"`

	NATSURL      string `json:"nats_url" yaml:"natsUrl"`
	NATSUser     string `json:"nats_user" yaml:"natsUser"`
	NATSPassword string `json:"nats_password" yaml:"natsPassword"`

	KVAddr     string `json:"kv_addr" yaml:"kvAddr"`
	KVPassword string `json:"kv_password" yaml:"kvPassword"`
	LockTTL    string `json:"lock_ttl" yaml:"lockTtl"`

	OllamaURL      string `json:"ollama_url" yaml:"ollamaUrl"`
	OllamaModel    string `json:"ollama_model" yaml:"ollamaModel"`
	AdvisorTimeout string `json:"advisor_timeout" yaml:"advisorTimeout"`

	MaxRetries         int    `json:"max_retries,string" yaml:"maxRetries"`
	ApprovalTTL        string `json:"approval_ttl" yaml:"approvalTtl"`
	ApprovalSweep      string `json:"approval_sweep_interval" yaml:"approvalSweepInterval"`
	EventHistorySize   int    `json:"event_history_size,string" yaml:"eventHistorySize"`
	MaxSteps           int    `json:"max_steps,string" yaml:"maxSteps"`
	ForceApprovalTools string `json:"force_approval_tools" yaml:"forceApprovalTools"`
	RiskTolerance      string `json:"risk_tolerance" yaml:"riskTolerance"`
	StopOnFailure      bool   `json:"stop_on_failure,string" yaml:"stopOnFailure"`
	LogLevel           string `json:"log_level" yaml:"logLevel"`
}

func Defaults() Config {
	return Config{
		DatabaseDriver:   DriverSQLite,
		DatabaseURL:      ".planengine/plans.db",
		LockTTL:          "30s",
		OllamaURL:        "http://127.0.0.1:11434",
		AdvisorTimeout:   "30s",
		MaxRetries:       3,
		ApprovalTTL:      "24h",
		ApprovalSweep:    "1m",
		EventHistorySize: 100,
		MaxSteps:         planvalidator.DefaultMaxSteps,
		RiskTolerance:    string(planvalidator.RiskToleranceMedium),
		LogLevel:         "info",
	}
}

// Load reads path (if not empty), applies the environment on top, fills in
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML file into cfg.
func LoadFile[T any](path string, cfg *T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadConfig decodes the environment into cfg by matching lowercased variable
// names against json keys. Empty variables are treated as unset.
func LoadConfig[T any](cfg *T) error {
	if cfg == nil {
		return fmt.Errorf("config pointer is nil")
	}
	config := map[string]string{}
	for _, kvPair := range os.Environ() {
		ar := strings.SplitN(kvPair, "=", 2)
		if len(ar) < 2 || ar[1] == "" {
			continue
		}
		config[strings.ToLower(ar[0])] = ar[1]
	}

	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal env vars: %w", err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal into config struct: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	switch planvalidator.RiskTolerance(c.RiskTolerance) {
	case planvalidator.RiskToleranceLow, planvalidator.RiskToleranceMedium, planvalidator.RiskToleranceHigh:
	default:
		return fmt.Errorf("unknown risk tolerance %q", c.RiskTolerance)
	}
	if c.MaxRetries < 0 || c.MaxSteps < 0 || c.EventHistorySize < 0 {
		return fmt.Errorf("max_retries, max_steps and event_history_size must not be negative")
	}
	for name, v := range map[string]string{
		"lock_ttl":                c.LockTTL,
		"advisor_timeout":         c.AdvisorTimeout,
		"approval_ttl":            c.ApprovalTTL,
		"approval_sweep_interval": c.ApprovalSweep,
	} {
		if _, err := parseDuration(name, v); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, v)
	}
	return d, nil
}

// Duration accessors assume Validate passed and fall back to the default
// otherwise.
func (c *Config) duration(v, def string) time.Duration {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(def)
	return d
}

func (c *Config) LockTTLDuration() time.Duration {
	return c.duration(c.LockTTL, Defaults().LockTTL)
}

func (c *Config) AdvisorTimeoutDuration() time.Duration {
	return c.duration(c.AdvisorTimeout, Defaults().AdvisorTimeout)
}

func (c *Config) ApprovalTTLDuration() time.Duration {
	return c.duration(c.ApprovalTTL, Defaults().ApprovalTTL)
}

func (c *Config) ApprovalSweepInterval() time.Duration {
	return c.duration(c.ApprovalSweep, Defaults().ApprovalSweep)
}

// Constraints are the validation limits planners are held to by default.
func (c *Config) Constraints() planvalidator.Constraints {
	return planvalidator.Constraints{
		MaxSteps:           c.MaxSteps,
		ForceApprovalTools: splitAndTrim(c.ForceApprovalTools, ","),
		RiskTolerance:      planvalidator.RiskTolerance(c.RiskTolerance),
	}
}

// BusConfig returns nil when no NATS server is configured.
func (c *Config) BusConfig() *libbus.Config {
	if c.NATSURL == "" {
		return nil
	}
	return &libbus.Config{NATSURL: c.NATSURL, NATSUser: c.NATSUser, NATSPassword: c.NATSPassword}
}

// KVConfig returns nil when no Valkey server is configured.
func (c *Config) KVConfig() *libkvstore.Config {
	if c.KVAddr == "" {
		return nil
	}
	return &libkvstore.Config{KVAddr: c.KVAddr, KVPassword: c.KVPassword}
}

// SlogLevel maps log_level onto slog; unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// AdvisorEnabled reports whether recovery decisions go to a model.
func (c *Config) AdvisorEnabled() bool {
	return c.OllamaURL != "" && c.OllamaModel != ""
}

// splitAndTrim splits s by sep and trims each element.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
