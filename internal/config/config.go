package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nv262-lab/vaa-research/internal/drift"
	"github.com/nv262-lab/vaa-research/internal/governance"
	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
)

const DefaultPolicyPath = "policies/vaa.yaml"

type Config struct {
	PolicyPath  string             `yaml:"policy_path"`
	DB          DBConfig           `yaml:"db"`
	Log         LogConfig          `yaml:"log"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Concurrency int                `yaml:"concurrency"`
	Drift       drift.Options      `yaml:"drift"`
	Governance  governance.Options `yaml:"governance"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
}

// DBConfig selects the ledger backend. An empty driver keeps the ledger in
// memory for the life of the process.
type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

type ScheduleConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Window     time.Duration `yaml:"window"`
	DriftKinds []string      `yaml:"drift_kinds"`
}

// envOverlay lists the settings operators override per deployment.
type envOverlay struct {
	PolicyPath       string        `env:"VAA_POLICY_PATH"`
	DBDriver         string        `env:"VAA_DB_DRIVER"`
	DBDSN            string        `env:"VAA_DB_DSN"`
	LogLevel         string        `env:"VAA_LOG_LEVEL"`
	LogFormat        string        `env:"VAA_LOG_FORMAT"`
	TelemetryEnabled *bool         `env:"VAA_TELEMETRY_ENABLED"`
	OTLPEndpoint     string        `env:"VAA_OTLP_ENDPOINT"`
	ServiceName      string        `env:"VAA_SERVICE_NAME"`
	Concurrency      int           `env:"VAA_CONCURRENCY"`
	ScheduleInterval time.Duration `env:"VAA_SCHEDULE_INTERVAL"`
	ScheduleWindow   time.Duration `env:"VAA_SCHEDULE_WINDOW"`
}

func Default() Config {
	return Config{
		PolicyPath:  DefaultPolicyPath,
		Log:         LogConfig{Level: "info", Format: "text"},
		Telemetry:   TelemetryConfig{ServiceName: "vaa", SampleRate: 1},
		Concurrency: 4,
		Drift:       drift.DefaultOptions(),
		Governance:  governance.DefaultOptions(),
		Schedule:    ScheduleConfig{Interval: time.Hour, Window: 24 * time.Hour},
	}
}

// Load reads path with ${VAR} expansion, applies the VAA_* environment
// overlay and validates the result.
func Load(path string) (Config, error) {
	return LoadEnv(path, Environ())
}

// LoadEnv is Load against an explicit environment. An empty path starts
// from the defaults.
func LoadEnv(path string, environment map[string]string) (Config, error) {
	cfg, err := ReadEnv(path, environment)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ReadEnv is LoadEnv without validation, for callers that layer further
// overrides on top and validate once at the end.
func ReadEnv(path string, environment map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}

		expanded := os.Expand(string(raw), func(key string) string { return environment[key] })
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(environment); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(environment map[string]string) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Environment: environment}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.PolicyPath, o.PolicyPath)
	set(&c.DB.Driver, o.DBDriver)
	set(&c.DB.DSN, o.DBDSN)
	set(&c.Log.Level, o.LogLevel)
	set(&c.Log.Format, o.LogFormat)
	set(&c.Telemetry.OTLPEndpoint, o.OTLPEndpoint)
	set(&c.Telemetry.ServiceName, o.ServiceName)
	if o.TelemetryEnabled != nil {
		c.Telemetry.Enabled = *o.TelemetryEnabled
	}
	if o.Concurrency != 0 {
		c.Concurrency = o.Concurrency
	}
	if o.ScheduleInterval != 0 {
		c.Schedule.Interval = o.ScheduleInterval
	}
	if o.ScheduleWindow != 0 {
		c.Schedule.Window = o.ScheduleWindow
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.PolicyPath == "" {
		errs = append(errs, fmt.Errorf("policy_path is required"))
	}
	if c.DB.Driver != "" && !strings.EqualFold(c.DB.Driver, "memory") {
		if _, err := ledger.ParseDriver(c.DB.Driver); err != nil {
			errs = append(errs, fmt.Errorf("db.driver: %w", err))
		}
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("db.dsn is required when db.driver is set"))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0, 1]"))
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative"))
	}
	if c.Schedule.Interval < 0 || c.Schedule.Window < 0 {
		errs = append(errs, fmt.Errorf("schedule.interval and schedule.window must not be negative"))
	}
	if err := c.Drift.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Governance.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TelemetryOptions maps the telemetry section onto telemetry.Config.
func (c Config) TelemetryOptions(version string) telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = c.Telemetry.Enabled
	out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	out.Insecure = c.Telemetry.Insecure
	if c.Telemetry.ServiceName != "" {
		out.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.Environment != "" {
		out.Environment = c.Telemetry.Environment
	}
	if c.Telemetry.SampleRate > 0 {
		out.SampleRate = c.Telemetry.SampleRate
	}
	if version != "" {
		out.ServiceVersion = version
	}
	return out
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
