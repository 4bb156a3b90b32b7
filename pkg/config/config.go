package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/draftsync/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRAFTSYNC_"

// Config is the configuration of a draftsync process.
type Config struct {
	// API configures the remote challenge and resource services.
	API APIConfig `yaml:"api"`

	// Sync configures patch scheduling.
	Sync SyncConfig `yaml:"sync"`

	// Catalog lists the reference data sources.
	Catalog CatalogConfig `yaml:"catalog"`

	// Policy configures the commit policy gate.
	Policy PolicyConfig `yaml:"policy"`

	// Store configures the local checkpoint database.
	Store StoreConfig `yaml:"store"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// APIConfig configures the HTTP client of the persistence service.
type APIConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// RequestsPerSecond limits outgoing requests; zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// SyncConfig configures the synchronization scheduler.
type SyncConfig struct {
	// QuietInterval is the debounce window of partial updates.
	QuietInterval time.Duration `yaml:"quiet_interval" validate:"gt=0"`

	// TickInterval is how often due patches are looked for.
	TickInterval time.Duration `yaml:"tick_interval" validate:"gt=0,ltefield=QuietInterval"`

	// EventRetention bounds the age of the stored sync event log; zero keeps everything.
	EventRetention time.Duration `yaml:"event_retention" validate:"gte=0"`
}

// CatalogConfig lists reference data files or directories.
type CatalogConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`
	Watch bool     `yaml:"watch"`
}

// PolicyConfig configures the commit policy gate.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths" validate:"dive,required"`
	Watch   bool     `yaml:"watch"`
}

// StoreConfig configures the checkpoint database.
type StoreConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:8080",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Sync: SyncConfig{
			QuietInterval:  3 * time.Second,
			TickInterval:   500 * time.Millisecond,
			EventRetention: 7 * 24 * time.Hour,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Watch:   true,
		},
		Store: StoreConfig{
			Path:            "draftsync.db",
			MaxOpenConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Server: ServerConfig{
			ListenAddress:   ":8090",
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// DefaultFor returns the defaults with the telemetry profile of environment
// (development or production). An empty environment is the same as Default.
func DefaultFor(environment string) (*Config, error) {
	tel, err := telemetry.ForEnvironment(environment)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Telemetry = *tel
	return cfg, nil
}

// Load reads the YAML file at path over the defaults of the DRAFTSYNC_ENV
// environment, applies DRAFTSYNC_* overrides and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg, err := DefaultFor(os.Getenv(EnvPrefix + "ENV"))
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Malformed values are errors.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("API_BASE_URL", &c.API.BaseURL)
	e.str("API_TOKEN", &c.API.Token)
	e.duration("API_TIMEOUT", &c.API.Timeout)
	e.float("API_RPS", &c.API.RequestsPerSecond)
	e.int("API_BURST", &c.API.Burst)

	e.duration("QUIET_INTERVAL", &c.Sync.QuietInterval)
	e.duration("TICK_INTERVAL", &c.Sync.TickInterval)
	e.duration("EVENT_RETENTION", &c.Sync.EventRetention)

	e.list("CATALOG_PATHS", &c.Catalog.Paths)
	e.bool("CATALOG_WATCH", &c.Catalog.Watch)

	e.bool("POLICY_ENABLED", &c.Policy.Enabled)
	e.list("POLICY_PATHS", &c.Policy.Paths)

	e.str("STORE_PATH", &c.Store.Path)

	e.str("LISTEN_ADDR", &c.Server.ListenAddress)
	e.list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)

	e.str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	e.str("LOG_FORMAT", &c.Telemetry.Logging.Format)
	e.str("EVENTS_MIN_LEVEL", &c.Telemetry.Events.MinLevel)
	e.bool("METRICS_ENABLED", &c.Telemetry.Metrics.Enabled)
	e.str("METRICS_ADDR", &c.Telemetry.Metrics.ListenAddress)
	e.bool("TRACING_ENABLED", &c.Telemetry.Tracing.Enabled)
	e.str("TRACING_EXPORTER", &c.Telemetry.Tracing.Exporter)
	e.str("TRACING_ENDPOINT", &c.Telemetry.Tracing.Endpoint)

	return errors.Join(e.errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration, reporting every failing field.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed on the %q rule", fe.Namespace(), fe.Tag()))
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s%s value %q: %w", EnvPrefix, key, value, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
