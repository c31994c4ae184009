// Package config loads the callflow service configuration: defaults, then
// an optional YAML file, then CALLFLOW_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/notify"
	"github.com/inimical023/callflow/recording"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLFLOW_"

// Config is the full service configuration.
type Config struct {
	Engine     callflow.Config  `yaml:"engine"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	CRM        CRMConfig        `yaml:"crm"`
	Recordings recording.Config `yaml:"recordings"`
	Admin      AdminConfig      `yaml:"admin"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	// Audit writes workflow lifecycle audit records to the log.
	Audit bool `yaml:"audit"`
}

// StoreConfig selects the backend holding dedup marks, workflow state,
// dead letters and the leadership lease.
type StoreConfig struct {
	// Driver is one of memory, redis, postgres, bun, mongo, sqlite.
	Driver string `yaml:"driver"`
	// DSN is the connection string. For redis it is a redis:// URL, for
	// mongo a mongodb:// URI.
	DSN string `yaml:"dsn"`
	// Database names the mongo database.
	Database string `yaml:"database"`
	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Driver is memory or redis.
	Driver string `yaml:"driver"`
	// URL is the redis:// URL of the broker.
	URL string `yaml:"url"`
	// Codec is json or msgpack.
	Codec  string `yaml:"codec"`
	Prefix string `yaml:"prefix"`
	// AckTimeout is how long a delivery may stay unacknowledged before
	// another consumer claims it.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	MaxLen     int64         `yaml:"max_len"`
}

// ClusterConfig configures leadership for the ingestion poller.
type ClusterConfig struct {
	// Holder identifies this instance. Defaults to the host name.
	Holder   string        `yaml:"holder"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// Kubernetes uses a coordination.k8s.io Lease instead of the store.
	Kubernetes bool   `yaml:"kubernetes"`
	Namespace  string `yaml:"namespace"`
	LeaseName  string `yaml:"lease_name"`
}

// CRMConfig bounds calls to the CRM.
type CRMConfig struct {
	// RateLimit is the sustained requests per second. Zero disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	ServiceName    string        `yaml:"service_name"`
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// IngestConfig configures the call-log poller.
type IngestConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"`
	Lookback    time.Duration `yaml:"lookback"`
	Extensions  []string      `yaml:"extensions"`
	Concurrency int           `yaml:"concurrency"`
	// Filter is a CEL expression over the call.
	Filter string `yaml:"filter"`
}

// NotifyConfig configures lead_processed notifications.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Sender is log or smtp.
	Sender     string                     `yaml:"sender"`
	Recipients []string                   `yaml:"recipients"`
	SMTP       notify.SMTPConfig          `yaml:"smtp"`
	Templates  map[string]notify.Template `yaml:"templates"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Engine: callflow.DefaultConfig(),
		Log:    LogConfig{Level: "info", Format: "json"},
		Store:  StoreConfig{Driver: "memory", Database: "callflow", Prefix: "callflow"},
		Bus: BusConfig{
			Driver:     "memory",
			Codec:      "json",
			Prefix:     "callflow",
			AckTimeout: time.Minute,
			MaxLen:     100_000,
		},
		Cluster: ClusterConfig{
			LeaseTTL:  15 * time.Second,
			Namespace: "default",
			LeaseName: "callflow-leader",
		},
		CRM:        CRMConfig{RateLimit: 5, Burst: 10},
		Recordings: recording.Config{Backend: "memory"},
		Admin:      AdminConfig{Enabled: true, Addr: ":8080", JWTIssuer: "callflow"},
		Telemetry: TelemetryConfig{
			ServiceName:    "callflow",
			SampleRate:     1,
			ExportInterval: 15 * time.Second,
		},
		Ingest: IngestConfig{
			Schedule:    "@every 5m",
			Lookback:    24 * time.Hour,
			Concurrency: 4,
		},
		Notify: NotifyConfig{Enabled: true, Sender: "log"},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "redis", "postgres", "bun", "mongo", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if c.Bus.URL == "" {
			errs = append(errs, errors.New("bus.url is required for the redis bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q is not supported", c.Bus.Driver))
	}
	if c.Bus.Codec != "json" && c.Bus.Codec != "msgpack" {
		errs = append(errs, fmt.Errorf("bus.codec %q is not supported", c.Bus.Codec))
	}
	if c.Engine.Concurrency < 1 {
		errs = append(errs, errors.New("engine.concurrency must be positive"))
	}
	if c.Engine.Retry.DefaultMaxAttempts < 1 {
		errs = append(errs, errors.New("engine.retry.default_max_attempts must be positive"))
	}
	if c.Engine.DedupLease >= c.Engine.DedupTTL {
		errs = append(errs, errors.New("engine.dedup_lease must be shorter than engine.dedup_ttl"))
	}
	if c.Engine.DedupPurgeInterval < 0 {
		errs = append(errs, errors.New("engine.dedup_purge_interval must not be negative"))
	}
	if c.Ingest.Enabled && len(c.Ingest.Extensions) == 0 {
		errs = append(errs, errors.New("ingest.extensions is required when ingest is enabled"))
	}
	if c.Notify.Enabled && c.Notify.Sender == "smtp" && c.Notify.SMTP.Host == "" {
		errs = append(errs, errors.New("notify.smtp.host is required for the smtp sender"))
	}
	if c.Notify.Sender != "log" && c.Notify.Sender != "smtp" {
		errs = append(errs, fmt.Errorf("notify.sender %q is not supported", c.Notify.Sender))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Environment
// ──────────────────────────────────────────────────

type envVar struct {
	name string
	set  func(*Config, string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func list(dst func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envVars = []envVar{
	{"ENGINE_CONCURRENCY", integer(func(c *Config) *int { return &c.Engine.Concurrency })},
	{"ENGINE_HANDLER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Engine.HandlerTimeout })},
	{"ENGINE_CALL_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Engine.CallTimeout })},
	{"ENGINE_DEDUP_TTL", duration(func(c *Config) *time.Duration { return &c.Engine.DedupTTL })},
	{"ENGINE_DEDUP_PURGE_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Engine.DedupPurgeInterval })},
	{"ENGINE_CONSUMER_GROUP", str(func(c *Config) *string { return &c.Engine.ConsumerGroup })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"LOG_AUDIT", boolean(func(c *Config) *bool { return &c.Log.Audit })},
	{"STORE_DRIVER", str(func(c *Config) *string { return &c.Store.Driver })},
	{"STORE_DSN", str(func(c *Config) *string { return &c.Store.DSN })},
	{"STORE_DATABASE", str(func(c *Config) *string { return &c.Store.Database })},
	{"BUS_DRIVER", str(func(c *Config) *string { return &c.Bus.Driver })},
	{"BUS_URL", str(func(c *Config) *string { return &c.Bus.URL })},
	{"BUS_CODEC", str(func(c *Config) *string { return &c.Bus.Codec })},
	{"CLUSTER_HOLDER", str(func(c *Config) *string { return &c.Cluster.Holder })},
	{"CLUSTER_KUBERNETES", boolean(func(c *Config) *bool { return &c.Cluster.Kubernetes })},
	{"CLUSTER_NAMESPACE", str(func(c *Config) *string { return &c.Cluster.Namespace })},
	{"RECORDINGS_BACKEND", str(func(c *Config) *string { return &c.Recordings.Backend })},
	{"RECORDINGS_BUCKET", str(func(c *Config) *string { return &c.Recordings.Bucket })},
	{"RECORDINGS_REGION", str(func(c *Config) *string { return &c.Recordings.Region })},
	{"RECORDINGS_ENDPOINT", str(func(c *Config) *string { return &c.Recordings.Endpoint })},
	{"ADMIN_ENABLED", boolean(func(c *Config) *bool { return &c.Admin.Enabled })},
	{"ADMIN_ADDR", str(func(c *Config) *string { return &c.Admin.Addr })},
	{"ADMIN_JWT_SECRET", str(func(c *Config) *string { return &c.Admin.JWTSecret })},
	{"TELEMETRY_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Endpoint })},
	{"TELEMETRY_INSECURE", boolean(func(c *Config) *bool { return &c.Telemetry.Insecure })},
	{"INGEST_ENABLED", boolean(func(c *Config) *bool { return &c.Ingest.Enabled })},
	{"INGEST_SCHEDULE", str(func(c *Config) *string { return &c.Ingest.Schedule })},
	{"INGEST_EXTENSIONS", list(func(c *Config) *[]string { return &c.Ingest.Extensions })},
	{"INGEST_FILTER", str(func(c *Config) *string { return &c.Ingest.Filter })},
	{"NOTIFY_ENABLED", boolean(func(c *Config) *bool { return &c.Notify.Enabled })},
	{"NOTIFY_SENDER", str(func(c *Config) *string { return &c.Notify.Sender })},
	{"NOTIFY_RECIPIENTS", list(func(c *Config) *[]string { return &c.Notify.Recipients })},
	{"NOTIFY_SMTP_HOST", str(func(c *Config) *string { return &c.Notify.SMTP.Host })},
	{"NOTIFY_SMTP_USERNAME", str(func(c *Config) *string { return &c.Notify.SMTP.Username })},
	{"NOTIFY_SMTP_PASSWORD", str(func(c *Config) *string { return &c.Notify.SMTP.Password })},
	{"NOTIFY_SMTP_FROM", str(func(c *Config) *string { return &c.Notify.SMTP.From })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
