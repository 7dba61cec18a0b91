// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

const defaultWorkers = 4

// WorkerSetting accepts either a positive integer or the symbols "auto" and "default".
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{kind: workerDefault}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = workerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = workerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = workerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	s.kind = workerExplicit
	s.value = val
	return nil
}

// Count returns the effective worker count.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultWorkers
	default:
		return defaultWorkers
	}
}

// APIServerConfig configures the admin and intake HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig controls state store connectivity and migration behaviour.
type DatabaseConfig struct {
	Driver            DatabaseDriver `yaml:"driver"`
	DSN               string         `yaml:"dsn"`
	MaxConns          int32          `yaml:"maxConns"`
	MinConns          int32          `yaml:"minConns"`
	MaxConnLifetime   time.Duration  `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration  `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration  `yaml:"healthCheckPeriod"`
	RunMigrations     bool           `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = DatabaseDriver(strings.ToLower(strings.TrimSpace(string(c.Driver))))
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Driver == DriverPostgres {
		c.DSN = "postgresql://localhost:5432/synctrack"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("driver must be postgres or memory")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// OAuthConfig holds client-credentials settings for the remote authority.
type OAuthConfig struct {
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	TokenURL     string   `yaml:"tokenUrl"`
	Scopes       []string `yaml:"scopes"`
}

// FormConfig names the form version secondary contacts are submitted against.
type FormConfig struct {
	ID        string        `yaml:"id"`
	VersionID string        `yaml:"versionId"`
	CacheTTL  time.Duration `yaml:"cacheTtl"`
	CacheSize int           `yaml:"cacheSize"`
}

// RemoteConfig configures the HTTP collaborators.
type RemoteConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	Burst          int           `yaml:"burst"`
	AuditCapacity  int           `yaml:"auditCapacity"`
	OAuth          OAuthConfig   `yaml:"oauth"`
	Form           FormConfig    `yaml:"form"`
}

func (c *RemoteConfig) applyDefaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = 256
	}
	c.OAuth.ClientID = strings.TrimSpace(c.OAuth.ClientID)
	c.OAuth.TokenURL = strings.TrimSpace(c.OAuth.TokenURL)
	c.Form.ID = strings.TrimSpace(c.Form.ID)
	c.Form.VersionID = strings.TrimSpace(c.Form.VersionID)
	if c.Form.CacheTTL <= 0 {
		c.Form.CacheTTL = 6 * time.Hour
	}
	if c.Form.CacheSize <= 0 {
		c.Form.CacheSize = 64
	}
}

func (c RemoteConfig) validate() error {
	u, err := url.Parse(c.BaseURL)
	if c.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("baseUrl must be an absolute url")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("ratePerSecond must be >=0")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("maxBackoff must be >= initialBackoff")
	}
	if c.OAuth.ClientID != "" && c.OAuth.TokenURL == "" {
		return fmt.Errorf("oauth tokenUrl required when clientId set")
	}
	if (c.Form.ID == "") != (c.Form.VersionID == "") {
		return fmt.Errorf("form id and versionId must be set together")
	}
	return nil
}

// RetryConfig drives the retry sweep.
type RetryConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxRetryCount int           `yaml:"maxRetryCount"`
	BatchSize     int           `yaml:"batchSize"`
}

// IngestionConfig drives the checkpointed feed pulls and batch processing.
type IngestionConfig struct {
	Feeds           []string      `yaml:"feeds"`
	PullInterval    time.Duration `yaml:"pullInterval"`
	ProcessInterval time.Duration `yaml:"processInterval"`
	PartitionSize   int           `yaml:"partitionSize"`
	MaxBatchRetries int           `yaml:"maxBatchRetries"`
	BatchLimit      int           `yaml:"batchLimit"`
	Workers         WorkerSetting `yaml:"workers"`
}

// AppConfig is the unified synctrack configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Database    DatabaseConfig  `yaml:"database"`
	Remote      RemoteConfig    `yaml:"remote"`
	Retry       RetryConfig     `yaml:"retry"`
	Ingestion   IngestionConfig `yaml:"ingestion"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Load reads and validates an AppConfig from the provided YAML file.
// ${VAR} references are expanded from the environment before parsing.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates raw YAML.
func Parse(raw []byte) (AppConfig, error) {
	expanded := os.ExpandEnv(string(raw))
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "synctrack"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Retry.Interval <= 0 {
		c.Retry.Interval = time.Minute
	}
	if c.Retry.MaxRetryCount <= 0 {
		c.Retry.MaxRetryCount = 5
	}
	if c.Retry.BatchSize <= 0 {
		c.Retry.BatchSize = 128
	}

	feeds := make([]string, 0, len(c.Ingestion.Feeds))
	seen := make(map[string]struct{}, len(c.Ingestion.Feeds))
	for _, feed := range c.Ingestion.Feeds {
		trimmed := strings.TrimSpace(feed)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			return fmt.Errorf("duplicate ingestion feed %q", trimmed)
		}
		seen[trimmed] = struct{}{}
		feeds = append(feeds, trimmed)
	}
	c.Ingestion.Feeds = feeds
	if c.Ingestion.PullInterval <= 0 {
		c.Ingestion.PullInterval = 15 * time.Minute
	}
	if c.Ingestion.ProcessInterval <= 0 {
		c.Ingestion.ProcessInterval = time.Minute
	}
	if c.Ingestion.PartitionSize <= 0 {
		c.Ingestion.PartitionSize = 50
	}
	if c.Ingestion.MaxBatchRetries <= 0 {
		c.Ingestion.MaxBatchRetries = 5
	}
	if c.Ingestion.BatchLimit <= 0 {
		c.Ingestion.BatchLimit = 32
	}

	c.Remote.applyDefaults()
	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Environment == EnvProd && c.Database.Driver == DriverMemory {
		return fmt.Errorf("database driver memory not allowed in prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	if c.Retry.MaxRetryCount <= 0 {
		return fmt.Errorf("retry maxRetryCount must be >0")
	}
	if c.Ingestion.Workers.Count() <= 0 {
		return fmt.Errorf("ingestion workers must be >0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Remote.validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
