package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
environment: dev
remote:
  baseUrl: https://remote.example.com/api/
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("SYNCTRACK_TEST_SECRET", "s3cret")
	path := writeConfig(t, `
environment: STAGING
database:
  driver: Postgres
  dsn: postgresql://localhost:5432/synctrack?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  maxConnIdleTime: 10m
  healthCheckPeriod: 1m
  runMigrations: true
remote:
  baseUrl: https://remote.example.com/api/
  timeout: 5s
  maxAttempts: 4
  ratePerSecond: 20
  burst: 5
  oauth:
    clientId: sync
    clientSecret: ${SYNCTRACK_TEST_SECRET}
    tokenUrl: https://auth.example.com/token
    scopes: [sync.write]
  form:
    id: consent
    versionId: v3
retry:
  interval: 30s
  maxRetryCount: 3
  batchSize: 10
ingestion:
  feeds: [kits, " kits-returns "]
  pullInterval: 5m
  partitionSize: 25
  workers: 8
apiServer:
  addr: ":9999"
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
  enableMetrics: false
logging:
  level: DEBUG
  format: console
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.Database.Driver)
	}
	if cfg.Database.MaxConns != 32 || cfg.Database.MinConns != 4 {
		t.Fatalf("unexpected pool sizing %d/%d", cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	if cfg.Database.MaxConnLifetime != 45*time.Minute {
		t.Fatalf("expected database maxConnLifetime 45m, got %s", cfg.Database.MaxConnLifetime)
	}
	if !cfg.Database.RunMigrations {
		t.Fatalf("expected database runMigrations to be true")
	}
	if cfg.Remote.BaseURL != "https://remote.example.com/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.OAuth.ClientSecret != "s3cret" {
		t.Fatalf("expected client secret from environment, got %q", cfg.Remote.OAuth.ClientSecret)
	}
	if cfg.Remote.MaxAttempts != 4 || cfg.Remote.Timeout != 5*time.Second {
		t.Fatalf("unexpected remote tuning %+v", cfg.Remote)
	}
	if cfg.Remote.Form.CacheTTL != 6*time.Hour {
		t.Fatalf("expected default form cache ttl, got %s", cfg.Remote.Form.CacheTTL)
	}
	if cfg.Retry.MaxRetryCount != 3 || cfg.Retry.Interval != 30*time.Second {
		t.Fatalf("unexpected retry config %+v", cfg.Retry)
	}
	if got := strings.Join(cfg.Ingestion.Feeds, ","); got != "kits,kits-returns" {
		t.Fatalf("unexpected feeds %q", got)
	}
	if cfg.Ingestion.ProcessInterval != time.Minute {
		t.Fatalf("expected default process interval, got %s", cfg.Ingestion.ProcessInterval)
	}
	if cfg.Ingestion.MaxBatchRetries != 5 {
		t.Fatalf("expected default maxBatchRetries 5, got %d", cfg.Ingestion.MaxBatchRetries)
	}
	if workers := cfg.Ingestion.Workers.Count(); workers != 8 {
		t.Fatalf("expected 8 workers, got %d", workers)
	}
	if cfg.APIServer.Addr != ":9999" {
		t.Fatalf("expected api server addr :9999, got %s", cfg.APIServer.Addr)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Database.DSN != "postgresql://localhost:5432/synctrack" {
		t.Fatalf("unexpected default dsn %q", cfg.Database.DSN)
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("unexpected default addr %q", cfg.APIServer.Addr)
	}
	if cfg.Retry.MaxRetryCount != 5 || cfg.Retry.BatchSize != 128 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Ingestion.PartitionSize != 50 {
		t.Fatalf("unexpected partition size %d", cfg.Ingestion.PartitionSize)
	}
	if cfg.Ingestion.Workers.Count() != defaultWorkers {
		t.Fatalf("expected default workers")
	}
	if cfg.Telemetry.ServiceName != "synctrack" {
		t.Fatalf("unexpected service name %q", cfg.Telemetry.ServiceName)
	}
}

func TestWorkersAuto(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "ingestion:\n  workers: auto\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	expected := runtime.NumCPU()
	if expected <= 0 {
		expected = defaultWorkers
	}
	if workers := cfg.Ingestion.Workers.Count(); workers != expected {
		t.Fatalf("expected workers %d, got %d", expected, workers)
	}
}

func TestWorkersRejectsInvalid(t *testing.T) {
	for _, value := range []string{"0", "-2", "many"} {
		if _, err := Parse([]byte(minimalYAML + "ingestion:\n  workers: " + value + "\n")); err == nil {
			t.Fatalf("expected error for workers %q", value)
		}
	}
	if Workers(0).Count() != defaultWorkers || Workers(3).Count() != 3 {
		t.Fatalf("unexpected explicit worker settings")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]string{
		"environment":     "environment: qa\nremote:\n  baseUrl: https://x.example.com\n",
		"remote":          "environment: dev\n",
		"relative url":    "environment: dev\nremote:\n  baseUrl: /api\n",
		"memory in prod":  "environment: prod\ndatabase:\n  driver: memory\nremote:\n  baseUrl: https://x.example.com\n",
		"driver":          "environment: dev\ndatabase:\n  driver: sqlite\nremote:\n  baseUrl: https://x.example.com\n",
		"token url":       "environment: dev\nremote:\n  baseUrl: https://x.example.com\n  oauth:\n    clientId: a\n",
		"form pair":       "environment: dev\nremote:\n  baseUrl: https://x.example.com\n  form:\n    id: consent\n",
		"logging format":  "environment: dev\nremote:\n  baseUrl: https://x.example.com\nlogging:\n  format: xml\n",
		"duplicate feeds": "environment: dev\nremote:\n  baseUrl: https://x.example.com\ningestion:\n  feeds: [a, a]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMemoryDriverSkipsDSN(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "database:\n  driver: memory\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected empty dsn for memory driver, got %q", cfg.Database.DSN)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("SYNCTRACK_DATABASE_DSN", "postgresql://sync:secret@db:5432/synctrack")
	t.Setenv("SYNCTRACK_CLIENT_ID", "syncd")
	t.Setenv("SYNCTRACK_CLIENT_SECRET", "s3cret")

	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.Database.DSN != "postgresql://sync:secret@db:5432/synctrack" {
		t.Fatalf("dsn not expanded: %q", cfg.Database.DSN)
	}
	if cfg.Remote.OAuth.ClientID != "syncd" || cfg.Remote.OAuth.ClientSecret != "s3cret" {
		t.Fatalf("oauth credentials not expanded: %+v", cfg.Remote.OAuth)
	}
	if len(cfg.Ingestion.Feeds) != 1 || cfg.Ingestion.Feeds[0] != "order-status" {
		t.Fatalf("unexpected feeds %v", cfg.Ingestion.Feeds)
	}
	if cfg.Ingestion.Workers.Count() <= 0 {
		t.Fatalf("workers must resolve to a positive count")
	}
}
