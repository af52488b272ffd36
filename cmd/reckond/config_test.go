package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/reckon/job"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reckon.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store.Driver != driverMemory {
		t.Errorf("driver = %q, want %q", cfg.Store.Driver, driverMemory)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Engine.Concurrency != 10 || cfg.Engine.VisibilityTimeout != 30*time.Second {
		t.Errorf("engine defaults not applied: %+v", cfg.Engine)
	}
	if cfg.Matching.MinScore != 0.6 {
		t.Errorf("matching min score = %v, want 0.6", cfg.Matching.MinScore)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
store:
  driver: postgres
  postgres_dsn: postgres://localhost/reckon
engine:
  concurrency: 4
  visibility_timeout: 45s
timeouts:
  OCR: 2m
type_limits:
  - type: REPORTING
    max_concurrency: 1
matching:
  min_score: 0.75
compliance:
  threshold: "10000.00"
  require_reference: true
categories:
  - category: Travel
    keywords: [airline, taxi]
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Store.Driver != driverPostgres || cfg.Store.PostgresDSN == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Engine.Concurrency != 4 || cfg.Engine.VisibilityTimeout != 45*time.Second {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", cfg.Engine.MaxAttempts)
	}
	if cfg.Timeouts[job.TypeOCR] != 2*time.Minute {
		t.Errorf("OCR timeout = %v, want 2m", cfg.Timeouts[job.TypeOCR])
	}
	if len(cfg.TypeLimits) != 1 || cfg.TypeLimits[0].Type != job.TypeReporting {
		t.Errorf("type limits = %+v", cfg.TypeLimits)
	}
	if cfg.Matching.MinScore != 0.75 || cfg.Matching.DateTolerance != 3 {
		t.Errorf("matching = %+v", cfg.Matching)
	}
	if cfg.Compliance.Threshold.String() != "10000" || !cfg.Compliance.RequireReference {
		t.Errorf("compliance = %+v", cfg.Compliance)
	}
	if len(cfg.Categories) != 1 || len(cfg.Categories[0].Keywords) != 2 {
		t.Errorf("categories = %+v", cfg.Categories)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\nengine:\n  concurrency: 4\n")
	t.Setenv("RECKON_STORE", "redis")
	t.Setenv("RECKON_REDIS_ADDR", "redis:6379")
	t.Setenv("RECKON_REDIS_DB", "2")
	t.Setenv("RECKON_CONCURRENCY", "16")
	t.Setenv("RECKON_VISIBILITY_TIMEOUT", "1m")
	t.Setenv("RECKON_S3_USE_SSL", "true")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store.Driver != driverRedis || cfg.Store.RedisAddr != "redis:6379" || cfg.Store.RedisDB != 2 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Engine.Concurrency != 16 {
		t.Errorf("concurrency = %d, want 16", cfg.Engine.Concurrency)
	}
	if cfg.Engine.VisibilityTimeout != time.Minute {
		t.Errorf("visibility = %v, want 1m", cfg.Engine.VisibilityTimeout)
	}
	if !cfg.Objects.UseSSL {
		t.Error("expected UseSSL from env")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{"unknown driver", "store:\n  driver: cassandra\n", nil, "unsupported store driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", nil, "postgres_dsn"},
		{"mongo without uri", "store:\n  driver: mongo\n", nil, "mongo_uri"},
		{"zero concurrency", "engine:\n  concurrency: 0\n", nil, "concurrency"},
		{"unknown timeout type", "timeouts:\n  PAINTING: 1s\n", nil, "unknown job type"},
		{"bad env int", "", map[string]string{"RECKON_CONCURRENCY": "lots"}, "RECKON_CONCURRENCY"},
		{"bad yaml", "engine: [", nil, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := defaultConfig()
	for _, format := range []string{"json", "text"} {
		cfg.Log.Format = format
		if _, err := newLogger(cfg); err != nil {
			t.Errorf("format %s: %v", format, err)
		}
	}
	cfg.Log.Format = "xml"
	if _, err := newLogger(cfg); err == nil {
		t.Error("expected an error for an unknown format")
	}
	cfg.Log.Format = "json"
	cfg.Log.Level = "chatty"
	if _, err := newLogger(cfg); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
