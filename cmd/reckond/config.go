package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/tasks"
)

// Store drivers.
const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverRedis    = "redis"
	driverMongo    = "mongo"
)

// config is the daemon configuration. It is read from a YAML file and
// then overlaid with RECKON_* environment variables.
type config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Store storeConfig `yaml:"store"`

	Engine reckon.Config `yaml:"engine"`

	Timeouts   map[job.Type]time.Duration `yaml:"timeouts"`
	TypeLimits []queue.TypeConfig         `yaml:"type_limits"`
	OrgLimits  []queue.OrgConfig          `yaml:"org_limits"`

	Matching   reconcile.Options       `yaml:"matching"`
	Objects    tasks.ObjectStoreConfig `yaml:"objects"`
	Compliance tasks.ComplianceRules   `yaml:"compliance"`
	Categories []tasks.Rule            `yaml:"categories"`
}

type storeConfig struct {
	Driver string `yaml:"driver"`

	PostgresDSN string `yaml:"postgres_dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

func defaultConfig() config {
	var cfg config
	cfg.HTTP.Addr = ":8080"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Store.Driver = driverMemory
	cfg.Store.RedisAddr = "127.0.0.1:6379"
	cfg.Store.MongoDatabase = "reckon"
	cfg.Engine = reckon.DefaultConfig()
	cfg.Matching = reconcile.DefaultOptions()
	return cfg
}

// loadConfig reads path (when non-empty) over the defaults, then applies
// environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *config) error {
	cfg.HTTP.Addr = getenv("RECKON_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Log.Level = getenv("RECKON_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("RECKON_LOG_FORMAT", cfg.Log.Format)

	cfg.Store.Driver = getenv("RECKON_STORE", cfg.Store.Driver)
	cfg.Store.PostgresDSN = getenv("RECKON_POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Store.RedisAddr = getenv("RECKON_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = getenv("RECKON_REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.MongoURI = getenv("RECKON_MONGO_URI", cfg.Store.MongoURI)
	cfg.Store.MongoDatabase = getenv("RECKON_MONGO_DATABASE", cfg.Store.MongoDatabase)

	cfg.Objects.Endpoint = getenv("RECKON_S3_ENDPOINT", cfg.Objects.Endpoint)
	cfg.Objects.AccessKey = getenv("RECKON_S3_ACCESS_KEY", cfg.Objects.AccessKey)
	cfg.Objects.SecretKey = getenv("RECKON_S3_SECRET_KEY", cfg.Objects.SecretKey)
	cfg.Objects.Bucket = getenv("RECKON_S3_BUCKET", cfg.Objects.Bucket)

	var err error
	if cfg.Store.RedisDB, err = getenvInt("RECKON_REDIS_DB", cfg.Store.RedisDB); err != nil {
		return err
	}
	if cfg.Engine.Concurrency, err = getenvInt("RECKON_CONCURRENCY", cfg.Engine.Concurrency); err != nil {
		return err
	}
	if cfg.Engine.MaxAttempts, err = getenvInt("RECKON_MAX_ATTEMPTS", cfg.Engine.MaxAttempts); err != nil {
		return err
	}
	if cfg.Engine.VisibilityTimeout, err = getenvDuration("RECKON_VISIBILITY_TIMEOUT", cfg.Engine.VisibilityTimeout); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("RECKON_S3_USE_SSL"); ok {
		useSSL, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RECKON_S3_USE_SSL: %w", err)
		}
		cfg.Objects.UseSSL = useSSL
	}
	return nil
}

func (c *config) validate() error {
	switch c.Store.Driver {
	case driverMemory:
	case driverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn (RECKON_POSTGRES_DSN) is required when the store driver is %s", driverPostgres)
		}
	case driverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr (RECKON_REDIS_ADDR) is required when the store driver is %s", driverRedis)
		}
	case driverMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri (RECKON_MONGO_URI) is required when the store driver is %s", driverMongo)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1, got %d", c.Engine.Concurrency)
	}
	for t := range c.Timeouts {
		if !t.Valid() {
			return fmt.Errorf("timeouts: unknown job type %q", t)
		}
	}
	for _, l := range c.TypeLimits {
		if !l.Type.Valid() {
			return fmt.Errorf("type_limits: unknown job type %q", l.Type)
		}
	}
	return nil
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Log.Format)
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
