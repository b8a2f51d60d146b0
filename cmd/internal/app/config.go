package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DevUser seeds the in-memory people store when no database is configured.
type DevUser struct {
	ID     int64   `yaml:"id"`
	Name   string  `yaml:"name"`
	Blocks []int64 `yaml:"blocks"`
}

// Config contains all runtime configuration.
//
// Values come from defaults, then the optional YAML file named by DMROOM_CONFIG_FILE,
// then DMROOM_* environment variables (highest precedence).
type Config struct {
	HTTPAddr  string `yaml:"httpAddr"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes    int           `yaml:"maxHeaderBytes"`

	// UserHeader carries the authenticated requester id set by the upstream proxy.
	UserHeader string `yaml:"userHeader"`

	DatabaseURL   string `yaml:"databaseURL"`
	DBMaxConns    int32  `yaml:"dbMaxConns"`
	DBMinConns    int32  `yaml:"dbMinConns"`
	DBSchema      string `yaml:"dbSchema"`
	DBApplySchema bool   `yaml:"dbApplySchema"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readinessRequireDB"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisStream   string `yaml:"redisStream"`
	RedisGroup    string `yaml:"redisGroup"`

	NotifyConcurrency int           `yaml:"notifyConcurrency"`
	NotifyMaxRetries  int           `yaml:"notifyMaxRetries"`
	NotifyQueueSize   int           `yaml:"notifyQueueSize"`
	NotifyTimeout     time.Duration `yaml:"notifyTimeout"`
	NotifyRetryDelay  time.Duration `yaml:"notifyRetryDelay"`

	WSAllowedOrigins []string      `yaml:"wsAllowedOrigins"`
	WSOriginRequired bool          `yaml:"wsOriginRequired"`
	WSHeartbeat      time.Duration `yaml:"wsHeartbeat"`

	MetricsEnabled bool `yaml:"metricsEnabled"`

	DevUsers []DevUser `yaml:"devUsers"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		UserHeader: "X-User-ID",

		DBMaxConns: 10,
		DBSchema:   "dm",

		RedisStream: "dmroom:notifications",
		RedisGroup:  "dmroom-notify",

		NotifyConcurrency: 2,
		NotifyMaxRetries:  5,
		NotifyQueueSize:   1024,
		NotifyTimeout:     2 * time.Second,
		NotifyRetryDelay:  2 * time.Second,

		WSAllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		WSOriginRequired: true,
		WSHeartbeat:      25 * time.Second,

		MetricsEnabled: true,
	}
}

// LoadConfig builds Config from defaults, the optional YAML file, and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("DMROOM_CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// applyEnv overrides cfg with DMROOM_* variables; current values act as defaults.
func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("DMROOM_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("DMROOM_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("DMROOM_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("DMROOM_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("DMROOM_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("DMROOM_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("DMROOM_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("DMROOM_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.UserHeader = EnvString("DMROOM_USER_HEADER", cfg.UserHeader)

	cfg.DatabaseURL = EnvString("DMROOM_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("DMROOM_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("DMROOM_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("DMROOM_DB_SCHEMA", cfg.DBSchema)
	cfg.DBApplySchema = EnvBool("DMROOM_DB_APPLY_SCHEMA", cfg.DBApplySchema)
	cfg.ReadinessRequireDB = EnvBool("DMROOM_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.RedisAddr = EnvString("DMROOM_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = EnvString("DMROOM_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisStream = EnvString("DMROOM_REDIS_STREAM", cfg.RedisStream)
	cfg.RedisGroup = EnvString("DMROOM_REDIS_GROUP", cfg.RedisGroup)

	cfg.NotifyConcurrency = EnvInt("DMROOM_NOTIFY_CONCURRENCY", cfg.NotifyConcurrency)
	cfg.NotifyMaxRetries = EnvInt("DMROOM_NOTIFY_MAX_RETRIES", cfg.NotifyMaxRetries)
	cfg.NotifyQueueSize = EnvInt("DMROOM_NOTIFY_QUEUE_SIZE", cfg.NotifyQueueSize)
	cfg.NotifyTimeout = EnvDuration("DMROOM_NOTIFY_TIMEOUT", cfg.NotifyTimeout)
	cfg.NotifyRetryDelay = EnvDuration("DMROOM_NOTIFY_RETRY_DELAY", cfg.NotifyRetryDelay)

	cfg.WSAllowedOrigins = EnvCSV("DMROOM_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSOriginRequired = EnvBool("DMROOM_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSHeartbeat = EnvDuration("DMROOM_WS_HEARTBEAT_INTERVAL", cfg.WSHeartbeat)

	cfg.MetricsEnabled = EnvBool("DMROOM_METRICS_ENABLED", cfg.MetricsEnabled)
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return fmt.Errorf("config: httpAddr is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: logFormat must be json or pretty, got %q", cfg.LogFormat)
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		return fmt.Errorf("config: dbMinConns (%d) exceeds dbMaxConns (%d)", cfg.DBMinConns, cfg.DBMaxConns)
	}
	if cfg.NotifyTimeout <= 0 {
		return fmt.Errorf("config: notifyTimeout must be positive")
	}
	for _, u := range cfg.DevUsers {
		if u.ID <= 0 {
			return fmt.Errorf("config: devUsers id must be positive, got %d", u.ID)
		}
	}
	return nil
}
