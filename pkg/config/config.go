package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence. DSN also backs the LISTEN/NOTIFY
// update channel, since both ride the same Postgres connection family.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig controls the Redis connection backing the ordered log
// (Streams), rate limiter (sorted sets), and proof-of-work used-set.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// PoWConfig controls proof-of-work admission gating.
type PoWConfig struct {
	Bypass          bool `json:"bypass" env:"POW_BYPASS"`
	ChallengeTTLSec int  `json:"challenge_ttl_seconds" env:"POW_CHALLENGE_TTL_SECONDS"`
	BaseDifficulty  int  `json:"base_difficulty" env:"POW_BASE_DIFFICULTY"`
}

// RateLimitConfig holds the rate-limiter settings. Only Bypass is read by
// the binaries; the limiter's tier limits and windows are fixed in
// internal/ratelimit and are not taken from the other fields.
type RateLimitConfig struct {
	Bypass              bool `json:"bypass" env:"RATE_LIMIT_BYPASS"`
	BurstLimit          int  `json:"burst_limit" env:"RATE_LIMIT_BURST_LIMIT"`
	BurstWindowSeconds  int  `json:"burst_window_seconds" env:"RATE_LIMIT_BURST_WINDOW_SECONDS"`
	SustainedLimit      int  `json:"sustained_limit" env:"RATE_LIMIT_SUSTAINED_LIMIT"`
	SustainedWindowSec  int  `json:"sustained_window_seconds" env:"RATE_LIMIT_SUSTAINED_WINDOW_SECONDS"`
	BlocklistTTLSeconds int  `json:"blocklist_ttl_seconds" env:"RATE_LIMIT_BLOCKLIST_TTL_SECONDS"`
}

// ReducerConfig controls the single-instance reducer's consumption loop.
type ReducerConfig struct {
	ConsumerGroup string `json:"consumer_group" env:"REDUCER_CONSUMER_GROUP"`
	BatchSize     int    `json:"batch_size" env:"REDUCER_BATCH_SIZE"`
	BackoffBase   string `json:"backoff_base" env:"REDUCER_BACKOFF_BASE"`
	BackoffCap    string `json:"backoff_cap" env:"REDUCER_BACKOFF_CAP"`
	MaxAttempts   int    `json:"max_attempts" env:"REDUCER_MAX_ATTEMPTS"`
}

// SweeperConfig controls the idle sweeper's cron schedule.
type SweeperConfig struct {
	Interval string `json:"interval" env:"SWEEPER_INTERVAL"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Config is the top-level configuration structure shared by every cmd/ binary.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	PoW       PoWConfig       `json:"pow"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Reducer   ReducerConfig   `json:"reducer"`
	Sweeper   SweeperConfig   `json:"sweeper"`
	Logging   LoggingConfig   `json:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		PoW: PoWConfig{
			ChallengeTTLSec: 30,
			BaseDifficulty:  4,
		},
		RateLimit: RateLimitConfig{
			BurstLimit:          1,
			BurstWindowSeconds:  1,
			SustainedLimit:      10,
			SustainedWindowSec:  60,
			BlocklistTTLSeconds: 300,
		},
		Reducer: ReducerConfig{
			ConsumerGroup: "button-reducer",
			BatchSize:     256,
			BackoffBase:   "1s",
			BackoffCap:    "30s",
			MaxAttempts:   3,
		},
		Sweeper: SweeperConfig{
			Interval: "@every 30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePrefix: "pulsebutton",
		},
	}
}

// ConnectionString returns DSN when one is set (for example from
// DATABASE_URL) and otherwise builds a PostgreSQL connection string from
// the host parameters.
func (c DatabaseConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDatabaseURLOverride lets container platforms inject a single
// connection string (DATABASE_URL) instead of per-field env vars. The same
// DSN backs the LISTEN/NOTIFY update channel.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// validate refuses to start with a dangerous bypass toggle enabled in production.
func (c *Config) validate() error {
	if c == nil {
		return nil
	}
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("RUNTIME_MODE")))
	if mode == "prod" {
		if c.PoW.Bypass {
			return fmt.Errorf("config: POW_BYPASS cannot be enabled when RUNTIME_MODE=prod")
		}
		if c.RateLimit.Bypass {
			return fmt.Errorf("config: RATE_LIMIT_BYPASS cannot be enabled when RUNTIME_MODE=prod")
		}
	}
	return nil
}
