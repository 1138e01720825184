package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env        string        `yaml:"env"`
	Addr       string        `yaml:"addr"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	JWTSecret  string        `yaml:"jwt_secret"`

	OperatorEmail    string `yaml:"operator_email"`
	OperatorPassword string `yaml:"operator_password"`

	CORSOrigins []string `yaml:"cors_origins"`

	KVDriver    string `yaml:"kv_driver"`
	KVDSN       string `yaml:"kv_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`

	GeneratorURL    string        `yaml:"generator_url"`
	GeneratorAPIKey string        `yaml:"generator_api_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxRuns         int           `yaml:"max_runs"`
}

func defaults() Config {
	return Config{
		Env:              "development",
		Addr:             ":8080",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       14 * 24 * time.Hour,
		JWTSecret:        "dev-change-me",
		OperatorEmail:    "operator@studio.local",
		OperatorPassword: "studio123456",
		CORSOrigins:      []string{"http://localhost:3000"},
		KVDriver:         "memory",
		RedisPrefix:      "studio:",
		RequestTimeout:   5 * time.Minute,
		MaxRuns:          2,
	}
}

// Load reads .env (if present), then the optional YAML file named by
// STUDIO_CONFIG_FILE, then STUDIO_* environment variables. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("STUDIO_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Env = env("STUDIO_ENV", cfg.Env)
	cfg.Addr = env("STUDIO_SERVER_ADDR", cfg.Addr)
	cfg.AccessTTL = envDuration("STUDIO_ACCESS_TTL", cfg.AccessTTL)
	cfg.RefreshTTL = envDuration("STUDIO_REFRESH_TTL", cfg.RefreshTTL)
	cfg.JWTSecret = env("STUDIO_JWT_SECRET", cfg.JWTSecret)
	cfg.OperatorEmail = env("STUDIO_OPERATOR_EMAIL", cfg.OperatorEmail)
	cfg.OperatorPassword = env("STUDIO_OPERATOR_PASSWORD", cfg.OperatorPassword)
	cfg.CORSOrigins = envList("STUDIO_CORS_ORIGINS", cfg.CORSOrigins)
	cfg.KVDriver = strings.ToLower(env("STUDIO_KV_DRIVER", cfg.KVDriver))
	cfg.KVDSN = env("STUDIO_KV_DSN", cfg.KVDSN)
	cfg.RedisAddr = env("STUDIO_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPrefix = env("STUDIO_REDIS_PREFIX", cfg.RedisPrefix)
	cfg.GeneratorURL = env("STUDIO_GENERATOR_URL", cfg.GeneratorURL)
	cfg.GeneratorAPIKey = env("STUDIO_GENERATOR_API_KEY", cfg.GeneratorAPIKey)
	cfg.RequestTimeout = envDuration("STUDIO_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxRuns = envInt("STUDIO_MAX_RUNS", cfg.MaxRuns)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.KVDriver {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("STUDIO_REDIS_ADDR is required for kv driver redis")
		}
	case "postgres", "sqlite":
		if c.KVDSN == "" {
			return fmt.Errorf("STUDIO_KV_DSN is required for kv driver %s", c.KVDriver)
		}
	default:
		return fmt.Errorf("unknown kv driver %q", c.KVDriver)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
