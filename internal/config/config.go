// Package config loads the process configuration once at startup.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Environment names.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvCI          = "ci"
)

var (
	ErrMissingSecret = errors.New("config: SECRET_KEY is required in this environment")
	ErrInvalid       = errors.New("config: invalid configuration")
)

// Config is the immutable process configuration.
type Config struct {
	Env      string   `yaml:"env" env:"APP_ENV" env-default:"development"`
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	Log      Log      `yaml:"log"`
}

type HTTP struct {
	Addr         string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	// TrustProxy honours X-Forwarded-For and X-Real-IP for client addresses.
	TrustProxy bool `yaml:"trust_proxy" env:"HTTP_TRUST_PROXY" env-default:"false"`
}

type GRPC struct {
	// Addr empty disables the gRPC listener.
	Addr string `yaml:"addr" env:"GRPC_ADDR" env-default:":9090"`
}

type Database struct {
	// DSN empty selects the in-memory store (development and tests only).
	DSN             string        `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
	SkipMigrations  bool          `yaml:"skip_migrations" env:"DB_SKIP_MIGRATIONS"`
}

type Redis struct {
	// Addr empty disables refresh token revocation.
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Auth struct {
	SecretKey         string        `yaml:"secret_key" env:"SECRET_KEY"`
	Algorithm         string        `yaml:"algorithm" env:"JWT_ALGORITHM" env-default:"HS256"`
	Issuer            string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"neurobank"`
	Audience          string        `yaml:"audience" env:"JWT_AUDIENCE" env-default:"neurobank-api"`
	AccessTTL         time.Duration `yaml:"access_ttl" env:"ACCESS_TOKEN_TTL" env-default:"30m"`
	RefreshTTL        time.Duration `yaml:"refresh_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	MinPasswordLength int           `yaml:"min_password_length" env:"MIN_PASSWORD_LENGTH" env-default:"8"`
	PasswordSchemes   []string      `yaml:"password_schemes" env:"PASSWORD_HASH_SCHEMES" env-separator:"," env-default:"argon2,bcrypt"`
	LoginRate         float64       `yaml:"login_rate_per_second" env:"LOGIN_RATE_PER_SECOND" env-default:"1"`
	LoginBurst        int           `yaml:"login_burst" env:"LOGIN_BURST" env-default:"5"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads CONFIG_PATH (if set) and the environment, then validates.
func Load() (*Config, error) {
	var cfg Config
	var err error
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("config file %s: %w", path, statErr)
		}
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that aborts the process on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("cannot load config: %s", err)
	}
	return cfg
}

// Strict reports whether the environment must be fully configured.
// Unknown environment names are treated as strict.
func (c *Config) Strict() bool {
	switch c.Env {
	case EnvDevelopment, EnvTest, EnvCI:
		return false
	default:
		return true
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		problems = append(problems, fmt.Sprintf("unsupported JWT_ALGORITHM %q", c.Auth.Algorithm))
	}
	for _, s := range c.Auth.PasswordSchemes {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "argon2", "bcrypt":
		default:
			problems = append(problems, fmt.Sprintf("unsupported password scheme %q", s))
		}
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		problems = append(problems, "token TTLs must be positive")
	}
	if c.Auth.MinPasswordLength < 1 {
		problems = append(problems, "MIN_PASSWORD_LENGTH must be at least 1")
	}
	if c.Strict() && c.Database.DSN == "" {
		problems = append(problems, fmt.Sprintf("DATABASE_DSN is required in %s", c.Env))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// SigningSecret returns the token signing secret. In non-strict environments
// a missing secret is replaced by a random one and ephemeral is true; tokens
// signed with it do not survive a restart.
func (c *Config) SigningSecret() (secret []byte, ephemeral bool, err error) {
	if s := strings.TrimSpace(c.Auth.SecretKey); s != "" {
		return []byte(s), false, nil
	}
	if c.Strict() {
		return nil, false, ErrMissingSecret
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, false, fmt.Errorf("generate ephemeral secret: %w", err)
	}
	return buf, true, nil
}
