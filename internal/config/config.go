package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	minSecretLen = 16
)

// Config is the server configuration. TrustProxy makes the first
// X-Forwarded-For entry the client address for rate limiting; only enable it
// behind a proxy that overwrites that header.
type Config struct {
	Addr             string        `yaml:"addr"`
	DBPath           string        `yaml:"db_path"`
	SessionSecret    string        `yaml:"session_secret"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	ChallengeTTL     time.Duration `yaml:"challenge_ttl"`
	ChallengeBackend string        `yaml:"challenge_backend"`
	RedisURL         string        `yaml:"redis_url"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	CookieSecure     bool          `yaml:"cookie_secure"`
	TrustProxy       bool          `yaml:"trust_proxy"`
	LogLevel         string        `yaml:"log_level"`
	LogJSON          bool          `yaml:"log_json"`
	RateLimits       RateLimits    `yaml:"rate_limits"`
}

type RateLimits struct {
	ChallengePerMinute int `yaml:"challenge_per_minute"`
	LoginPerMinute     int `yaml:"login_per_minute"`
	PostPerMinute      int `yaml:"post_per_minute"`
	KeygenPerMinute    int `yaml:"keygen_per_minute"`
}

var ErrMissingSessionSecret = errors.New("session secret is required (set KEYPOST_SESSION_SECRET)")

// Default has no session secret; one must come from the config file or
// the environment.
func Default() Config {
	return Config{
		Addr:             ":8080",
		DBPath:           "keypost.db",
		SessionTTL:       24 * time.Hour,
		ChallengeTTL:     5 * time.Minute,
		ChallengeBackend: BackendSQLite,
		RedisURL:         "redis://localhost:6379/0",
		InactivityWindow: 60 * 24 * time.Hour,
		LogLevel:         "info",
		RateLimits: RateLimits{
			ChallengePerMinute: 30,
			LoginPerMinute:     10,
			PostPerMinute:      10,
			KeygenPerMinute:    10,
		},
	}
}

// Load starts from the defaults, applies the YAML file named by
// KEYPOST_CONFIG when set, then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("KEYPOST_CONFIG"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.ChallengeBackend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown challenge backend %q", c.ChallengeBackend)
	}
	if c.SessionSecret == "" {
		return ErrMissingSessionSecret
	}
	if len(c.SessionSecret) < minSecretLen {
		return fmt.Errorf("session secret must be at least %d bytes", minSecretLen)
	}
	if c.SessionTTL <= 0 || c.ChallengeTTL <= 0 {
		return errors.New("session and challenge ttl must be positive")
	}
	if c.InactivityWindow <= 0 {
		return errors.New("inactivity window must be positive")
	}
	if c.ChallengeBackend == BackendRedis && c.RedisURL == "" {
		return errors.New("redis challenge backend needs a redis url")
	}
	return nil
}

func applyEnv(cfg *Config) {
	addr := envString("KEYPOST_ADDR", "")
	if addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}
	cfg.DBPath = envString("KEYPOST_DB", cfg.DBPath)
	cfg.SessionSecret = envString("KEYPOST_SESSION_SECRET", cfg.SessionSecret)
	cfg.SessionTTL = envDuration("KEYPOST_SESSION_TTL", cfg.SessionTTL)
	cfg.ChallengeTTL = envDuration("KEYPOST_CHALLENGE_TTL", cfg.ChallengeTTL)
	cfg.ChallengeBackend = envString("KEYPOST_CHALLENGE_BACKEND", cfg.ChallengeBackend)
	cfg.RedisURL = envString("KEYPOST_REDIS_URL", cfg.RedisURL)
	cfg.InactivityWindow = envDuration("KEYPOST_INACTIVITY_WINDOW", cfg.InactivityWindow)
	cfg.SweepSchedule = envString("KEYPOST_SWEEP_SCHEDULE", cfg.SweepSchedule)
	cfg.CookieSecure = envBool("KEYPOST_COOKIE_SECURE", cfg.CookieSecure)
	cfg.TrustProxy = envBool("KEYPOST_TRUST_PROXY", cfg.TrustProxy)
	cfg.LogLevel = envString("KEYPOST_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("KEYPOST_LOG_JSON", cfg.LogJSON)
	cfg.RateLimits.ChallengePerMinute = envInt("KEYPOST_RL_CHALLENGE_PER_MIN", cfg.RateLimits.ChallengePerMinute)
	cfg.RateLimits.LoginPerMinute = envInt("KEYPOST_RL_LOGIN_PER_MIN", cfg.RateLimits.LoginPerMinute)
	cfg.RateLimits.PostPerMinute = envInt("KEYPOST_RL_POST_PER_MIN", cfg.RateLimits.PostPerMinute)
	cfg.RateLimits.KeygenPerMinute = envInt("KEYPOST_RL_KEYGEN_PER_MIN", cfg.RateLimits.KeygenPerMinute)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
