package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"KEYPOST_CONFIG", "KEYPOST_ADDR", "PORT", "KEYPOST_DB", "KEYPOST_SESSION_SECRET",
		"KEYPOST_SESSION_TTL", "KEYPOST_CHALLENGE_TTL", "KEYPOST_CHALLENGE_BACKEND", "KEYPOST_REDIS_URL",
		"KEYPOST_INACTIVITY_WINDOW", "KEYPOST_SWEEP_SCHEDULE", "KEYPOST_COOKIE_SECURE", "KEYPOST_LOG_LEVEL",
		"KEYPOST_LOG_JSON", "KEYPOST_RL_CHALLENGE_PER_MIN", "KEYPOST_RL_LOGIN_PER_MIN", "KEYPOST_RL_POST_PER_MIN",
		"KEYPOST_RL_KEYGEN_PER_MIN", "KEYPOST_TRUST_PROXY",
	} {
		t.Setenv(k, "")
	}
}

const testSecret = "test-session-secret-0123456789"

// clearEnvWithSecret leaves only a session secret set, which Load requires.
func clearEnvWithSecret(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("KEYPOST_SESSION_SECRET", testSecret)
}

func TestDefaults(t *testing.T) {
	clearEnvWithSecret(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "keypost.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 60*24*time.Hour, cfg.InactivityWindow)
	assert.Equal(t, BackendSQLite, cfg.ChallengeBackend)
	assert.Equal(t, 10, cfg.RateLimits.LoginPerMinute)
	assert.Equal(t, 10, cfg.RateLimits.KeygenPerMinute)
	assert.Equal(t, testSecret, cfg.SessionSecret)
	assert.False(t, cfg.TrustProxy)
	assert.Empty(t, cfg.SweepSchedule)
}

func TestMissingSessionSecret(t *testing.T) {
	clearEnv(t)
	assert.Empty(t, Default().SessionSecret)

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingSessionSecret)
	assert.ErrorIs(t, Default().Validate(), ErrMissingSessionSecret)
}

func TestEnvOverrides(t *testing.T) {
	clearEnvWithSecret(t)
	t.Setenv("PORT", "9000")
	t.Setenv("KEYPOST_CHALLENGE_TTL", "90s")
	t.Setenv("KEYPOST_CHALLENGE_BACKEND", "memory")
	t.Setenv("KEYPOST_COOKIE_SECURE", "true")
	t.Setenv("KEYPOST_RL_POST_PER_MIN", "3")
	t.Setenv("KEYPOST_RL_LOGIN_PER_MIN", "not-a-number")
	t.Setenv("KEYPOST_RL_KEYGEN_PER_MIN", "2")
	t.Setenv("KEYPOST_TRUST_PROXY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 90*time.Second, cfg.ChallengeTTL)
	assert.Equal(t, BackendMemory, cfg.ChallengeBackend)
	assert.True(t, cfg.CookieSecure)
	assert.Equal(t, 3, cfg.RateLimits.PostPerMinute)
	assert.Equal(t, 10, cfg.RateLimits.LoginPerMinute, "bad values fall back")
	assert.Equal(t, 2, cfg.RateLimits.KeygenPerMinute)
	assert.True(t, cfg.TrustProxy)

	t.Setenv("KEYPOST_ADDR", "127.0.0.1:7000")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr, "explicit addr wins over PORT")
}

func TestYAMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "keypost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":7070"
db_path: /var/lib/keypost.db
challenge_ttl: 2m
inactivity_window: 720h
sweep_schedule: "0 3 * * *"
session_secret: from-yaml-secret-value
trust_proxy: true
rate_limits:
  login_per_minute: 5
`), 0o600))
	t.Setenv("KEYPOST_CONFIG", path)
	t.Setenv("KEYPOST_DB", "override.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "override.db", cfg.DBPath)
	assert.Equal(t, 2*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 720*time.Hour, cfg.InactivityWindow)
	assert.Equal(t, "0 3 * * *", cfg.SweepSchedule)
	assert.Equal(t, "from-yaml-secret-value", cfg.SessionSecret)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 5, cfg.RateLimits.LoginPerMinute)
	assert.Equal(t, 30, cfg.RateLimits.ChallengePerMinute, "unset keys keep defaults")
}

func TestYAMLUnknownField(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adress: typo\n"), 0o600))
	t.Setenv("KEYPOST_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SessionSecret = testSecret
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ChallengeBackend = "postgres"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.SessionSecret = "short"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.InactivityWindow = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ChallengeBackend = BackendRedis
	bad.RedisURL = ""
	assert.Error(t, bad.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("KEYPOST_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("KEYPOST_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("KEYPOST_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("KEYPOST_TEST_DOTENV"))
}
