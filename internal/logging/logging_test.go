package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, charmlog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, charmlog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, charmlog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, charmlog.InfoLevel, ParseLevel(""))
	assert.Equal(t, charmlog.InfoLevel, ParseLevel("chatty"))
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "info", JSON: true, Output: &buf}), "auth")
	logger.Info("login", "fingerprint", "0123456789abcdef")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "login", rec["msg"])
	assert.Equal(t, "auth", rec["component"])
	assert.Equal(t, "0123456789abcdef", rec["fingerprint"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestComponentNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Component(nil, "x").Info("dropped")
	})
}
