package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/flowbridge/env"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// noDotEnv points the dotenv lookup at a file that doesn't exist so tests
// don't pick up a stray .env in the working directory.
func noDotEnv(t *testing.T, m map[string]string) env.LookupFunc {
	t.Helper()

	dotenv := writeFile(t, "empty.env", "")
	m[env.DotEnvFile] = dotenv
	return env.MapLookup(m)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(noDotEnv(t, map[string]string{}), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 500*time.Millisecond, cfg.Runner.SettleDelay)
	assert.Zero(t, cfg.Runner.CommandTimeout)
}

func TestLoadLayering(t *testing.T) {
	t.Parallel()

	file := writeFile(t, "flowbridge.yaml", `
listen_addr: 0.0.0.0:9000
browser:
  debugger_url: ws://file/devtools
runner:
  settle_delay: 250ms
  mock_base_url: http://mocks.local/
vision:
  backend: simulated
`)
	dotenv := writeFile(t, "test.env", "FLOWBRIDGE_DEBUGGER_URL=ws://dotenv/devtools\nFLOWBRIDGE_COMMAND_TIMEOUT=3s\n")

	cfg, err := Load(env.MapLookup(map[string]string{
		env.DotEnvFile:  dotenv,
		env.DebuggerURL: "ws://env/devtools",
		env.SettleDelay: "0",
	}), file)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "ws://env/devtools", cfg.Browser.DebuggerURL, "process env wins over .env and file")
	assert.Equal(t, 3*time.Second, cfg.Runner.CommandTimeout, ".env wins over defaults")
	assert.Zero(t, cfg.Runner.SettleDelay, "env wins over file")
	assert.Equal(t, "http://mocks.local/", cfg.Runner.MockBaseURL)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "gemini_without_key", vars: map[string]string{env.VisionBackend: VisionGemini}},
		{name: "unknown_backend", vars: map[string]string{env.VisionBackend: "oracle"}},
		{name: "bad_duration", vars: map[string]string{env.SettleDelay: "later"}},
		{name: "negative_timeout", vars: map[string]string{env.CommandTimeout: "-1s"}},
		{name: "bad_bool", vars: map[string]string{env.BrowserHeadless: "sometimes"}},
		{name: "bad_filter", vars: map[string]string{env.LogCategoryFilter: "("}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(noDotEnv(t, tt.vars), "")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitDotEnv(t *testing.T) {
	t.Parallel()

	_, err := Load(env.MapLookup(map[string]string{
		env.DotEnvFile: filepath.Join(t.TempDir(), "missing.env"),
	}), "")
	assert.Error(t, err)
}
