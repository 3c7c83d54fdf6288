package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(mapLookup(nil))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 9222, cfg.Port)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 10*time.Second, cfg.CaptureTimeout)
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, "artifacts", cfg.ArtifactDir)
	assert.Equal(t, 1, cfg.MaxSessions)
	assert.False(t, cfg.FetchBrowser)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	cfg, err := Load(mapLookup(map[string]string{
		"STEERSMAN_HOST":            "browser.internal",
		"STEERSMAN_PORT":            "9333",
		"STEERSMAN_HEADLESS":        "false",
		"STEERSMAN_CAPTURE_TIMEOUT": "5s",
		"STEERSMAN_ARTIFACT_DIR":    "/tmp/out",
		"STEERSMAN_MAX_SESSIONS":    "2",
		"STEERSMAN_FETCH_BROWSER":   "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "browser.internal", cfg.Host)
	assert.Equal(t, 9333, cfg.Port)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 5*time.Second, cfg.CaptureTimeout)
	assert.Equal(t, "/tmp/out", cfg.ArtifactDir)
	assert.Equal(t, 2, cfg.MaxSessions)
	assert.True(t, cfg.FetchBrowser)

	// Untouched settings keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"port out of range":   {"STEERSMAN_PORT": "99999"},
		"zero max sessions":   {"STEERSMAN_MAX_SESSIONS": "0"},
		"unparseable timeout": {"STEERSMAN_CAPTURE_TIMEOUT": "soon"},
		"negative timeout":    {"STEERSMAN_NAVIGATION_TIMEOUT": "-1s"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(mapLookup(env))
			assert.Error(t, err)
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
