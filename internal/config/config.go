// Package config holds the driver's runtime settings, loaded from the
// environment and overridable by CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mstoykov/envconfig"
)

// Config is the full runtime configuration.
type Config struct {
	// Debug endpoint for attached connections.
	Host string `envconfig:"STEERSMAN_HOST"`
	Port int    `envconfig:"STEERSMAN_PORT"`

	Headless bool `envconfig:"STEERSMAN_HEADLESS"`

	// CaptureTimeout bounds screenshot/text/DOM operations. There is no
	// automatic restart after repeated timeouts; callers decide.
	CaptureTimeout    time.Duration `envconfig:"STEERSMAN_CAPTURE_TIMEOUT"`
	NavigationTimeout time.Duration `envconfig:"STEERSMAN_NAVIGATION_TIMEOUT"`

	// ArtifactDir receives screenshots, reports and recordings.
	ArtifactDir string `envconfig:"STEERSMAN_ARTIFACT_DIR"`

	MaxSessions int `envconfig:"STEERSMAN_MAX_SESSIONS"`

	// BrowserPath points at an engine binary; empty means auto-detect.
	BrowserPath string `envconfig:"STEERSMAN_BROWSER_PATH"`
	// FetchBrowser downloads a build into the cache when none is installed.
	FetchBrowser bool `envconfig:"STEERSMAN_FETCH_BROWSER"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Host:              "localhost",
		Port:              9222,
		Headless:          true,
		CaptureTimeout:    10 * time.Second,
		NavigationTimeout: 30 * time.Second,
		ArtifactDir:       "artifacts",
		MaxSessions:       1,
	}
}

// Load builds the configuration from defaults plus the environment. A nil
// lookup reads the process environment.
func Load(lookup func(key string) (string, bool)) (Config, error) {
	cfg := Default()
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := envconfig.Process("", &cfg, lookup); err != nil {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the driver cannot run with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.CaptureTimeout <= 0 {
		return fmt.Errorf("capture timeout must be positive, got %s", c.CaptureTimeout)
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive, got %s", c.NavigationTimeout)
	}
	return nil
}
