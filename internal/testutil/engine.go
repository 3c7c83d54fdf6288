// Package testutil starts a real local browser engine for integration tests.
package testutil

import (
	"testing"

	"github.com/pkeller/steersman/internal/browser"
)

// StartEngine launches a headless engine on an ephemeral profile and returns
// the running instance. The test is skipped in short mode and when no engine
// binary is installed.
func StartEngine(t *testing.T, port int) *browser.Instance {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test, skipped in short mode")
	}
	if browser.FindEngine("") == "" {
		t.Skip("no browser engine installed")
	}

	inst, err := browser.LaunchEngine(browser.LaunchOptions{
		Port:     port,
		Headless: true,
	})
	if err != nil {
		t.Fatalf("launching engine: %v", err)
	}
	t.Cleanup(func() {
		if err := inst.Stop(); err != nil {
			t.Logf("stopping engine: %v", err)
		}
	})
	return inst
}
