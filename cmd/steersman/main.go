// Command steersman drives a browser engine over its debug protocol: one-shot
// page operations, scripted runs, recorded sessions, and engine lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pkeller/steersman/internal/config"
	"github.com/pkeller/steersman/internal/event"
	"github.com/pkeller/steersman/internal/guard"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// globalState carries everything a command needs, so tests can substitute
// writers, filesystem and environment without touching process globals.
type globalState struct {
	fs     afero.Fs
	stdout io.Writer
	stderr io.Writer
	logger *logrus.Logger
	bus    *event.Bus

	cfg  config.Config
	env  func(key string) (string, bool)
	home string // config dir for session state

	output string // json, ndjson, text
	quiet  bool
}

func newGlobalState() *globalState {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	return &globalState{
		fs:     afero.NewOsFs(),
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: logger,
		bus:    event.New(),
		env:    os.LookupEnv,
		home:   defaultHome(),
		output: "json",
	}
}

func defaultHome() string {
	if dir, ok := os.LookupEnv("STEERSMAN_CONFIG_DIR"); ok && dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".steersman")
	}
	return filepath.Join(home, ".config", "steersman")
}

func main() {
	os.Exit(run(os.Args[1:], newGlobalState()))
}

func run(args []string, gs *globalState) int {
	cfg, err := config.Load(gs.env)
	if err != nil {
		fmt.Fprintf(gs.stderr, "error: %v\n", err)
		return ExitError
	}
	gs.cfg = cfg

	root := newRootCmd(gs)
	root.SetArgs(args)
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)

	if err := root.Execute(); err != nil {
		code := classifyError(err)
		fmt.Fprintf(gs.stderr, "error: %v\n", err)
		return code
	}
	return ExitSuccess
}

// connectError marks failures to reach the engine's debug endpoint.
type connectError struct {
	err error
}

func (e *connectError) Error() string { return e.err.Error() }
func (e *connectError) Unwrap() error { return e.err }

func classifyError(err error) int {
	var ce *connectError
	if errors.As(err, &ce) {
		return ExitConnFailed
	}
	if errors.Is(err, guard.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ExitTimeout
	}
	return ExitError
}
