package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/session"
)

// engineState is the on-disk record of an engine this tool launched, so a
// later invocation can report on it or shut it down.
type engineState struct {
	ID       string    `json:"id"`
	PID      int       `json:"pid"`
	Port     int       `json:"port"`
	Headless bool      `json:"headless"`
	Profile  string    `json:"profile,omitempty"`
	DataDir  string    `json:"data_dir,omitempty"`
	OwnsData bool      `json:"owns_data,omitempty"`
	Launched time.Time `json:"launched_at"`
}

func stateFilePath(gs *globalState) string {
	return filepath.Join(gs.home, "engine.json")
}

func loadEngineState(gs *globalState) (*engineState, error) {
	data, err := afero.ReadFile(gs.fs, stateFilePath(gs))
	if err != nil {
		return nil, err
	}
	var st engineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing engine state: %w", err)
	}
	return &st, nil
}

func saveEngineState(gs *globalState, st *engineState) error {
	if err := gs.fs.MkdirAll(gs.home, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(gs.fs, stateFilePath(gs), data, 0o644)
}

// recordedEngine adapts an engine persisted by a previous invocation to the
// registry's connection surface. Close performs the real teardown: it kills
// the process and removes any data directory this tool created for it.
type recordedEngine struct {
	gs *globalState
	st *engineState
}

func (e *recordedEngine) Page(ctx context.Context) (*browser.Page, error) {
	return nil, fmt.Errorf("engine on port %d is not attached", e.st.Port)
}

func (e *recordedEngine) State() browser.State {
	if browser.IsPortOpen("localhost", e.st.Port) {
		return browser.StateReady
	}
	return browser.StateClosed
}

func (e *recordedEngine) Close() error {
	if e.st.PID > 0 {
		if proc, err := os.FindProcess(e.st.PID); err == nil {
			if err := proc.Kill(); err != nil {
				e.gs.logger.WithError(err).Debug("killing engine")
			}
		}
	}
	if e.st.OwnsData && e.st.DataDir != "" {
		if err := e.gs.fs.RemoveAll(e.st.DataDir); err != nil {
			e.gs.logger.WithError(err).Debug("removing engine data dir")
		}
	}
	return nil
}

// newEngineRegistry builds the session registry the lifecycle commands run
// against. Launched sessions go through a sandboxed engine.
func newEngineRegistry(gs *globalState, fetch bool) (*session.Registry, error) {
	return session.NewRegistry(session.Options{
		MaxSessions: gs.cfg.MaxSessions,
		DataRoot:    gs.home,
		Logger:      gs.logger,
		Bus:         gs.bus,
		Connect: session.SandboxConnect(browser.SandboxOptions{
			EnginePath:  gs.cfg.BrowserPath,
			Port:        gs.cfg.Port,
			FetchEngine: fetch || gs.cfg.FetchBrowser,
		}, browser.Options{
			Logger:            gs.logger,
			Bus:               gs.bus,
			NavigationTimeout: gs.cfg.NavigationTimeout,
		}),
	})
}

// adoptRecorded loads the persisted engine record, if any, into the registry
// so the session cap and teardown apply across invocations. Unless
// includeStopped is set, a record whose engine no longer answers is returned
// without being adopted.
func adoptRecorded(gs *globalState, reg *session.Registry, includeStopped bool) (*session.Session, *engineState, error) {
	st, err := loadEngineState(gs)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	conn := &recordedEngine{gs: gs, st: st}
	if !includeStopped && conn.State() == browser.StateClosed {
		return nil, st, nil
	}

	id, err := uuid.Parse(st.ID)
	if err != nil {
		id = uuid.New()
	}
	profile := session.Ephemeral()
	if st.Profile != "" {
		profile = session.Named(st.Profile)
	}

	sess, err := reg.Adopt(id, profile, st.Headless, st.Launched, conn)
	if err != nil {
		return nil, st, err
	}
	return sess, st, nil
}

func newLaunchCmd(gs *globalState) *cobra.Command {
	var (
		headed  bool
		profile string
		fetch   bool
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a local engine and remember it for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newEngineRegistry(gs, fetch)
			if err != nil {
				return err
			}
			_, prev, err := adoptRecorded(gs, reg, false)
			if err != nil {
				return err
			}

			prof := session.Ephemeral()
			if profile != "" {
				prof = session.Named(profile)
			}

			sess, err := reg.Launch(cmd.Context(), prof, !headed)
			if err != nil {
				if errors.Is(err, session.ErrSessionLimit) && prev != nil {
					return fmt.Errorf("engine already running on port %d (pid %d)", prev.Port, prev.PID)
				}
				return err
			}

			conn, ok := sess.Conn().(*browser.Connection)
			if !ok {
				return errors.New("launched session has no engine process")
			}
			inst := conn.Instance()

			st := &engineState{
				ID:       sess.ID.String(),
				PID:      inst.PID,
				Port:     inst.Port,
				Headless: !headed,
				Profile:  profile,
				DataDir:  inst.DataDir,
				OwnsData: profile == "",
				Launched: sess.CreatedAt,
			}

			// The engine outlives this process; only the transport closes.
			if err := conn.Client().Close(); err != nil {
				gs.logger.WithError(err).Debug("transport close after launch")
			}

			if err := saveEngineState(gs, st); err != nil {
				return err
			}
			gs.success("engine launched on port %d (pid %d)", st.Port, st.PID)
			return gs.emit(st)
		},
	}
	cmd.Flags().BoolVar(&headed, "headed", false, "run with a visible window")
	cmd.Flags().StringVar(&profile, "profile", "", "persist state under a named profile")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "download an engine build when none is installed")
	return cmd
}

func newStatusCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report on the launched engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newEngineRegistry(gs, false)
			if err != nil {
				return err
			}
			_, st, err := adoptRecorded(gs, reg, false)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no engine launched")
			}

			running := false
			for _, s := range reg.Status() {
				if s.Conn().State() == browser.StateReady {
					running = true
				}
			}
			return gs.emit(struct {
				*engineState
				Running bool `json:"running"`
			}{st, running})
		},
	}
}

func newCloseCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Shut down the launched engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newEngineRegistry(gs, false)
			if err != nil {
				return err
			}
			sess, st, err := adoptRecorded(gs, reg, true)
			if err != nil {
				return err
			}
			if st == nil {
				gs.progress("no engine launched")
				return nil
			}

			if err := reg.Close(sess.ID); err != nil {
				return err
			}
			if err := gs.fs.Remove(stateFilePath(gs)); err != nil {
				return err
			}
			gs.success("engine stopped (pid %d)", st.PID)
			return nil
		},
	}
}
