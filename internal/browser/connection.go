// Package browser owns the lifecycle of one browser engine instance and the
// page handles used to drive it: launching or attaching, navigation, script
// evaluation, and raw protocol dispatch.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pkeller/steersman/internal/cdp"
	"github.com/pkeller/steersman/internal/event"
)

// State describes where a Connection is in its lifecycle.
type State int32

// Connection lifecycle states. Closed is terminal.
const (
	StateUninitialized State = iota
	StateLaunching
	StateReady
	StateNavigating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateNavigating:
		return "navigating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Connection.
type Options struct {
	// Logger receives connection diagnostics. Nil means silent.
	Logger logrus.FieldLogger

	// Bus receives lifecycle events. Nil means none are published.
	Bus *event.Bus

	// NavigationTimeout bounds the wait for the load-complete signal.
	// Zero means 30 seconds.
	NavigationTimeout time.Duration
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func (o Options) navTimeout() time.Duration {
	if o.NavigationTimeout > 0 {
		return o.NavigationTimeout
	}
	return 30 * time.Second
}

// SandboxOptions configures engine launch for a sandboxed connection.
type SandboxOptions struct {
	EnginePath  string // binary to launch; auto-detected when empty
	Port        int
	Headless    bool
	DataDir     string
	CacheDir    string // cache for fetched builds; DefaultCacheDir when empty
	FetchEngine bool   // download a build when none is installed
}

// Connection owns exactly one transport to a browser engine, either a
// process it launched (sandboxed) or an engine it attached to.
type Connection struct {
	client *cdp.Client
	inst   *Instance // nil when attached
	log    logrus.FieldLogger
	bus    *event.Bus

	navTimeout time.Duration

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// Attach connects to an already-running engine via its published debug
// endpoint.
func Attach(ctx context.Context, host string, port int, opts Options) (*Connection, error) {
	c := &Connection{
		log:        opts.logger(),
		bus:        opts.Bus,
		navTimeout: opts.navTimeout(),
	}
	c.state.Store(int32(StateLaunching))

	client, err := cdp.Connect(ctx, host, port, cdp.Options{Logger: c.log})
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, err
	}

	c.client = client
	c.state.Store(int32(StateReady))
	c.log.WithFields(logrus.Fields{"host": host, "port": port}).Debug("attached to engine")
	return c, nil
}

// Sandbox launches a local engine binary (fetching a build into the cache
// directory when none is installed and fetching is enabled) and connects to
// it.
func Sandbox(ctx context.Context, sandbox SandboxOptions, opts Options) (*Connection, error) {
	c := &Connection{
		log:        opts.logger(),
		bus:        opts.Bus,
		navTimeout: opts.navTimeout(),
	}
	c.state.Store(int32(StateLaunching))

	enginePath := FindEngine(sandbox.EnginePath)
	if enginePath == "" && sandbox.FetchEngine {
		fetched, err := FetchEngine(ctx, sandbox.CacheDir, c.log, c.bus)
		if err != nil {
			c.state.Store(int32(StateClosed))
			return nil, err
		}
		enginePath = fetched
	}
	if enginePath == "" {
		c.state.Store(int32(StateClosed))
		return nil, ErrEngineNotFound
	}

	inst, err := LaunchEngine(LaunchOptions{
		EnginePath: enginePath,
		Port:       sandbox.Port,
		Headless:   sandbox.Headless,
		DataDir:    sandbox.DataDir,
	})
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, err
	}

	client, err := cdp.Connect(ctx, "localhost", inst.Port, cdp.Options{Logger: c.log})
	if err != nil {
		inst.Stop()
		c.state.Store(int32(StateClosed))
		return nil, err
	}

	c.client = client
	c.inst = inst
	c.state.Store(int32(StateReady))
	c.bus.Emit(event.EngineLaunched, map[string]interface{}{"pid": inst.PID, "port": inst.Port})
	c.log.WithFields(logrus.Fields{"pid": inst.PID, "port": inst.Port}).Debug("engine launched")
	return c, nil
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Client exposes the wire client for raw protocol access.
func (c *Connection) Client() *cdp.Client {
	return c.client
}

// Instance returns the launched engine process, or nil for attached
// connections.
func (c *Connection) Instance() *Instance {
	return c.inst
}

// Page returns a handle to the first page target, creating a blank tab when
// the engine has none.
func (c *Connection) Page(ctx context.Context) (*Page, error) {
	if c.State() == StateClosed {
		return nil, cdp.ErrConnectionClosed
	}

	pages, err := c.client.Pages(ctx)
	if err != nil {
		return nil, err
	}

	var targetID string
	if len(pages) > 0 {
		targetID = pages[0].ID
	} else {
		targetID, err = c.client.NewTab(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoActivePage, err)
		}
	}

	return newPage(c, targetID), nil
}

// Close tears down the transport and, for sandboxed connections, the engine
// process. Idempotent; the connection is terminal afterwards.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.client != nil {
			c.closeErr = c.client.Close()
		}
		if c.inst != nil {
			if err := c.inst.Stop(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.log.Debug("connection torn down")
	})
	return c.closeErr
}
