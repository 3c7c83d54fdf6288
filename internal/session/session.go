// Package session enforces the one-live-engine discipline: a registry owns
// every Connection it launches and refuses new sessions past its cap.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/event"
)

// ErrSessionLimit is returned by Launch when the registry is at capacity.
var ErrSessionLimit = errors.New("session limit reached")

// ErrSessionNotFound is returned when an id does not name a live session.
var ErrSessionNotFound = errors.New("session not found")

// ProfileKind tags the persistence mode of a session's browser profile.
type ProfileKind string

const (
	// ProfileEphemeral sessions leave no state behind on close.
	ProfileEphemeral ProfileKind = "ephemeral"
	// ProfileNamed sessions persist their state under a stable label.
	ProfileNamed ProfileKind = "named"
)

// Profile selects where a session's browser state lives.
type Profile struct {
	Kind  ProfileKind `json:"kind"`
	Label string      `json:"label,omitempty"`
}

// Ephemeral is a profile with no persisted state.
func Ephemeral() Profile {
	return Profile{Kind: ProfileEphemeral}
}

// Named is a profile persisted under label across sessions.
func Named(label string) Profile {
	return Profile{Kind: ProfileNamed, Label: label}
}

// Conn is the slice of the connection surface the registry manages.
// *browser.Connection satisfies it; tests substitute fakes.
type Conn interface {
	Page(ctx context.Context) (*browser.Page, error)
	State() browser.State
	Close() error
}

// ConnectFunc launches or attaches the underlying connection for a new
// session.
type ConnectFunc func(ctx context.Context, cfg LaunchConfig) (Conn, error)

// LaunchConfig describes one requested session.
type LaunchConfig struct {
	Profile  Profile
	Headless bool
	DataDir  string // resolved profile directory, empty for ephemeral
}

// Session is one live driver session.
type Session struct {
	ID        uuid.UUID `json:"id"`
	Profile   Profile   `json:"profile"`
	Headless  bool      `json:"headless"`
	CreatedAt time.Time `json:"created_at"`

	conn Conn
}

// Conn exposes the session's connection.
func (s *Session) Conn() Conn {
	return s.conn
}

// Page returns a handle to the session's active page.
func (s *Session) Page(ctx context.Context) (*browser.Page, error) {
	return s.conn.Page(ctx)
}

// Options configure a Registry.
type Options struct {
	// MaxSessions caps concurrent sessions. Zero means 1.
	MaxSessions int

	// Connect launches the connection behind each session. Required.
	Connect ConnectFunc

	// DataRoot is where named profiles persist. Empty disables named
	// profiles.
	DataRoot string

	Logger logrus.FieldLogger
	Bus    *event.Bus
}

// Registry owns every live session. All lifecycle transitions happen under
// one exclusive lock, so launch and close are strictly serialized.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	max      int
	connect  ConnectFunc
	dataRoot string
	log      logrus.FieldLogger
	bus      *event.Bus
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Connect == nil {
		return nil, errors.New("session: Connect is required")
	}
	max := opts.MaxSessions
	if max <= 0 {
		max = 1
	}
	log := opts.Logger
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		log = logger
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		max:      max,
		connect:  opts.Connect,
		dataRoot: opts.DataRoot,
		log:      log,
		bus:      opts.Bus,
	}, nil
}

// SandboxConnect builds the production ConnectFunc: it launches a local
// engine per session, headless or not, with the profile's data directory.
func SandboxConnect(sandbox browser.SandboxOptions, opts browser.Options) ConnectFunc {
	return func(ctx context.Context, cfg LaunchConfig) (Conn, error) {
		sb := sandbox
		sb.Headless = cfg.Headless
		sb.DataDir = cfg.DataDir
		return browser.Sandbox(ctx, sb, opts)
	}
}

// AttachConnect builds a ConnectFunc that attaches to an already-running
// engine instead of launching one.
func AttachConnect(host string, port int, opts browser.Options) ConnectFunc {
	return func(ctx context.Context, cfg LaunchConfig) (Conn, error) {
		return browser.Attach(ctx, host, port, opts)
	}
}

// Launch starts a new session. Returns ErrSessionLimit when the registry is
// at capacity.
func (r *Registry) Launch(ctx context.Context, profile Profile, headless bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.max {
		return nil, fmt.Errorf("%w: %d active", ErrSessionLimit, len(r.sessions))
	}

	cfg := LaunchConfig{Profile: profile, Headless: headless}
	if profile.Kind == ProfileNamed {
		if r.dataRoot == "" {
			return nil, errors.New("session: named profiles need a data root")
		}
		if profile.Label == "" {
			return nil, errors.New("session: named profile needs a label")
		}
		cfg.DataDir = filepath.Join(r.dataRoot, "profiles", profile.Label)
	}

	conn, err := r.connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("launching session: %w", err)
	}

	s := &Session{
		ID:        uuid.New(),
		Profile:   profile,
		Headless:  headless,
		CreatedAt: time.Now(),
		conn:      conn,
	}
	r.sessions[s.ID] = s

	r.log.WithFields(logrus.Fields{
		"session": s.ID,
		"profile": profile.Kind,
	}).Info("session launched")
	return s, nil
}

// Adopt registers a session for a connection established elsewhere, typically
// an engine recorded by a previous invocation. Adopted sessions count against
// the cap and tear down through Close like launched ones.
func (r *Registry) Adopt(id uuid.UUID, profile Profile, headless bool, createdAt time.Time, conn Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("session %s already registered", id)
	}
	if len(r.sessions) >= r.max {
		return nil, fmt.Errorf("%w: %d active", ErrSessionLimit, len(r.sessions))
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s := &Session{
		ID:        id,
		Profile:   profile,
		Headless:  headless,
		CreatedAt: createdAt,
		conn:      conn,
	}
	r.sessions[id] = s

	r.log.WithField("session", id).Info("session adopted")
	return s, nil
}

// Get returns the live session named by id.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Active returns the single live session when exactly one exists. Convenience
// for the common one-session configuration.
func (r *Registry) Active() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

// Status snapshots every live session, newest last.
func (r *Registry) Status() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close tears down the session named by id. Closing an unknown or already
// closed id is a no-op.
func (r *Registry) Close(id uuid.UUID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.teardown(s)
}

// CloseAll tears down every live session. The first teardown error wins.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, s := range all {
		if err := r.teardown(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) teardown(s *Session) error {
	err := s.conn.Close()
	r.bus.Emit(event.SessionClosed, map[string]interface{}{"session": s.ID.String()})
	r.log.WithField("session", s.ID).Info("session closed")
	return err
}
