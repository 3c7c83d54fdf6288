package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/event"
)

type fakeConn struct {
	closed  int
	lastCfg LaunchConfig
}

func (f *fakeConn) Page(ctx context.Context) (*browser.Page, error) { return nil, nil }
func (f *fakeConn) State() browser.State                            { return browser.StateReady }
func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

type fakeConnector struct {
	conns   []*fakeConn
	err     error
	lastCfg LaunchConfig
}

func (f *fakeConnector) connect(ctx context.Context, cfg LaunchConfig) (Conn, error) {
	f.lastCfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{lastCfg: cfg}
	f.conns = append(f.conns, c)
	return c, nil
}

func newRegistry(t *testing.T, opts Options) (*Registry, *fakeConnector) {
	t.Helper()
	fc := &fakeConnector{}
	opts.Connect = fc.connect
	r, err := NewRegistry(opts)
	require.NoError(t, err)
	return r, fc
}

func TestLaunch_CreatesSession(t *testing.T) {
	r, _ := newRegistry(t, Options{})

	s, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, ProfileEphemeral, s.Profile.Kind)
	assert.True(t, s.Headless)
	assert.WithinDuration(t, time.Now(), s.CreatedAt, time.Second)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestLaunch_EnforcesSessionLimit(t *testing.T) {
	r, _ := newRegistry(t, Options{})

	_, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)

	_, err = r.Launch(context.Background(), Ephemeral(), true)
	assert.ErrorIs(t, err, ErrSessionLimit)
}

func TestLaunch_LimitFreedAfterClose(t *testing.T) {
	r, fc := newRegistry(t, Options{})

	s, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)
	require.NoError(t, r.Close(s.ID))
	assert.Equal(t, 1, fc.conns[0].closed)

	_, err = r.Launch(context.Background(), Ephemeral(), true)
	assert.NoError(t, err)
}

func TestLaunch_ConfigurableCap(t *testing.T) {
	r, _ := newRegistry(t, Options{MaxSessions: 2})

	_, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)
	_, err = r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)
	_, err = r.Launch(context.Background(), Ephemeral(), true)
	assert.ErrorIs(t, err, ErrSessionLimit)
}

func TestLaunch_ConnectFailureDoesNotConsumeSlot(t *testing.T) {
	r, fc := newRegistry(t, Options{})
	fc.err = errors.New("engine not found")

	_, err := r.Launch(context.Background(), Ephemeral(), true)
	require.Error(t, err)

	fc.err = nil
	_, err = r.Launch(context.Background(), Ephemeral(), true)
	assert.NoError(t, err)
}

func TestLaunch_NamedProfileResolvesDataDir(t *testing.T) {
	r, fc := newRegistry(t, Options{DataRoot: "/var/lib/steersman"})

	s, err := r.Launch(context.Background(), Named("work"), false)
	require.NoError(t, err)

	assert.Equal(t, ProfileNamed, s.Profile.Kind)
	assert.Equal(t, "work", s.Profile.Label)
	assert.Equal(t, "/var/lib/steersman/profiles/work", fc.lastCfg.DataDir)
}

func TestLaunch_NamedProfileNeedsDataRoot(t *testing.T) {
	r, _ := newRegistry(t, Options{})

	_, err := r.Launch(context.Background(), Named("work"), false)
	assert.Error(t, err)
}

func TestLaunch_EphemeralHasNoDataDir(t *testing.T) {
	r, fc := newRegistry(t, Options{DataRoot: "/var/lib/steersman"})

	_, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)
	assert.Empty(t, fc.lastCfg.DataDir)
}

func TestAdopt_CountsAgainstCap(t *testing.T) {
	r, _ := newRegistry(t, Options{})

	created := time.Now().Add(-time.Minute)
	s, err := r.Adopt(uuid.New(), Ephemeral(), true, created, &fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, created, s.CreatedAt)

	_, err = r.Launch(context.Background(), Ephemeral(), true)
	assert.ErrorIs(t, err, ErrSessionLimit)
}

func TestAdopt_RejectsDuplicateID(t *testing.T) {
	r, _ := newRegistry(t, Options{MaxSessions: 2})

	id := uuid.New()
	_, err := r.Adopt(id, Ephemeral(), true, time.Now(), &fakeConn{})
	require.NoError(t, err)

	_, err = r.Adopt(id, Ephemeral(), true, time.Now(), &fakeConn{})
	assert.Error(t, err)
}

func TestAdopt_ClosesThroughRegistry(t *testing.T) {
	bus := event.New()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	r, _ := newRegistry(t, Options{Bus: bus})
	conn := &fakeConn{}
	s, err := r.Adopt(uuid.New(), Named("work"), false, time.Now(), conn)
	require.NoError(t, err)

	require.NoError(t, r.Close(s.ID))
	assert.Equal(t, 1, conn.closed)

	select {
	case ev := <-ch:
		assert.Equal(t, event.SessionClosed, ev.Type)
		assert.Equal(t, s.ID.String(), ev.Data["session"])
	case <-time.After(time.Second):
		t.Fatal("no session_closed event")
	}
}

func TestClose_IdempotentAndUnknownIDSafe(t *testing.T) {
	r, fc := newRegistry(t, Options{})

	s, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)

	require.NoError(t, r.Close(s.ID))
	require.NoError(t, r.Close(s.ID))
	require.NoError(t, r.Close(uuid.New()))
	assert.Equal(t, 1, fc.conns[0].closed)

	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClose_PublishesSessionClosed(t *testing.T) {
	bus := event.New()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	r, _ := newRegistry(t, Options{Bus: bus})
	s, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)
	require.NoError(t, r.Close(s.ID))

	select {
	case ev := <-ch:
		assert.Equal(t, event.SessionClosed, ev.Type)
		assert.Equal(t, s.ID.String(), ev.Data["session"])
	case <-time.After(time.Second):
		t.Fatal("no session_closed event")
	}
}

func TestStatus_OrderedByCreation(t *testing.T) {
	r, _ := newRegistry(t, Options{MaxSessions: 3})

	var launched []*Session
	for i := 0; i < 3; i++ {
		s, err := r.Launch(context.Background(), Ephemeral(), true)
		require.NoError(t, err)
		launched = append(launched, s)
		time.Sleep(time.Millisecond)
	}

	status := r.Status()
	require.Len(t, status, 3)
	for i, s := range status {
		assert.Equal(t, launched[i].ID, s.ID)
	}
}

func TestCloseAll_TearsDownEverything(t *testing.T) {
	r, fc := newRegistry(t, Options{MaxSessions: 2})

	_, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)
	_, err = r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)

	require.NoError(t, r.CloseAll())
	assert.Empty(t, r.Status())
	for _, c := range fc.conns {
		assert.Equal(t, 1, c.closed)
	}
}

func TestActive_SingleSessionConvenience(t *testing.T) {
	r, _ := newRegistry(t, Options{})

	_, err := r.Active()
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err := r.Launch(context.Background(), Ephemeral(), true)
	require.NoError(t, err)

	got, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestNewRegistry_RequiresConnect(t *testing.T) {
	_, err := NewRegistry(Options{})
	assert.Error(t, err)
}
