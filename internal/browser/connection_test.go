package browser_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/capture"
	"github.com/pkeller/steersman/internal/cdp"
	"github.com/pkeller/steersman/internal/cdp/cdptest"
	"github.com/pkeller/steersman/internal/event"
	"github.com/pkeller/steersman/internal/guard"
)

// fakeEngine wires a cdptest server with the handlers a Page needs: one page
// target and an attachable session.
func fakeEngine(t *testing.T) *cdptest.Server {
	t.Helper()
	srv := cdptest.New()
	t.Cleanup(srv.Close)

	srv.HandleResult("Target.getTargets", `{"targetInfos":[
		{"targetId":"PAGE-1","type":"page","title":"fixture","url":"about:blank"}
	]}`)
	srv.HandleResult("Target.attachToTarget", `{"sessionId":"SESSION-1"}`)
	return srv
}

func attach(t *testing.T, srv *cdptest.Server, opts browser.Options) *browser.Connection {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, port := srv.HostPort()
	conn, err := browser.Attach(ctx, host, port, opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAttach_ReachesReady(t *testing.T) {
	srv := fakeEngine(t)
	conn := attach(t, srv, browser.Options{})

	assert.Equal(t, browser.StateReady, conn.State())
}

func TestConnection_Close_IsTerminalAndIdempotent(t *testing.T) {
	srv := fakeEngine(t)
	conn := attach(t, srv, browser.Options{})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, browser.StateClosed, conn.State())

	_, err := conn.Page(context.Background())
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
}

func TestConnection_Page_UsesFirstTarget(t *testing.T) {
	srv := fakeEngine(t)
	conn := attach(t, srv, browser.Options{})

	page, err := conn.Page(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PAGE-1", page.TargetID())
}

func TestConnection_Page_CreatesTabWhenNoneExist(t *testing.T) {
	srv := fakeEngine(t)
	srv.HandleResult("Target.getTargets", `{"targetInfos":[]}`)
	srv.HandleResult("Target.createTarget", `{"targetId":"NEW-1"}`)

	conn := attach(t, srv, browser.Options{})

	page, err := conn.Page(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NEW-1", page.TargetID())
}

func TestPage_Navigate_WaitsForLoadSignal(t *testing.T) {
	srv := fakeEngine(t)
	srv.Handle("Page.navigate", func(json.RawMessage) (json.RawMessage, *cdptest.Error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			srv.Emit("SESSION-1", "Page.loadEventFired", `{"timestamp":1}`)
		}()
		return json.RawMessage(`{"frameId":"F1","loaderId":"L1"}`), nil
	})

	bus := event.New()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	conn := attach(t, srv, browser.Options{Bus: bus})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	require.NoError(t, page.Navigate(ctx, "http://example.test/"))

	// Navigating and loaded notifications, in order.
	var types []event.Type
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("lifecycle events missing, got %v", types)
		}
	}
	assert.Equal(t, []event.Type{event.PageNavigating, event.PageLoaded}, types)
}

func TestPage_Navigate_EngineReportedFailure(t *testing.T) {
	srv := fakeEngine(t)
	srv.HandleResult("Page.navigate", `{"frameId":"F1","errorText":"net::ERR_NAME_NOT_RESOLVED"}`)

	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	err = page.Navigate(context.Background(), "http://nonexistent.invalid/")
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrNavigation)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestPage_Navigate_LoadDeadline(t *testing.T) {
	srv := fakeEngine(t)
	// Navigation succeeds at the protocol level but no load event ever fires.
	srv.HandleResult("Page.navigate", `{"frameId":"F1","loaderId":"L1"}`)

	conn := attach(t, srv, browser.Options{NavigationTimeout: 100 * time.Millisecond})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	start := time.Now()
	err = page.Navigate(context.Background(), "http://slow.test/")
	require.ErrorIs(t, err, browser.ErrNavigation)
	assert.Less(t, time.Since(start), time.Second)

	// The connection survives the missed deadline.
	assert.Equal(t, browser.StateReady, conn.State())
}

func TestPage_Eval_ReturnsStructuredValue(t *testing.T) {
	srv := fakeEngine(t)
	srv.HandleResult("Runtime.evaluate", `{"result":{"type":"number","value":2}}`)

	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	value, err := page.Eval(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), value)
}

func TestPage_Eval_ExceptionBecomesEvalError(t *testing.T) {
	srv := fakeEngine(t)
	srv.HandleResult("Runtime.evaluate", `{
		"result":{"type":"object"},
		"exceptionDetails":{"text":"Uncaught","exception":{"description":"ReferenceError: nope is not defined"}}
	}`)

	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	_, err = page.Eval(context.Background(), "nope()")
	require.ErrorIs(t, err, browser.ErrEval)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestPage_Screenshot_DecodesBase64(t *testing.T) {
	srv := fakeEngine(t)
	raw := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 1, 2, 3}
	srv.HandleResult("Page.captureScreenshot",
		`{"data":"`+base64.StdEncoding.EncodeToString(raw)+`"}`)

	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	data, err := page.Screenshot(context.Background(), "png")
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestPage_Dispatch_RawPassthrough(t *testing.T) {
	srv := fakeEngine(t)
	srv.HandleResult("Emulation.setDeviceMetricsOverride", `{}`)

	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	result, err := page.Dispatch(context.Background(), "Emulation.setDeviceMetricsOverride",
		json.RawMessage(`{"width":390,"height":844,"deviceScaleFactor":3,"mobile":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
}

func TestPage_HonorsDeadlineWhileStalledCaptureHoldsPage(t *testing.T) {
	srv := fakeEngine(t)
	// The capture call never resolves within the test's lifetime.
	srv.Delay("Page.captureScreenshot", time.Hour)
	srv.HandleResult("Page.navigate", `{"frameId":"F1","loaderId":"L1"}`)

	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	capt := capture.New(page, capture.Options{Timeout: 100 * time.Millisecond})
	_, err = capt.Screenshot(context.Background())
	require.ErrorIs(t, err, guard.ErrTimeout)

	// The abandoned capture still holds the page. A follow-up navigation must
	// bail out at its own deadline instead of waiting for the stalled call.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = page.Navigate(ctx, "http://example.test/")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPage_OperationsFailFastAfterClose(t *testing.T) {
	srv := fakeEngine(t)
	conn := attach(t, srv, browser.Options{})
	page, err := conn.Page(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	_, err = page.Eval(context.Background(), "1")
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
	err = page.Navigate(context.Background(), "http://example.test/")
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
	_, err = page.Screenshot(context.Background(), "png")
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
}
