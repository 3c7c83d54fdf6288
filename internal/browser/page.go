package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkeller/steersman/internal/cdp"
	"github.com/pkeller/steersman/internal/event"
)

// Page is a typed handle to one browsing context (tab) within a Connection.
// All protocol exchanges through one Page are serialized: a capture or
// navigation fully resolves before the next operation begins. Waiting for
// the serialization token honors the caller's context, so an operation
// stalled inside the engine cannot make the next caller hang past its own
// deadline.
type Page struct {
	conn     *Connection
	targetID string
	sem      chan struct{}
}

func newPage(conn *Connection, targetID string) *Page {
	return &Page{conn: conn, targetID: targetID, sem: make(chan struct{}, 1)}
}

// TargetID returns the protocol target identifier of this page.
func (p *Page) TargetID() string {
	return p.targetID
}

// acquire takes the page serialization token. It gives up when the caller's
// context expires or the connection shuts down, even while an abandoned
// operation still holds the token.
func (p *Page) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.conn.client.CloseNotify():
		return cdp.ErrConnectionClosed
	}
	if p.conn.State() == StateClosed {
		<-p.sem
		return cdp.ErrConnectionClosed
	}
	return nil
}

func (p *Page) release() {
	<-p.sem
}

// Navigate sends a navigation command and waits for the engine's
// load-complete signal before returning. Engine-reported failures and missed
// load deadlines both surface as a NavigationError.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	client := p.conn.client
	sessionID, err := client.AttachTarget(ctx, p.targetID)
	if err != nil {
		return err
	}

	if _, err := client.CallSession(ctx, sessionID, "Page.enable", nil); err != nil {
		return fmt.Errorf("enabling Page domain: %w", err)
	}

	p.conn.state.CompareAndSwap(int32(StateReady), int32(StateNavigating))
	defer p.conn.state.CompareAndSwap(int32(StateNavigating), int32(StateReady))

	p.conn.bus.Emit(event.PageNavigating, map[string]interface{}{"url": url})

	// Subscribe to the load signal before navigating so it cannot be missed.
	loadCh := client.Subscribe(sessionID, "Page.loadEventFired")
	defer client.Unsubscribe(sessionID, "Page.loadEventFired", loadCh)

	navResult, err := client.CallSession(ctx, sessionID, "Page.navigate", map[string]string{
		"url": url,
	})
	if err != nil {
		return fmt.Errorf("navigating: %w", err)
	}

	var navResp struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(navResult, &navResp); err != nil {
		return fmt.Errorf("parsing navigate response: %w", err)
	}

	if navResp.ErrorText != "" {
		return &NavigationError{URL: url, Reason: navResp.ErrorText}
	}

	select {
	case <-loadCh:
		// Load completed.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.conn.client.CloseNotify():
		return cdp.ErrConnectionClosed
	case <-time.After(p.conn.navTimeout):
		return &NavigationError{URL: url, Reason: fmt.Sprintf("timeout after %s waiting for load", p.conn.navTimeout)}
	}

	p.conn.bus.Emit(event.PageLoaded, map[string]interface{}{"url": url})
	return nil
}

// Eval executes a script expression in page context and returns its
// structured result. An exception in page context surfaces as an EvalError.
func (p *Page) Eval(ctx context.Context, expression string) (interface{}, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()
	return p.eval(ctx, expression)
}

func (p *Page) eval(ctx context.Context, expression string) (interface{}, error) {
	client := p.conn.client
	sessionID, err := client.AttachTarget(ctx, p.targetID)
	if err != nil {
		return nil, err
	}

	if _, err := client.CallSession(ctx, sessionID, "Runtime.enable", nil); err != nil {
		return nil, fmt.Errorf("enabling Runtime domain: %w", err)
	}

	result, err := client.CallSession(ctx, sessionID, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}

	var evalResp struct {
		Result struct {
			Type  string      `json:"type"`
			Value interface{} `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResp); err != nil {
		return nil, fmt.Errorf("parsing eval response: %w", err)
	}

	if evalResp.ExceptionDetails != nil {
		text := evalResp.ExceptionDetails.Text
		if evalResp.ExceptionDetails.Exception != nil && evalResp.ExceptionDetails.Exception.Description != "" {
			text = evalResp.ExceptionDetails.Exception.Description
		}
		return nil, &EvalError{Text: text}
	}

	return evalResp.Result.Value, nil
}

// URL returns the current page URL.
func (p *Page) URL(ctx context.Context) (string, error) {
	return p.evalString(ctx, "document.location.href")
}

// Title returns the current page title.
func (p *Page) Title(ctx context.Context) (string, error) {
	return p.evalString(ctx, "document.title")
}

func (p *Page) evalString(ctx context.Context, expression string) (string, error) {
	result, err := p.Eval(ctx, expression)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", result), nil
}

// Text returns the page's rendered text content.
func (p *Page) Text(ctx context.Context) (string, error) {
	return p.evalString(ctx, "document.body ? document.body.innerText : ''")
}

// Source returns the full HTML source of the page.
func (p *Page) Source(ctx context.Context) (string, error) {
	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	defer p.release()

	client := p.conn.client
	sessionID, err := client.AttachTarget(ctx, p.targetID)
	if err != nil {
		return "", err
	}

	result, err := client.CallSession(ctx, sessionID, "DOM.getDocument", map[string]interface{}{
		"depth": -1,
	})
	if err != nil {
		return "", fmt.Errorf("getting document: %w", err)
	}

	var docResult struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(result, &docResult); err != nil {
		return "", fmt.Errorf("parsing document: %w", err)
	}

	result, err = client.CallSession(ctx, sessionID, "DOM.getOuterHTML", map[string]interface{}{
		"nodeId": docResult.Root.NodeID,
	})
	if err != nil {
		return "", fmt.Errorf("getting outer HTML: %w", err)
	}

	var htmlResult struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := json.Unmarshal(result, &htmlResult); err != nil {
		return "", fmt.Errorf("parsing outer HTML: %w", err)
	}

	return htmlResult.OuterHTML, nil
}

// Screenshot requests a raster capture and returns the decoded bytes.
// Integrity validation lives a level up, in the capture package.
func (p *Page) Screenshot(ctx context.Context, format string) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	client := p.conn.client
	sessionID, err := client.AttachTarget(ctx, p.targetID)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{}
	if format != "" {
		params["format"] = format
	}

	result, err := client.CallSession(ctx, sessionID, "Page.captureScreenshot", params)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}

	var screenshotResp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &screenshotResp); err != nil {
		return nil, fmt.Errorf("parsing screenshot response: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(screenshotResp.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot data: %w", err)
	}

	return data, nil
}

// Dispatch sends a raw protocol command against this page's session and
// returns the raw result. The long tail of protocol methods flows through
// here.
func (p *Page) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	return p.conn.client.RawCallTarget(ctx, p.targetID, method, params)
}
