// Package capture produces verified artifacts from a live page: raster
// screenshots, DOM snapshots, and rendered text. Every capture is wrapped in
// a timeout guard so a stalled protocol exchange surfaces as a typed error
// instead of hanging the caller, and screenshot output is validated before
// it is ever reported as a success.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pkeller/steersman/internal/event"
	"github.com/pkeller/steersman/internal/guard"
)

// minScreenshotBytes is the size a capture must exceed to count as real
// output. A protocol-level success at or below it is a degenerate capture.
const minScreenshotBytes = 1000

var (
	pngSignature  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegSignature = []byte{0xff, 0xd8, 0xff}
)

// Page is the page surface the capturer drives.
type Page interface {
	Screenshot(ctx context.Context, format string) ([]byte, error)
	Source(ctx context.Context) (string, error)
	Text(ctx context.Context) (string, error)
}

// ScreenshotInfo describes a verified screenshot written to storage.
type ScreenshotInfo struct {
	Path      string `json:"path"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
}

// Options configures a Capturer.
type Options struct {
	// Fs receives written artifacts. Nil means the OS filesystem.
	Fs afero.Fs

	// Timeout bounds each capture operation. Zero means guard.DefaultTimeout.
	Timeout time.Duration

	// Format is the screenshot format, "png" (default) or "jpeg".
	Format string

	// Logger receives capture diagnostics. Nil means silent.
	Logger logrus.FieldLogger

	// Bus receives capture-succeeded events. Nil means none.
	Bus *event.Bus
}

// Capturer produces verified captures from one page. Captures are serialized:
// a call fully resolves before the next begins, even across goroutines.
type Capturer struct {
	page    Page
	fs      afero.Fs
	timeout time.Duration
	format  string
	log     logrus.FieldLogger
	bus     *event.Bus
	mu      sync.Mutex
}

// New returns a Capturer over the given page.
func New(page Page, opts Options) *Capturer {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	format := opts.Format
	if format == "" {
		format = "png"
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Capturer{
		page:    page,
		fs:      fs,
		timeout: opts.Timeout,
		format:  format,
		log:     log,
		bus:     opts.Bus,
	}
}

// Screenshot captures the current page as image bytes, verified against the
// format signature and the minimum size threshold.
func (c *Capturer) Screenshot(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenshot(ctx)
}

func (c *Capturer) screenshot(ctx context.Context) ([]byte, error) {
	data, err := guard.Do(ctx, "screenshot", c.timeout, func(ctx context.Context) ([]byte, error) {
		return c.page.Screenshot(ctx, c.format)
	})
	if err != nil {
		return nil, err
	}

	if err := verifyImage(data, c.format); err != nil {
		return nil, err
	}

	c.bus.Emit(event.CaptureSucceeded, map[string]interface{}{
		"kind": "screenshot",
		"size": len(data),
	})
	c.log.WithField("size", len(data)).Debug("screenshot captured")
	return data, nil
}

// ScreenshotToFile captures a verified screenshot and writes it to path,
// creating parent directories as needed. Returns the canonical path and
// artifact metadata.
func (c *Capturer) ScreenshotToFile(ctx context.Context, path string) (*ScreenshotInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.screenshot(ctx)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	if err := c.fs.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := afero.WriteFile(c.fs, abs, data, 0644); err != nil {
		return nil, fmt.Errorf("writing screenshot: %w", err)
	}

	return &ScreenshotInfo{
		Path:      abs,
		Format:    c.format,
		SizeBytes: int64(len(data)),
	}, nil
}

// Text extracts the page's rendered text. A blank page legitimately yields
// an empty string.
func (c *Capturer) Text(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	text, err := guard.Do(ctx, "text extraction", c.timeout, func(ctx context.Context) (string, error) {
		return c.page.Text(ctx)
	})
	if err != nil {
		return "", err
	}

	c.bus.Emit(event.CaptureSucceeded, map[string]interface{}{
		"kind": "text",
		"size": len(text),
	})
	return text, nil
}

// DOM extracts the page's full HTML source. Even a blank page produces
// non-empty markup; an empty result is a degenerate capture.
func (c *Capturer) DOM(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	html, err := guard.Do(ctx, "dom extraction", c.timeout, func(ctx context.Context) (string, error) {
		return c.page.Source(ctx)
	})
	if err != nil {
		return "", err
	}
	if html == "" {
		return "", &IntegrityError{Kind: "dom", Reason: "empty document"}
	}

	c.bus.Emit(event.CaptureSucceeded, map[string]interface{}{
		"kind": "dom",
		"size": len(html),
	})
	return html, nil
}

func verifyImage(data []byte, format string) error {
	var sig []byte
	switch format {
	case "png":
		sig = pngSignature
	case "jpeg":
		sig = jpegSignature
	default:
		return &IntegrityError{Kind: "screenshot", Reason: fmt.Sprintf("unsupported format %q", format)}
	}

	if !bytes.HasPrefix(data, sig) {
		return &IntegrityError{Kind: "screenshot", Reason: fmt.Sprintf("output is not a valid %s image", format)}
	}
	if len(data) <= minScreenshotBytes {
		return &IntegrityError{Kind: "screenshot", Reason: fmt.Sprintf("degenerate output: %d bytes", len(data))}
	}
	return nil
}
