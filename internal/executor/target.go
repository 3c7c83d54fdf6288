package executor

import (
	"context"
	"encoding/json"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/capture"
)

// PageTarget adapts a live page and its capture pipeline to the Target
// surface. Screenshots go through the capturer so they pick up integrity
// checks and the capture deadline.
type PageTarget struct {
	page *browser.Page
	capt *capture.Capturer
}

func NewPageTarget(page *browser.Page, capt *capture.Capturer) *PageTarget {
	return &PageTarget{page: page, capt: capt}
}

func (t *PageTarget) Navigate(ctx context.Context, url string) error {
	return t.page.Navigate(ctx, url)
}

func (t *PageTarget) Eval(ctx context.Context, expression string) (interface{}, error) {
	return t.page.Eval(ctx, expression)
}

func (t *PageTarget) ScreenshotToFile(ctx context.Context, path string) (*capture.ScreenshotInfo, error) {
	return t.capt.ScreenshotToFile(ctx, path)
}

func (t *PageTarget) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return t.page.Dispatch(ctx, method, params)
}
