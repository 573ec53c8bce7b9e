package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

// Navigate loads url in the page and returns the resulting document id.
func (b *Browser) Navigate(ctx context.Context, url string) (string, error) {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return "", err
	}

	action := cdppage.Navigate(url)
	_, documentID, errorText, err := action.Do(pctx)
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating to %q: %s", url, errorText)
	}
	return documentID.String(), nil
}

// NavigateBack moves one entry back in the page's history. Without a
// previous entry it is a no-op.
func (b *Browser) NavigateBack(ctx context.Context) error {
	return b.navigateHistory(ctx, -1)
}

// NavigateForward moves one entry forward in the page's history.
func (b *Browser) NavigateForward(ctx context.Context) error {
	return b.navigateHistory(ctx, +1)
}

func (b *Browser) navigateHistory(ctx context.Context, delta int64) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}

	current, entries, err := cdppage.GetNavigationHistory().Do(pctx)
	if err != nil {
		return fmt.Errorf("getting navigation history: %w", err)
	}
	idx := current + delta
	if idx < 0 || idx >= int64(len(entries)) {
		return nil
	}
	if err := cdppage.NavigateToHistoryEntry(entries[idx].ID).Do(pctx); err != nil {
		return fmt.Errorf("navigating history: %w", err)
	}
	return nil
}

// Reload reloads the current page.
func (b *Browser) Reload(ctx context.Context) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}
	if err := cdppage.Reload().Do(pctx); err != nil {
		return fmt.Errorf("reloading page: %w", err)
	}
	return nil
}

// Screenshot captures the current page. format is "png" or "jpeg";
// quality applies to jpeg only.
func (b *Browser) Screenshot(ctx context.Context, format string, quality int64) ([]byte, error) {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return nil, err
	}

	capture := cdppage.CaptureScreenshot()
	switch format {
	case "jpeg":
		capture = capture.WithFormat(cdppage.CaptureScreenshotFormatJpeg).
			WithQuality(quality)
	default:
		capture = capture.WithFormat(cdppage.CaptureScreenshotFormatPng)
	}

	buf, err := capture.Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// Evaluate runs a JavaScript expression in the page and returns its value
// as raw JSON.
func (b *Browser) Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error) {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return nil, err
	}

	obj, exc, err := runtime.Evaluate(expression).
		WithReturnByValue(true).
		Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	if exc != nil {
		return nil, fmt.Errorf("evaluating expression: %s", exc.Text)
	}
	if obj == nil || obj.Value == nil {
		return easyjson.RawMessage("null"), nil
	}
	return obj.Value, nil
}

// SetViewport overrides the page's device metrics.
func (b *Browser) SetViewport(ctx context.Context, size Size) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}

	action := emulation.SetDeviceMetricsOverride(size.Width, size.Height, 1.0, false)
	if err := action.Do(pctx); err != nil {
		return fmt.Errorf("setting viewport to %dx%d: %w", size.Width, size.Height, err)
	}

	b.mu.Lock()
	b.viewport = size
	b.mu.Unlock()
	return nil
}

// EmulateMedia sets the page's emulated prefers-color-scheme.
func (b *Browser) EmulateMedia(ctx context.Context, colorScheme string) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}

	action := emulation.SetEmulatedMedia().
		WithFeatures([]*emulation.MediaFeature{
			{Name: "prefers-color-scheme", Value: colorScheme},
		})
	if err := action.Do(pctx); err != nil {
		return fmt.Errorf("emulating media %q: %w", colorScheme, err)
	}
	return nil
}

func epochSeconds(t *cdp.TimeSinceEpoch) float64 {
	if t == nil {
		return 0
	}
	return float64(time.Time(*t).UnixNano()) / float64(time.Second)
}

func epochTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}
