package headless

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

const jpegDataURLPrefix = "data:image/jpeg;base64,"

// Capture gathers the final URL, the responses seen since the last TriggerLoad,
// a full-page JPEG screenshot and the serialized document. Each artifact is
// attempted independently; whatever succeeded is returned alongside the joined
// errors of whatever did not.
func (b *Browser) Capture(ctx context.Context, res crawler.Resource) (crawler.Artifacts, error) {
	t, ok := res.(*tab)
	if !ok {
		return crawler.Artifacts{}, fmt.Errorf("unexpected resource type %T", res)
	}
	runCtx, stop := bound(t.ctx, ctx)
	defer stop()

	art := crawler.Artifacts{Headers: t.meta.snapshot(t.currentLoader())}
	var errs []error

	if err := chromedp.Run(runCtx, chromedp.Location(&art.FinalURL)); err != nil {
		errs = append(errs, fmt.Errorf("location: %w", err))
	}

	var shot []byte
	if err := chromedp.Run(runCtx, chromedp.FullScreenshot(&shot, b.cfg.ScreenshotQuality)); err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	} else {
		art.Screenshot = jpegDataURL(shot)
	}

	if err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		doc, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err := dom.GetOuterHTML().WithNodeID(doc.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		art.Source = html
		return nil
	})); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}

	return art, errors.Join(errs...)
}

func jpegDataURL(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(data)
}
