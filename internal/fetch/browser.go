package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hikkoshi-lab/estate-crawler/internal/config"
)

// Browser renders JS-heavy listing pages through a headless Chromium
// controlled by rod. One Browser may serve several sessions; pages are
// created per fetch.
type Browser struct {
	cfg     config.BrowserConfig
	logger  *slog.Logger
	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowser prepares a lazy Browser. Chromium launches on first use so
// runs without any browser-backed adapter never pay for it.
func NewBrowser(cfg config.BrowserConfig, logger *slog.Logger) *Browser {
	return &Browser{
		cfg:    cfg,
		logger: logger.With("component", "browser_fetcher"),
	}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().
		Headless(b.cfg.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")
	if b.cfg.BinPath != "" {
		l = l.Bin(b.cfg.BinPath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	b.browser = browser
	b.logger.Info("browser ready", "headless", b.cfg.Headless, "stealth", b.cfg.Stealth)
	return browser, nil
}

// Get navigates to a URL and returns the rendered HTML once the page
// settles.
func (b *Browser) Get(ctx context.Context, rawURL string) (*Response, error) {
	browser, err := b.connect()
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err, Retryable: true}
	}

	start := time.Now()

	var page *rod.Page
	if b.cfg.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err, Retryable: true}
	}
	defer page.Close()

	page = page.Context(ctx)

	if err := page.Timeout(b.cfg.PageTimeout).Navigate(rawURL); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err, Retryable: true}
	}
	if err := page.Timeout(b.cfg.PageTimeout).WaitStable(b.cfg.WaitStable); err != nil {
		b.logger.Warn("page stability timeout, continuing", "url", rawURL, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err, Retryable: true}
	}

	finalURL := rawURL
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	duration := time.Since(start)
	b.logger.Debug("browser fetch complete", "url", rawURL, "size", len(html), "duration", duration)

	return &Response{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: 200,
		Body:       []byte(html),
		FetchedAt:  start,
		Duration:   duration,
	}, nil
}

// Close shuts the Chromium instance down if it was ever launched.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
