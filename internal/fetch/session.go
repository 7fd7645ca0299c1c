package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/hikkoshi-lab/estate-crawler/internal/config"
)

// Session is a cookie-jar HTTP client tuned for polite listing-site
// crawling: UA rotation, per-request politeness delay, retry with
// Retry-After and exponential backoff, brotli/gzip/deflate handling and
// charset-aware decoding of Japanese pages.
type Session struct {
	client     *http.Client
	cfg        config.FetchConfig
	proxies    *ProxyRotation
	logger     *slog.Logger
	userAgents []string
	uaIndex    atomic.Int64
	lastFetch  atomic.Int64 // unix nanos of the last request start
}

// NewSession builds a Session from config. Each scraper gets its own
// Session (and cookie jar) via the Manager.
func NewSession(cfg config.FetchConfig, proxyCfg config.ProxyConfig, logger *slog.Logger) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure,
		},
		// Decompression is handled here, including brotli.
		DisableCompression: true,
	}

	var proxies *ProxyRotation
	if proxyCfg.Enabled && len(proxyCfg.URLs) > 0 {
		proxies = NewProxyRotation(proxyCfg, logger)
		transport.Proxy = proxies.ProxyFunc()
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", cfg.MaxRedirects)
		}
		return nil
	}

	return &Session{
		client: &http.Client{
			Transport:     transport,
			Jar:           jar,
			Timeout:       cfg.Timeout,
			CheckRedirect: redirectPolicy,
		},
		cfg:        cfg,
		proxies:    proxies,
		logger:     logger.With("component", "fetch_session"),
		userAgents: cfg.UserAgents,
	}, nil
}

// Get fetches a URL, retrying retryable failures up to MaxRetries with
// exponential backoff. The politeness delay is applied before every
// attempt; a 429 Retry-After overrides the backoff.
func (s *Session) Get(ctx context.Context, rawURL string) (*Response, error) {
	var lastErr error
	delay := s.cfg.RetryDelay

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			var fe *FetchError
			if errors.As(lastErr, &fe) && fe.RetryAfter > 0 {
				wait = fe.RetryAfter
			}
			s.logger.Debug("retrying fetch", "url", rawURL, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		if err := s.politeWait(ctx); err != nil {
			return nil, err
		}

		resp, err := s.fetchOnce(ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *Session) fetchOnce(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	req.Header.Set("User-Agent", s.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.7,en;q=0.3")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")

	start := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err, Retryable: isRetryable(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("rate limited, retry after %s", retryAfter),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server error: %s", strings.TrimSpace(string(body))),
			Retryable:  true,
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("client error"),
		}
	}

	var reader io.Reader = resp.Body
	if s.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, s.cfg.MaxBodySize)
	}
	reader, err = decompressReader(resp, reader)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err, Retryable: true}
	}

	body, err := decodeToUTF8(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	s.logger.Debug("fetch complete",
		"url", rawURL,
		"status", resp.StatusCode,
		"size", len(body),
		"duration", duration,
	)

	return &Response{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  start,
		Duration:   duration,
	}, nil
}

// politeWait spaces requests by the politeness delay with ±25% jitter.
func (s *Session) politeWait(ctx context.Context) error {
	if s.cfg.PolitenessDelay <= 0 {
		return nil
	}
	last := time.Unix(0, s.lastFetch.Load())
	wait := s.cfg.PolitenessDelay - time.Since(last)
	if wait > 0 {
		jitter := time.Duration(rand.Float64() * 0.5 * float64(s.cfg.PolitenessDelay))
		wait += jitter - s.cfg.PolitenessDelay/4
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	s.lastFetch.Store(time.Now().UnixNano())
	return nil
}

// Close drops idle connections. Cookies survive until Reset.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// ResetCookies discards all cookies, forcing a fresh login/session state
// on the next request. Used after a long pause.
func (s *Session) ResetCookies() {
	jar, err := cookiejar.New(nil)
	if err == nil {
		s.client.Jar = jar
	}
}

func (s *Session) nextUserAgent() string {
	if len(s.userAgents) == 0 {
		return "estate-crawler/" + config.Version
	}
	idx := s.uaIndex.Add(1) % int64(len(s.userAgents))
	return s.userAgents[idx]
}

// decompressReader wraps the body with the decoder its Content-Encoding
// demands: gzip, deflate or brotli.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// decodeToUTF8 converts a page body to UTF-8. charset.NewReader handles
// declared encodings (headers, meta tags, BOM); older Japanese listing
// sites that declare nothing get a Shift_JIS fallback when the bytes
// don't look like valid UTF-8.
func decodeToUTF8(raw []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err == nil {
		if decoded, err := io.ReadAll(r); err == nil {
			return decoded, nil
		}
	}
	decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), raw)
	if err != nil {
		// Not Shift_JIS either; hand back the raw bytes.
		return raw, nil
	}
	return decoded, nil
}

// parseRetryAfter parses a Retry-After header: integer seconds or an
// HTTP date, capped at two minutes.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		switch {
		case d < 0:
			return time.Second
		case d > 2*time.Minute:
			return 2 * time.Minute
		default:
			return d
		}
	}
	return 5 * time.Second
}
