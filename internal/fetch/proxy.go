package fetch

import (
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/hikkoshi-lab/estate-crawler/internal/config"
)

// ProxyRotation cycles outbound requests over a pool of proxies,
// skipping ones marked unhealthy.
type ProxyRotation struct {
	mu       sync.RWMutex
	proxies  []*proxyEntry
	rotation string
	index    atomic.Int64
	logger   *slog.Logger
}

type proxyEntry struct {
	url     *url.URL
	healthy bool
}

// NewProxyRotation builds the pool from config, dropping unparseable
// URLs with a warning.
func NewProxyRotation(cfg config.ProxyConfig, logger *slog.Logger) *ProxyRotation {
	pr := &ProxyRotation{
		proxies:  make([]*proxyEntry, 0, len(cfg.URLs)),
		rotation: cfg.Rotation,
		logger:   logger.With("component", "proxy_rotation"),
	}
	for _, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			pr.logger.Warn("invalid proxy url", "url", raw, "error", err)
			continue
		}
		pr.proxies = append(pr.proxies, &proxyEntry{url: u, healthy: true})
	}
	pr.logger.Info("proxy rotation ready", "count", len(pr.proxies), "rotation", cfg.Rotation)
	return pr
}

// ProxyFunc adapts the rotation to http.Transport. A nil return means a
// direct connection.
func (pr *ProxyRotation) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		return pr.Next(), nil
	}
}

// Next returns the next healthy proxy per the rotation strategy, or nil
// when none are healthy.
func (pr *ProxyRotation) Next() *url.URL {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	var healthy []*proxyEntry
	for _, p := range pr.proxies {
		if p.healthy {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	if pr.rotation == "random" {
		return healthy[rand.Intn(len(healthy))].url
	}
	idx := pr.index.Add(1) % int64(len(healthy))
	return healthy[idx].url
}

// MarkFailed takes a proxy out of rotation.
func (pr *ProxyRotation) MarkFailed(proxyURL *url.URL, err error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for _, p := range pr.proxies {
		if p.url.String() == proxyURL.String() {
			p.healthy = false
			pr.logger.Warn("proxy marked unhealthy", "proxy", proxyURL.Host, "error", err)
			return
		}
	}
}

// HealthyCount returns the number of proxies still in rotation.
func (pr *ProxyRotation) HealthyCount() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	n := 0
	for _, p := range pr.proxies {
		if p.healthy {
			n++
		}
	}
	return n
}
