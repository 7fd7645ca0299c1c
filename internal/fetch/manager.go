package fetch

import (
	"log/slog"
	"sync"

	"github.com/hikkoshi-lab/estate-crawler/internal/config"
)

// Manager hands out one Session per scraper and rebuilds the session
// state when the engine resumes a paused task. Adapters hold their
// Session for the lifetime of a task; cookies persist across areas.
type Manager struct {
	fetchCfg config.FetchConfig
	proxyCfg config.ProxyConfig
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager(fetchCfg config.FetchConfig, proxyCfg config.ProxyConfig, logger *slog.Logger) *Manager {
	return &Manager{
		fetchCfg: fetchCfg,
		proxyCfg: proxyCfg,
		logger:   logger.With("component", "session_manager"),
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for a scraper, creating it on first use.
func (m *Manager) Session(scraper string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[scraper]; ok {
		return s, nil
	}
	s, err := NewSession(m.fetchCfg, m.proxyCfg, m.logger.With("scraper", scraper))
	if err != nil {
		return nil, err
	}
	m.sessions[scraper] = s
	return s, nil
}

// Reset discards the scraper's cookies and idle connections. Called on
// resume after a pause; the site sees a fresh visitor.
func (m *Manager) Reset(scraper string) {
	m.mu.Lock()
	s, ok := m.sessions[scraper]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	s.ResetCookies()
	m.logger.Debug("session reset", "scraper", scraper)
}

// Release closes and forgets the scraper's session.
func (m *Manager) Release(scraper string) {
	m.mu.Lock()
	s, ok := m.sessions[scraper]
	delete(m.sessions, scraper)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll closes every session. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scraper, s := range m.sessions {
		s.Close()
		delete(m.sessions, scraper)
	}
}
