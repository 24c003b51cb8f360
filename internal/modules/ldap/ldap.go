// Package ldap provides the directory-service feature module: configuration
// validation at startup plus the config and connection-test endpoints.
package ldap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
	"flowdeck/internal/observability/logging"
)

const defaultConnectTimeout = 5 * time.Second

type Config struct {
	URL            string
	BaseDN         string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	// Dial overrides the TCP dialer used by the connection test.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Settings is the public view of the directory configuration.
type Settings struct {
	URL    string `json:"url"`
	Host   string `json:"host"`
	TLS    bool   `json:"tls"`
	BaseDN string `json:"baseDn"`
}

// Module validates the directory URL on Init and exposes it over REST.
type Module struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	mu       sync.RWMutex
	settings *Settings
}

func New(cfg Config) *Module {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	dial := cfg.Dial
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}
	return &Module{
		cfg:    cfg,
		logger: logging.WithComponent(logging.OrDefault(cfg.Logger), "ldap"),
		dial:   dial,
	}
}

func (m *Module) Name() string { return "ldap" }

// Init parses the configured URL. The directory itself is only contacted by
// the connection test.
func (m *Module) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings != nil {
		return nil
	}
	settings, err := parse(m.cfg.URL, m.cfg.BaseDN)
	if err != nil {
		return err
	}
	m.settings = &settings
	m.logger.Info("ldap configured", "host", settings.Host, "tls", settings.TLS)
	return nil
}

func parse(raw, baseDN string) (Settings, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Settings{}, fmt.Errorf("ldap url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("parse ldap url: %w", err)
	}
	var tls bool
	var port string
	switch strings.ToLower(u.Scheme) {
	case "ldap":
		port = "389"
	case "ldaps":
		tls = true
		port = "636"
	default:
		return Settings{}, fmt.Errorf("unsupported ldap scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Settings{}, fmt.Errorf("ldap url %q has no host", raw)
	}
	if u.Port() != "" {
		port = u.Port()
	}
	return Settings{
		URL:    raw,
		Host:   net.JoinHostPort(u.Hostname(), port),
		TLS:    tls,
		BaseDN: strings.TrimSpace(baseDN),
	}, nil
}

// Settings returns the parsed configuration, or false before Init.
func (m *Module) Settings() (Settings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return Settings{}, false
	}
	return *m.settings, true
}

// TestConnection opens and closes a TCP connection to the directory.
func (m *Module) TestConnection(ctx context.Context) error {
	settings, ok := m.Settings()
	if !ok {
		return fmt.Errorf("ldap is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.dial(ctx, "tcp", settings.Host)
	if err != nil {
		return fmt.Errorf("connect %s: %w", settings.Host, err)
	}
	return conn.Close()
}

func (m *Module) RegisterRoutes(r chi.Router) {
	r.Get("/ldap/config", m.handleConfig)
	r.Post("/ldap/test-connection", m.handleTestConnection)
}

func (m *Module) handleConfig(w http.ResponseWriter, r *http.Request) {
	settings, ok := m.Settings()
	if !ok {
		api.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("ldap is not initialized"))
		return
	}
	api.WriteData(w, http.StatusOK, settings)
}

func (m *Module) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if err := m.TestConnection(r.Context()); err != nil {
		logging.FromRequest(r, m.logger).Warn("ldap connection test failed", "error", err)
		api.WriteError(w, http.StatusBadRequest, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]bool{"success": true})
}
