package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/tidwall/gjson"

	"flowdeck/internal/api"
	"flowdeck/internal/config"
	"flowdeck/internal/credentials"
	"flowdeck/internal/eventbus"
	"flowdeck/internal/features"
	"flowdeck/internal/frontend"
	"flowdeck/internal/modules"
	"flowdeck/internal/nodes"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
	"flowdeck/internal/push"
	"flowdeck/internal/serverutil"
)

const (
	pushRefHeader          = "push-ref"
	publicAPILatestVersion = 1
	readinessTimeout       = 3 * time.Second
)

type Config struct {
	Snapshot   config.Snapshot
	Version    string
	InstanceID string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Registry   *nodes.Registry
	Events     *eventbus.Service
	Bus        *eventbus.Bus
	Push       *push.Hub
	// Scaling is initialised in queue mode and required there.
	Scaling  modules.Module
	Features features.Set
	// Database backs the readiness probe. Nil reports ready.
	Database api.Pinger
	// Editor is the bundled editor UI. It seeds the SPA shell and is the last
	// static root.
	Editor fs.FS
	// Timezones is the default timezone document. Paths.TimezonesFile
	// replaces it when set.
	Timezones []byte
	NpmProbe  func(ctx context.Context) bool
	// Listener overrides binding Snapshot.Server.Addr in Run.
	Listener net.Listener
}

// Server is the configured front door. Everything it holds is read-only once
// New returns, apart from the gate and the frontend settings which guard
// themselves.
type Server struct {
	snapshot   config.Snapshot
	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger

	frontend *frontend.Service
	gate     *credentials.Gate
	report   features.Report
	policy   HeaderPolicy
	nonUI    *NonUIRoutes
}

// New runs the configure sequence. Any error is fatal for the process; the
// server must not be started when New fails.
func New(ctx context.Context, cfg Config) (*Server, error) {
	snap := cfg.Snapshot
	flags := snap.Flags()
	logger := logging.OrDefault(cfg.Logger)
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	events := cfg.Events
	if events == nil {
		events = eventbus.NewService()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New(eventbus.Config{LogFile: snap.EventBus.LogFile, Logger: logger})
	}
	hub := cfg.Push
	if hub == nil {
		hub = push.NewHub(push.Config{Logger: logger, Metrics: recorder})
	}
	registry := cfg.Registry
	if registry == nil {
		registry = nodes.NewRegistry(snap.Paths.PackagesDir, logger)
	}

	s := &Server{
		snapshot: snap,
		logger:   logger,
		policy:   NewHeaderPolicy(snap.TLSTerminating(), flags.Relaxed()),
		nonUI:    NonUIRoutesFor(snap),
		listener: cfg.Listener,
	}

	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(requestIDMiddleware(logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		Skip:   func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/healthz") },
	}))
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	limiter := newRateLimiter(snap.RateLimit)
	r.Use(globalRateLimit(limiter))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	readiness := []api.Component{{Name: "database", Check: cfg.Database}}
	if pinger, ok := cfg.Scaling.(api.Pinger); ok && flags.QueueMode {
		readiness = append(readiness, api.Component{Name: "redis", Check: pinger})
	}
	r.Get("/healthz/readiness", readinessHandler(readiness))

	if flags.Metrics {
		r.Method(http.MethodGet, "/metrics", recorder.Handler())
	}

	overwrites := credentials.NewOverwrites()
	s.frontend = frontend.New(ctx, frontend.Config{
		Version:        cfg.Version,
		InstanceID:     cfg.InstanceID,
		StaticCacheDir: snap.Paths.StaticCacheDir,
		Registry:       registry,
		Overwrites:     overwrites,
		Events:         events,
		Logger:         logger,
		Metrics:        recorder,
		NpmProbe:       cfg.NpmProbe,
		Initial: map[string]interface{}{
			"defaultLocale": snap.Locale().String(),
			"urlBaseEditor": "/",
			"endpointRest":  snap.Endpoints.Rest,
			"previewMode":   flags.Preview,
		},
	})

	publicAPI := map[string]interface{}{"enabled": false, "path": snap.PublicAPI.Path}
	if flags.PublicAPI && snap.PublicAPI.Path != "" {
		r.Mount("/"+snap.PublicAPI.Path+"/v1", publicAPIRouter())
		publicAPI["enabled"] = true
		publicAPI["latestVersion"] = publicAPILatestVersion
	}
	s.frontend.AddToSettings(map[string]interface{}{"publicApi": publicAPI})

	rest := chi.NewRouter()
	rest.Use(browserIDMiddleware(logger))
	if flags.Development {
		rest.Use(cors.Handler(cors.Options{
			AllowOriginFunc:  func(_ *http.Request, _ string) bool { return true },
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}))
	}
	rest.Get("/push", hub.ServeHTTP)

	if flags.QueueMode {
		if cfg.Scaling == nil {
			return nil, errors.New("queue mode requires a scaling service")
		}
		if err := cfg.Scaling.Init(ctx); err != nil {
			return nil, fmt.Errorf("initialize scaling: %w", err)
		}
	}

	activator := features.NewActivator(features.Config{Logger: logger, Metrics: recorder}, features.Standard(cfg.Features)...)
	report, err := activator.Activate(ctx, flags, rest)
	s.report = report
	if err != nil {
		return nil, err
	}
	for _, outcome := range report.Outcomes {
		if outcome.Status == features.StatusFailed {
			events.Emit("feature-module-failed", map[string]interface{}{"module": outcome.Name, "error": outcome.Err.Error()})
		}
	}

	timezones, err := loadTimezones(snap.Paths.TimezonesFile, cfg.Timezones)
	if err != nil {
		return nil, err
	}
	rest.Get("/options/timezones", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteData(w, http.StatusOK, timezones)
	})
	if flags.UI {
		rest.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
			api.WriteData(w, http.StatusOK, s.frontend.Settings(strings.TrimSpace(r.Header.Get(pushRefHeader))))
		})
	}
	r.Mount("/"+snap.Endpoints.Rest, rest)

	if err := bus.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	if err := eventbus.NewRelay(events, bus, logger).Init(); err != nil {
		return nil, fmt.Errorf("initialize log streaming: %w", err)
	}

	if endpoint := snap.Credentials.OverwriteEndpoint; endpoint != "" {
		s.gate = credentials.NewGate(credentials.GateConfig{
			Store:   overwrites,
			Logger:  logger,
			Metrics: recorder,
			FollowUp: func(ctx context.Context) error {
				if err := s.frontend.GenerateTypes(ctx); err != nil {
					return err
				}
				hub.Broadcast(push.Message{Type: "credentialTypesUpdated"})
				return nil
			},
			OnApplied: func(types []string) {
				events.Emit("preset-credentials-loaded", map[string]interface{}{"types": types})
			},
		})
		r.With(sensitiveRateLimit(limiter, logger)).Post("/"+endpoint, s.gate.Handler())
	}

	if err := s.frontend.PrepareStaticCache(cfg.Editor); err != nil {
		return nil, fmt.Errorf("prepare static cache: %w", err)
	}
	if err := s.frontend.GenerateTypes(ctx); err != nil {
		return nil, fmt.Errorf("generate types: %w", err)
	}

	maxAge := productionMaxAge
	if flags.Development || flags.E2E {
		maxAge = 0
	}
	fallback := fallbackHandler(newFallbackEntries(fallbackConfig{
		uiEnabled: flags.UI,
		nonUI:     s.nonUI,
		policy:    s.policy,
		primary:   os.DirFS(snap.Paths.StaticCacheDir),
		editor:    cfg.Editor,
		maxAge:    maxAge,
		logger:    logger,
	}))
	if flags.UI {
		icons := newIconHandler(registry, fallback, maxAge, logger)
		r.Method(http.MethodGet, "/icons/*", icons)
		r.Method(http.MethodHead, "/icons/*", icons)
	}
	r.NotFound(fallback)

	s.router = r
	s.httpServer = &http.Server{
		Addr:    snap.Server.Addr,
		Handler: r,
		// Push connections are long lived, so only header reads are bounded.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Run serves until ctx is cancelled. ready is closed once the listener is
// bound.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	var tlsConfig serverutil.TLSConfig
	if s.snapshot.TLSTerminating() {
		tlsConfig = serverutil.TLSConfig{CertFile: s.snapshot.Server.SSLCert, KeyFile: s.snapshot.Server.SSLKey}
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		Listener:        s.listener,
		TLS:             tlsConfig,
		ShutdownTimeout: s.snapshot.Server.ShutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Frontend() *frontend.Service {
	return s.frontend
}

// Gate is nil when the preset credentials endpoint is disabled.
func (s *Server) Gate() *credentials.Gate {
	return s.gate
}

// Report returns the Feature Activator outcomes.
func (s *Server) Report() features.Report {
	return s.report
}

func (s *Server) HeaderPolicy() HeaderPolicy {
	return s.policy
}

func (s *Server) NonUIRoutes() *NonUIRoutes {
	return s.nonUI
}

func readinessHandler(components []api.Component) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		statuses, status, code := api.ComponentHealth(ctx, components)
		if code != http.StatusOK {
			logging.FromRequest(r, nil).Warn("readiness check failed", "components", statuses)
		}
		api.WriteJSON(w, code, map[string]interface{}{"status": status, "components": statuses})
	}
}

func publicAPIRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteData(w, http.StatusOK, map[string]int{"version": publicAPILatestVersion})
	})
	return r
}

// loadTimezones prefers the override file; both sources must hold a JSON
// object.
func loadTimezones(path string, fallback []byte) (json.RawMessage, error) {
	data := fallback
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read timezones %s: %w", path, err)
		}
		data = raw
	}
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("timezones %q: not a JSON object", path)
	}
	return json.RawMessage(data), nil
}
