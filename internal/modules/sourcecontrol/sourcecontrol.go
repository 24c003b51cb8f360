// Package sourcecontrol provides the source-control feature module and the
// environment variables routes it owns.
package sourcecontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
	"flowdeck/internal/observability/logging"
)

const preferencesFile = "preferences.json"

type Config struct {
	Dir    string
	Branch string
	Logger *slog.Logger
	// LookPath locates the git binary. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Preferences is persisted in the source-control directory.
type Preferences struct {
	BranchName    string `json:"branchName"`
	RepositoryURL string `json:"repositoryUrl"`
	Connected     bool   `json:"connected"`
	GitAvailable  bool   `json:"gitAvailable"`
}

type Module struct {
	cfg       Config
	logger    *slog.Logger
	lookPath  func(string) (string, error)
	variables *Variables

	mu          sync.RWMutex
	initialized bool
	prefs       Preferences
}

func New(cfg Config) *Module {
	lookPath := cfg.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if strings.TrimSpace(cfg.Branch) == "" {
		cfg.Branch = "main"
	}
	return &Module{
		cfg:       cfg,
		logger:    logging.WithComponent(logging.OrDefault(cfg.Logger), "source-control"),
		lookPath:  lookPath,
		variables: NewVariables(),
	}
}

func (m *Module) Name() string { return "source-control" }

// Init provisions the working directory and loads saved preferences.
func (m *Module) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	dir := strings.TrimSpace(m.cfg.Dir)
	if dir == "" {
		return fmt.Errorf("source control directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create source control dir: %w", err)
	}

	prefs := Preferences{BranchName: m.cfg.Branch}
	data, err := os.ReadFile(filepath.Join(dir, preferencesFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &prefs); err != nil {
			return fmt.Errorf("decode source control preferences: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read source control preferences: %w", err)
	}
	_, lookErr := m.lookPath("git")
	prefs.GitAvailable = lookErr == nil
	if !prefs.GitAvailable {
		m.logger.Warn("git binary not found, source control stays disconnected")
	}

	m.prefs = prefs
	m.initialized = true
	return nil
}

func (m *Module) Preferences() Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs
}

// UpdatePreferences applies the editable fields and persists the result.
func (m *Module) UpdatePreferences(update Preferences) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return Preferences{}, fmt.Errorf("source control is not initialized")
	}
	next := m.prefs
	if branch := strings.TrimSpace(update.BranchName); branch != "" {
		next.BranchName = branch
	}
	if repo := strings.TrimSpace(update.RepositoryURL); repo != "" {
		next.RepositoryURL = repo
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return Preferences{}, fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.cfg.Dir, preferencesFile), data, 0o600); err != nil {
		return Preferences{}, fmt.Errorf("write preferences: %w", err)
	}
	m.prefs = next
	return next, nil
}

func (m *Module) Variables() *Variables { return m.variables }

func (m *Module) RegisterRoutes(r chi.Router) {
	r.Get("/source-control/preferences", m.handleGetPreferences)
	r.Post("/source-control/preferences", m.handleUpdatePreferences)
	r.Route("/variables", func(r chi.Router) {
		r.Get("/", m.handleListVariables)
		r.Post("/", m.handleCreateVariable)
		r.Delete("/{id}", m.handleDeleteVariable)
	})
}

func (m *Module) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, m.Preferences())
}

func (m *Module) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var update Preferences
	if err := api.DecodeJSON(r, &update); err != nil {
		api.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid preferences: %w", err))
		return
	}
	prefs, err := m.UpdatePreferences(update)
	if err != nil {
		logging.FromRequest(r, m.logger).Error("update source control preferences", "error", err)
		api.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	api.WriteData(w, http.StatusOK, prefs)
}

func (m *Module) handleListVariables(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, m.variables.List())
}

func (m *Module) handleCreateVariable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid variable: %w", err))
		return
	}
	variable, err := m.variables.Create(req.Key, req.Value)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrDuplicateKey) {
			status = http.StatusConflict
		}
		api.WriteError(w, status, err)
		return
	}
	api.WriteData(w, http.StatusCreated, variable)
}

func (m *Module) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	if !m.variables.Delete(chi.URLParam(r, "id")) {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("variable not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
