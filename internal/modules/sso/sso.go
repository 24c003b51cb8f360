// Package sso provides the SAML single sign-on feature module. Init loads the
// identity provider metadata when a metadata file is configured.
package sso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
	"flowdeck/internal/observability/logging"
)

var errNoMetadata = errors.New("saml metadata is not configured")

type Config struct {
	MetadataFile string
	LoginEnabled bool
	Logger       *slog.Logger
}

// Endpoint is one SingleSignOnService entry of the IdP metadata.
type Endpoint struct {
	Binding  string `json:"binding"`
	Location string `json:"location"`
}

// Metadata is the subset of the IdP metadata the editor needs.
type Metadata struct {
	EntityID  string     `json:"entityId"`
	Endpoints []Endpoint `json:"endpoints"`
	raw       []byte
}

type Module struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	metadata *Metadata
}

func New(cfg Config) *Module {
	return &Module{cfg: cfg, logger: logging.WithComponent(logging.OrDefault(cfg.Logger), "sso")}
}

func (m *Module) Name() string { return "sso" }

func (m *Module) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	path := strings.TrimSpace(m.cfg.MetadataFile)
	if path == "" {
		m.loaded = true
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read saml metadata: %w", err)
	}
	metadata, err := ParseMetadata(data)
	if err != nil {
		return err
	}
	m.metadata = metadata
	m.loaded = true
	m.logger.Info("saml metadata loaded", "entity_id", metadata.EntityID, "endpoints", len(metadata.Endpoints))
	return nil
}

// ParseMetadata extracts the entity id and SSO endpoints of an
// EntityDescriptor document.
func ParseMetadata(data []byte) (*Metadata, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse saml metadata: %w", err)
	}
	entity, err := xmlquery.Query(doc, "//*[local-name()='EntityDescriptor']")
	if err != nil {
		return nil, fmt.Errorf("query saml metadata: %w", err)
	}
	if entity == nil {
		return nil, fmt.Errorf("saml metadata has no EntityDescriptor")
	}
	entityID := strings.TrimSpace(entity.SelectAttr("entityID"))
	if entityID == "" {
		return nil, fmt.Errorf("saml metadata has no entityID")
	}

	services, err := xmlquery.QueryAll(entity, ".//*[local-name()='IDPSSODescriptor']/*[local-name()='SingleSignOnService']")
	if err != nil {
		return nil, fmt.Errorf("query saml metadata: %w", err)
	}
	metadata := &Metadata{EntityID: entityID, raw: append([]byte(nil), data...)}
	for _, service := range services {
		location := strings.TrimSpace(service.SelectAttr("Location"))
		if location == "" {
			continue
		}
		metadata.Endpoints = append(metadata.Endpoints, Endpoint{
			Binding:  strings.TrimSpace(service.SelectAttr("Binding")),
			Location: location,
		})
	}
	return metadata, nil
}

// Metadata returns the loaded metadata, or false when none is configured.
func (m *Module) Metadata() (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metadata == nil {
		return Metadata{}, false
	}
	return *m.metadata, true
}

func (m *Module) RegisterRoutes(r chi.Router) {
	r.Get("/sso/saml/metadata", m.handleMetadata)
	r.Get("/sso/saml/config", m.handleConfig)
}

func (m *Module) handleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, ok := m.Metadata()
	if !ok {
		api.WriteError(w, http.StatusNotFound, errNoMetadata)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(metadata.raw)
}

func (m *Module) handleConfig(w http.ResponseWriter, r *http.Request) {
	metadata, ok := m.Metadata()
	payload := map[string]interface{}{
		"loginEnabled": m.cfg.LoginEnabled && ok,
		"configured":   ok,
	}
	if ok {
		payload["entityId"] = metadata.EntityID
		payload["endpoints"] = metadata.Endpoints
	}
	api.WriteData(w, http.StatusOK, payload)
}
