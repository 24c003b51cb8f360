package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
)

// MFA reports multi-factor authentication availability.
type MFA struct{}

func NewMFA() *MFA { return &MFA{} }

func (m *MFA) Name() string { return "mfa" }

func (m *MFA) Init(context.Context) error { return nil }

func (m *MFA) RegisterRoutes(r chi.Router) {
	r.Get("/mfa/status", func(w http.ResponseWriter, r *http.Request) {
		api.WriteData(w, http.StatusOK, map[string]bool{"enabled": true})
	})
}
