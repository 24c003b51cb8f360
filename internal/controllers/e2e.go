package controllers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
	"flowdeck/internal/push"
)

// Pusher delivers messages over the push channel.
type Pusher interface {
	Send(pushRef string, msg push.Message) bool
	Broadcast(msg push.Message) int
}

// E2E backs end-to-end test runs: feature flag overrides and direct push
// messages.
type E2E struct {
	pusher Pusher

	mu    sync.RWMutex
	flags map[string]bool
}

func NewE2E(pusher Pusher) *E2E {
	return &E2E{pusher: pusher, flags: make(map[string]bool)}
}

func (e *E2E) Name() string { return "e2e" }

func (e *E2E) Init(context.Context) error { return nil }

func (e *E2E) RegisterRoutes(r chi.Router) {
	r.Get("/e2e/feature-flags", e.handleGetFlags)
	r.Patch("/e2e/feature-flags", e.handleSetFlags)
	r.Post("/e2e/push", e.handlePush)
}

// Flags returns a copy of the overridden flags.
func (e *E2E) Flags() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.flags))
	for key, value := range e.flags {
		out[key] = value
	}
	return out
}

func (e *E2E) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, e.Flags())
}

func (e *E2E) handleSetFlags(w http.ResponseWriter, r *http.Request) {
	var update map[string]bool
	if err := api.DecodeJSON(r, &update); err != nil {
		api.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid feature flags: %w", err))
		return
	}
	e.mu.Lock()
	for key, value := range update {
		if key = strings.TrimSpace(key); key != "" {
			e.flags[key] = value
		}
	}
	e.mu.Unlock()
	api.WriteData(w, http.StatusOK, e.Flags())
}

func (e *E2E) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PushRef string      `json:"pushRef"`
		Type    string      `json:"type"`
		Data    interface{} `json:"data"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid push message: %w", err))
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		api.WriteError(w, http.StatusBadRequest, fmt.Errorf("type is required"))
		return
	}
	msg := push.Message{Type: req.Type, Data: req.Data}
	delivered := 0
	if req.PushRef != "" {
		if e.pusher.Send(req.PushRef, msg) {
			delivered = 1
		}
	} else {
		delivered = e.pusher.Broadcast(msg)
	}
	api.WriteData(w, http.StatusOK, map[string]int{"delivered": delivered})
}
