// Package controllers holds the thin REST controllers the feature activator
// mounts under the REST prefix.
package controllers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
)

// LeaderInfo describes the multi-main state of this instance.
type LeaderInfo interface {
	InstanceID() string
	IsLeader() bool
	Leader(ctx context.Context) (string, error)
}

// Debug exposes the multi-main setup for troubleshooting.
type Debug struct {
	scaling LeaderInfo
}

func NewDebug(scaling LeaderInfo) *Debug {
	return &Debug{scaling: scaling}
}

func (d *Debug) Name() string { return "debug" }

func (d *Debug) Init(context.Context) error { return nil }

func (d *Debug) RegisterRoutes(r chi.Router) {
	r.Get("/debug/multi-main-setup", d.handleMultiMainSetup)
}

func (d *Debug) handleMultiMainSetup(w http.ResponseWriter, r *http.Request) {
	if d.scaling == nil {
		api.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("multi-main setup is not running"))
		return
	}
	leader, err := d.scaling.Leader(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]interface{}{
		"instanceId": d.scaling.InstanceID(),
		"isLeader":   d.scaling.IsLeader(),
		"leaderKey":  leader,
	})
}
