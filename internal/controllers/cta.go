package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
)

// CTA decides whether the editor shows the become-a-creator call to action.
// It is shown once the instance has at least Threshold installed packages.
type CTA struct {
	count     func() int
	threshold int
}

func NewCTA(count func() int, threshold int) *CTA {
	if threshold <= 0 {
		threshold = 1
	}
	return &CTA{count: count, threshold: threshold}
}

func (c *CTA) Name() string { return "cta" }

func (c *CTA) Init(context.Context) error { return nil }

func (c *CTA) RegisterRoutes(r chi.Router) {
	r.Get("/cta/become-creator", c.handleBecomeCreator)
}

func (c *CTA) handleBecomeCreator(w http.ResponseWriter, r *http.Request) {
	show := c.count != nil && c.count() >= c.threshold
	api.WriteData(w, http.StatusOK, show)
}
