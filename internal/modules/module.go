// Package modules defines the lifecycle contract shared by optional feature
// modules.
package modules

import (
	"context"

	"github.com/go-chi/chi/v5"
)

// Module is an optional subsystem. Init must be idempotent: calling it again
// after a success is a no-op.
type Module interface {
	Name() string
	Init(ctx context.Context) error
}

// RouteRegistrar is implemented by modules that expose HTTP routes. Routes are
// registered relative to the REST prefix.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Closer is implemented by modules holding resources that must be released on
// shutdown.
type Closer interface {
	Close() error
}
