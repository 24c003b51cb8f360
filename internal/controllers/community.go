package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/api"
	"flowdeck/internal/nodes"
)

// CommunityPackages lists the node packages found in the packages directory.
type CommunityPackages struct {
	registry *nodes.Registry
}

func NewCommunityPackages(registry *nodes.Registry) *CommunityPackages {
	return &CommunityPackages{registry: registry}
}

func (c *CommunityPackages) Name() string { return "community-packages" }

// Init rescans the packages directory so the listing reflects disk state.
func (c *CommunityPackages) Init(context.Context) error {
	return c.registry.Scan()
}

func (c *CommunityPackages) RegisterRoutes(r chi.Router) {
	r.Get("/community-packages", c.handleList)
}

type installedPackage struct {
	PackageName      string   `json:"packageName"`
	InstalledVersion string   `json:"installedVersion"`
	InstalledNodes   []string `json:"installedNodes"`
}

func (c *CommunityPackages) handleList(w http.ResponseWriter, r *http.Request) {
	pkgs := c.registry.Packages()
	out := make([]installedPackage, 0, len(pkgs))
	for _, pkg := range pkgs {
		installedNodes := pkg.Nodes
		if installedNodes == nil {
			installedNodes = []string{}
		}
		out = append(out, installedPackage{
			PackageName:      pkg.Name,
			InstalledVersion: pkg.Version,
			InstalledNodes:   installedNodes,
		})
	}
	api.WriteData(w, http.StatusOK, out)
}
