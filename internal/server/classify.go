package server

import (
	"net/http"
	"regexp"
	"strings"

	"flowdeck/internal/config"
)

// Classification is the outcome of routing an unclaimed request.
type Classification int

const (
	NotUI Classification = iota
	UINavigation
)

func (c Classification) String() string {
	if c == UINavigation {
		return "ui-navigation"
	}
	return "not-ui"
}

// staticNonUISegments are first path segments that never serve the SPA shell.
var staticNonUISegments = []string{"favicon.ico", "assets", "static", "types", "healthz", "metrics", "e2e"}

// NonUIRoutes is the ordered set of first path segments excluded from SPA
// navigation, compiled once into a single prefix pattern.
type NonUIRoutes struct {
	segments []string
	pattern  *regexp.Regexp
}

// NewNonUIRoutes drops empty segments and compiles the rest. With no
// segments left the set matches nothing.
func NewNonUIRoutes(segments ...string) *NonUIRoutes {
	kept := make([]string, 0, len(segments))
	quoted := make([]string, 0, len(segments))
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		kept = append(kept, segment)
		quoted = append(quoted, regexp.QuoteMeta(segment))
	}
	routes := &NonUIRoutes{segments: kept}
	if len(quoted) > 0 {
		routes.pattern = regexp.MustCompile(`^/(` + strings.Join(quoted, "|") + `)/?.*$`)
	}
	return routes
}

// NonUIRoutesFor builds the set from the configuration: the static list, the
// REST prefix, the preset credentials endpoint, the public API path when the
// API is disabled, and the colon separated extras.
func NonUIRoutesFor(snap config.Snapshot) *NonUIRoutes {
	segments := append([]string(nil), staticNonUISegments...)
	segments = append(segments, snap.Endpoints.Rest, snap.Credentials.OverwriteEndpoint)
	if snap.PublicAPI.Disabled {
		segments = append(segments, snap.PublicAPI.Path)
	}
	segments = append(segments, strings.Split(snap.Endpoints.AdditionalNonUIRoutes, ":")...)
	return NewNonUIRoutes(segments...)
}

// Match reports whether path starts with one of the segments.
func (n *NonUIRoutes) Match(path string) bool {
	if n == nil || n.pattern == nil {
		return false
	}
	return n.pattern.MatchString(path)
}

func (n *NonUIRoutes) Segments() []string {
	if n == nil {
		return nil
	}
	return append([]string(nil), n.segments...)
}

// Classify decides whether a request is a browser navigation that should get
// the SPA shell.
func Classify(method, accept, path string, nonUI *NonUIRoutes) Classification {
	if method != http.MethodGet {
		return NotUI
	}
	if !strings.Contains(accept, "text/html") && !strings.Contains(accept, "*/*") {
		return NotUI
	}
	if nonUI.Match(path) {
		return NotUI
	}
	return UINavigation
}
