package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"flowdeck/internal/frontend"
	"flowdeck/internal/observability/logging"
)

// CacheDirective selects the Cache-Control value for a static response.
type CacheDirective int

const (
	LongLived CacheDirective = iota
	NoCacheRevalidate
	NoStore
)

const productionMaxAge = 24 * time.Hour

// Value renders the directive. maxAge only affects LongLived.
func (d CacheDirective) Value(maxAge time.Duration) string {
	switch d {
	case NoCacheRevalidate:
		return "no-cache, must-revalidate"
	case NoStore:
		return "no-cache, no-store, must-revalidate"
	default:
		return fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second))
	}
}

// generatedTypeFiles change whenever packages or preset credentials change,
// so browsers must revalidate them.
var generatedTypeFiles = map[string]bool{
	frontend.TypesDir + "/" + frontend.NodeTypesFile:       true,
	frontend.TypesDir + "/" + frontend.CredentialTypesFile: true,
}

func primaryCacheDirective(name string) CacheDirective {
	if generatedTypeFiles[name] {
		return NoCacheRevalidate
	}
	return LongLived
}

// staticRoot serves regular files out of one filesystem.
type staticRoot struct {
	name      string
	fsys      fs.FS
	directive func(name string) CacheDirective
	maxAge    time.Duration
}

// fileName maps a request path onto a name inside the root. Directory-like
// and escaping paths yield false.
func fileName(requestPath string) (string, bool) {
	if strings.HasSuffix(requestPath, "/") {
		return "", false
	}
	name := strings.TrimPrefix(path.Clean("/"+requestPath), "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

// has reports whether the request path names a regular file in the root.
func (s staticRoot) has(requestPath string) bool {
	if s.fsys == nil {
		return false
	}
	name, ok := fileName(requestPath)
	if !ok {
		return false
	}
	info, err := fs.Stat(s.fsys, name)
	return err == nil && info.Mode().IsRegular()
}

func (s staticRoot) serve(w http.ResponseWriter, r *http.Request) {
	name, ok := fileName(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if w.Header().Get("Cache-Control") == "" {
		directive := LongLived
		if s.directive != nil {
			directive = s.directive(name)
		}
		w.Header().Set("Cache-Control", directive.Value(s.maxAge))
	}
	if err := serveFile(w, r, s.fsys, name); err != nil {
		http.NotFound(w, r)
	}
}

// serveFile streams a regular file with Last-Modified and conditional GET
// support. The file is always closed before returning.
func serveFile(w http.ResponseWriter, r *http.Request, fsys fs.FS, name string) error {
	file, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fs.ErrNotExist
	}
	content, ok := file.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(file)
		if err != nil {
			return err
		}
		content = bytes.NewReader(data)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), content)
	return nil
}

// fallbackEntry is one step of the catch-all chain. The first entry whose
// match accepts the request handles it.
type fallbackEntry struct {
	name    string
	match   func(r *http.Request) bool
	handler http.Handler
}

type fallbackConfig struct {
	uiEnabled bool
	nonUI     *NonUIRoutes
	policy    HeaderPolicy
	primary   fs.FS
	editor    fs.FS
	maxAge    time.Duration
	logger    *slog.Logger
}

func isRead(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// newFallbackEntries builds the ordered chain: SPA shell, primary static
// root, embedded editor bundle. With the UI disabled only the primary root is
// served.
func newFallbackEntries(cfg fallbackConfig) []fallbackEntry {
	primary := staticRoot{name: "primary-static", fsys: cfg.primary, directive: primaryCacheDirective, maxAge: cfg.maxAge}
	primaryEntry := fallbackEntry{
		name:    primary.name,
		match:   func(r *http.Request) bool { return isRead(r) && primary.has(r.URL.Path) },
		handler: http.HandlerFunc(primary.serve),
	}
	if !cfg.uiEnabled {
		return []fallbackEntry{primaryEntry}
	}

	editor := staticRoot{name: "editor-bundle", fsys: cfg.editor, maxAge: cfg.maxAge}
	logger := logging.WithComponent(logging.OrDefault(cfg.logger), "static")
	return []fallbackEntry{
		{
			name: "spa-shell",
			match: func(r *http.Request) bool {
				return Classify(r.Method, r.Header.Get("Accept"), r.URL.Path, cfg.nonUI) == UINavigation
			},
			handler: shellHandler(cfg.policy, cfg.primary, cfg.editor, logger),
		},
		primaryEntry,
		{
			name:    editor.name,
			match:   func(r *http.Request) bool { return isRead(r) && editor.has(r.URL.Path) },
			handler: http.HandlerFunc(editor.serve),
		},
	}
}

// shellHandler serves index.html from the primary root, falling back to the
// copy in the editor bundle.
func shellHandler(policy HeaderPolicy, primary, editor fs.FS, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", NoStore.Value(0))
		policy.Apply(w.Header())
		for _, root := range []fs.FS{primary, editor} {
			if root == nil {
				continue
			}
			err := serveFile(w, r, root, frontend.ShellFile)
			if err == nil {
				return
			}
			if !errors.Is(err, fs.ErrNotExist) {
				logging.FromRequest(r, logger).Warn("serve spa shell", "error", err)
			}
		}
		http.NotFound(w, r)
	}
}

// fallbackHandler dispatches to the first matching entry, or 404.
func fallbackHandler(entries []fallbackEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, entry := range entries {
			if entry.match(r) {
				entry.handler.ServeHTTP(w, r)
				return
			}
		}
		http.NotFound(w, r)
	}
}
