package server

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"flowdeck/internal/observability/logging"
)

// IconResolver maps an icon request path to a file inside a package.
type IconResolver interface {
	ResolveIcon(packageName, requestPath string) (string, bool)
}

// iconPackage extracts the package name from /icons/@scope/pkg/<dir>/... or
// /icons/pkg/<dir>/... paths ending in .svg or .png. At least one directory
// must sit between the package and the file. Other shapes yield false.
func iconPackage(requestPath string) (string, bool) {
	rest, ok := strings.CutPrefix(requestPath, "/icons/")
	if !ok {
		return "", false
	}
	ext := strings.ToLower(path.Ext(requestPath))
	if ext != ".svg" && ext != ".png" {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if strings.HasPrefix(parts[0], "@") {
		// scope, package, a directory and the file
		if len(parts) < 4 || len(parts[0]) < 2 || parts[1] == "" {
			return "", false
		}
		return parts[0] + "/" + parts[1], true
	}
	if len(parts) < 3 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

type iconHandler struct {
	resolver IconResolver
	next     http.Handler
	maxAge   time.Duration
	logger   *slog.Logger
}

func newIconHandler(resolver IconResolver, next http.Handler, maxAge time.Duration, logger *slog.Logger) *iconHandler {
	return &iconHandler{
		resolver: resolver,
		next:     next,
		maxAge:   maxAge,
		logger:   logging.WithComponent(logging.OrDefault(logger), "icons"),
	}
}

// ServeHTTP streams the icon or answers 404. Paths that are not icon shaped
// continue down the fallback chain.
func (h *iconHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pkg, ok := iconPackage(r.URL.Path)
	if !ok {
		h.next.ServeHTTP(w, r)
		return
	}
	if h.resolver == nil {
		http.NotFound(w, r)
		return
	}
	filePath, ok := h.resolver.ResolveIcon(pkg, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	file, err := os.Open(filePath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	if mtype, err := mimetype.DetectReader(file); err == nil {
		w.Header().Set("Content-Type", mtype.String())
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		logging.FromRequest(r, h.logger).Warn("rewind icon", "path", filePath, "error", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", LongLived.Value(h.maxAge))
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
