// Package nodes tracks installed node packages and resolves files inside
// their directories.
package nodes

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"flowdeck/internal/observability/logging"
)

const manifestName = "package.json"

// Package is one installed node package.
type Package struct {
	Name        string
	Version     string
	Dir         string
	Nodes       []string
	Credentials []string
	modTime     time.Time
}

// Registry maps package names (including @scope/name) to their directories.
type Registry struct {
	mu       sync.RWMutex
	root     string
	packages map[string]Package
	logger   *slog.Logger
}

func NewRegistry(root string, logger *slog.Logger) *Registry {
	return &Registry{
		root:     root,
		packages: make(map[string]Package),
		logger:   logging.WithComponent(logging.OrDefault(logger), "nodes"),
	}
}

// Scan replaces the registry contents with the packages found under the root.
// A missing root yields an empty registry.
func (r *Registry) Scan() error {
	found := make(map[string]Package)
	if r.root != "" {
		entries, err := os.ReadDir(r.root)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read packages dir: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(r.root, entry.Name())
			if strings.HasPrefix(entry.Name(), "@") {
				scoped, err := os.ReadDir(dir)
				if err != nil {
					r.logger.Warn("skipping unreadable scope", "dir", dir, "error", err)
					continue
				}
				for _, child := range scoped {
					if child.IsDir() {
						r.load(found, filepath.Join(dir, child.Name()), entry.Name()+"/"+child.Name())
					}
				}
				continue
			}
			r.load(found, dir, entry.Name())
		}
	}

	r.mu.Lock()
	r.packages = found
	r.mu.Unlock()
	r.logger.Debug("node packages scanned", "count", len(found))
	return nil
}

func (r *Registry) load(into map[string]Package, dir, fallbackName string) {
	manifest := filepath.Join(dir, manifestName)
	info, err := os.Stat(manifest)
	if err != nil {
		return
	}
	data, err := os.ReadFile(manifest)
	if err != nil || !gjson.ValidBytes(data) {
		r.logger.Warn("skipping package with unreadable manifest", "dir", dir, "error", err)
		return
	}
	pkg := Package{
		Name:    gjson.GetBytes(data, "name").String(),
		Version: gjson.GetBytes(data, "version").String(),
		Dir:     dir,
		modTime: info.ModTime(),
	}
	if pkg.Name == "" {
		pkg.Name = fallbackName
	}
	for _, node := range gjson.GetBytes(data, "flowdeck.nodes").Array() {
		pkg.Nodes = append(pkg.Nodes, node.String())
	}
	for _, cred := range gjson.GetBytes(data, "flowdeck.credentials").Array() {
		pkg.Credentials = append(pkg.Credentials, cred.String())
	}
	into[pkg.Name] = pkg
}

// Register adds or replaces a package directly.
func (r *Registry) Register(pkg Package) {
	r.mu.Lock()
	r.packages[pkg.Name] = pkg
	r.mu.Unlock()
}

// Packages returns the registered packages sorted by name.
func (r *Registry) Packages() []Package {
	r.mu.RLock()
	out := make([]Package, 0, len(r.packages))
	for _, pkg := range r.packages {
		out = append(out, pkg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprint changes whenever a package is added, removed, or its manifest
// is modified.
func (r *Registry) Fingerprint() string {
	var sb strings.Builder
	for _, pkg := range r.Packages() {
		fmt.Fprintf(&sb, "%s@%s:%d;", pkg.Name, pkg.Version, pkg.modTime.UnixNano())
	}
	return sb.String()
}

// ResolveIcon maps an /icons/{packageName}/... request path to a file inside
// the package directory. It reports false for unknown packages and for paths
// escaping the directory. It does not check that the file exists.
func (r *Registry) ResolveIcon(packageName, requestPath string) (string, bool) {
	r.mu.RLock()
	pkg, ok := r.packages[packageName]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	prefix := "/icons/" + packageName + "/"
	if !strings.HasPrefix(requestPath, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(requestPath, prefix)
	if rel == "" {
		return "", false
	}

	base := filepath.Clean(pkg.Dir)
	target := filepath.Join(base, filepath.FromSlash(rel))
	within, err := filepath.Rel(base, target)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}
