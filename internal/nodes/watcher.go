package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"flowdeck/internal/observability/logging"
)

const defaultDebounce = 500 * time.Millisecond

type WatcherConfig struct {
	// Debounce coalesces bursts of file events into one rescan.
	Debounce time.Duration
	// OnChange runs after a rescan changed the registry fingerprint.
	OnChange func(ctx context.Context) error
	Logger   *slog.Logger
}

// Watcher rescans the registry when files under its root change. It watches
// the root, scope directories and package directories.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	onChange func(ctx context.Context) error
	logger   *slog.Logger
}

func NewWatcher(registry *Registry, cfg WatcherConfig) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		registry: registry,
		debounce: debounce,
		onChange: cfg.OnChange,
		logger:   logging.WithComponent(logging.OrDefault(cfg.Logger), "dev-reload"),
	}
}

// Run watches until ctx is cancelled. The packages directory is created when
// missing so it can be watched.
func (w *Watcher) Run(ctx context.Context) error {
	root := strings.TrimSpace(w.registry.root)
	if root == "" {
		return errors.New("packages dir is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create packages dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	w.watchTree(fsw, root)
	w.logger.Info("watching node packages", "dir", root)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			w.rescan(ctx, fsw, root)
		}
	}
}

func (w *Watcher) rescan(ctx context.Context, fsw *fsnotify.Watcher, root string) {
	before := w.registry.Fingerprint()
	if err := w.registry.Scan(); err != nil {
		w.logger.Warn("rescan node packages", "error", err)
		return
	}
	// New package directories need their own watches.
	w.watchTree(fsw, root)
	if w.registry.Fingerprint() == before {
		return
	}
	w.logger.Info("node packages changed", "count", len(w.registry.Packages()))
	if w.onChange == nil {
		return
	}
	if err := w.onChange(ctx); err != nil {
		w.logger.Warn("reload after package change", "error", err)
	}
}

// watchTree adds the root and up to two directory levels below it, which
// covers <pkg> and @scope/<pkg>. Adding a path twice is harmless.
func (w *Watcher) watchTree(fsw *fsnotify.Watcher, root string) {
	add := func(dir string) {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("watch directory", "dir", dir, "error", err)
		}
	}
	add(root)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		add(dir)
		if !strings.HasPrefix(entry.Name(), "@") {
			continue
		}
		children, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, child := range children {
			if child.IsDir() {
				add(filepath.Join(dir, child.Name()))
			}
		}
	}
}
