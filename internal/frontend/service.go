// Package frontend owns the settings document served to the editor and the
// generated type files it loads from the static cache directory.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"flowdeck/internal/credentials"
	"flowdeck/internal/nodes"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

const (
	TypesDir            = "types"
	NodeTypesFile       = "nodes.json"
	CredentialTypesFile = "credentials.json"
	ShellFile           = "index.html"

	defaultProbeTimeout = 5 * time.Second
)

// Emitter receives frontend lifecycle events.
type Emitter interface {
	Emit(name string, payload map[string]interface{})
}

type Config struct {
	Version        string
	InstanceID     string
	StaticCacheDir string
	Registry       *nodes.Registry
	Overwrites     *credentials.Overwrites
	Events         Emitter
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	// NpmProbe overrides the npm availability check.
	NpmProbe     func(ctx context.Context) bool
	ProbeTimeout time.Duration
	// Initial seeds the settings document.
	Initial map[string]interface{}
}

type Service struct {
	staticCacheDir string
	registry       *nodes.Registry
	overwrites     *credentials.Overwrites
	events         Emitter
	logger         *slog.Logger
	metrics        *metrics.Recorder

	mu       sync.RWMutex
	settings map[string]interface{}

	generate singleflight.Group
	// requested counts GenerateTypes calls. A run records the count it
	// started from so callers that arrived mid-run can tell it is stale.
	requested atomic.Uint64
	// afterSnapshot runs once the registry and overwrites have been read.
	afterSnapshot func()
}

// New builds the service and runs the npm availability probe once. A failed
// or timed out probe records the capability as false.
func New(ctx context.Context, cfg Config) *Service {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	s := &Service{
		staticCacheDir: cfg.StaticCacheDir,
		registry:       cfg.Registry,
		overwrites:     cfg.Overwrites,
		events:         cfg.Events,
		logger:         logging.WithComponent(logging.OrDefault(cfg.Logger), "frontend"),
		metrics:        recorder,
		settings:       make(map[string]interface{}, len(cfg.Initial)+4),
	}
	for key, value := range cfg.Initial {
		s.settings[key] = value
	}

	probe := cfg.NpmProbe
	if probe == nil {
		probe = probeNpm
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	npmAvailable := probe(probeCtx)
	cancel()
	if !npmAvailable {
		s.logger.Debug("npm is not available, community package installs are disabled")
	}

	s.settings["versionCli"] = cfg.Version
	s.settings["instanceId"] = cfg.InstanceID
	s.settings["isNpmAvailable"] = npmAvailable
	return s
}

func probeNpm(ctx context.Context) bool {
	return exec.CommandContext(ctx, "npm", "--version").Run() == nil
}

// AddToSettings merges values into the top level of the settings document.
func (s *Service) AddToSettings(values map[string]interface{}) {
	s.mu.Lock()
	for key, value := range values {
		s.settings[key] = value
	}
	s.mu.Unlock()
}

// Settings returns a copy of the settings document. A non-empty pushRef marks
// the start of an editor session.
func (s *Service) Settings(pushRef string) map[string]interface{} {
	s.mu.RLock()
	out := make(map[string]interface{}, len(s.settings))
	for key, value := range s.settings {
		out[key] = value
	}
	s.mu.RUnlock()

	if pushRef != "" && s.events != nil {
		s.events.Emit("session-started", map[string]interface{}{"pushRef": pushRef})
	}
	return out
}

type nodeType struct {
	Name    string `json:"name"`
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
}

type credentialType struct {
	Name              string   `json:"name"`
	Package           string   `json:"package,omitempty"`
	OverwrittenFields []string `json:"overwrittenFields,omitempty"`
}

// GenerateTypes rewrites types/nodes.json and types/credentials.json in the
// static cache directory. Concurrent calls share one run, but a call never
// returns on a run that started before it: when the shared run is older, it
// waits for a fresh one.
func (s *Service) GenerateTypes(ctx context.Context) error {
	want := s.requested.Add(1)
	for {
		v, err, _ := s.generate.Do("types", func() (interface{}, error) {
			started := s.requested.Load()
			err := s.generateTypes(ctx)
			s.metrics.ObserveTypeGeneration(err)
			return started, err
		})
		if err != nil {
			return err
		}
		if started, _ := v.(uint64); started >= want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Service) generateTypes(ctx context.Context) error {
	if s.staticCacheDir == "" {
		return errors.New("static cache dir is not configured")
	}
	dir := filepath.Join(s.staticCacheDir, TypesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create types dir: %w", err)
	}

	var packages []nodes.Package
	if s.registry != nil {
		packages = s.registry.Packages()
	}

	nodeTypes := make([]nodeType, 0)
	credentialTypes := make([]credentialType, 0)
	seen := make(map[string]bool)
	for _, pkg := range packages {
		for _, node := range pkg.Nodes {
			nodeTypes = append(nodeTypes, nodeType{Name: pkg.Name + "." + node, Package: pkg.Name, Version: pkg.Version})
		}
		for _, cred := range pkg.Credentials {
			seen[cred] = true
			credentialTypes = append(credentialTypes, credentialType{Name: cred, Package: pkg.Name, OverwrittenFields: s.overwrittenFields(cred)})
		}
	}
	if s.overwrites != nil {
		for _, cred := range s.overwrites.Types() {
			if !seen[cred] {
				credentialTypes = append(credentialTypes, credentialType{Name: cred, OverwrittenFields: s.overwrittenFields(cred)})
			}
		}
	}

	if s.afterSnapshot != nil {
		s.afterSnapshot()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(dir, NodeTypesFile), nodeTypes); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(dir, CredentialTypesFile), credentialTypes); err != nil {
		return err
	}
	s.logger.Debug("types generated", "node_types", len(nodeTypes), "credential_types", len(credentialTypes))
	return nil
}

func (s *Service) overwrittenFields(credentialType string) []string {
	if s.overwrites == nil {
		return nil
	}
	raw, ok := s.overwrites.Get(credentialType)
	if !ok {
		return nil
	}
	var fields []string
	gjson.ParseBytes(raw).ForEach(func(key, _ gjson.Result) bool {
		fields = append(fields, key.String())
		return true
	})
	return fields
}

// writeJSONFile replaces path atomically so readers never see a partial file.
func writeJSONFile(path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// PrepareStaticCache creates the static cache directory and seeds the SPA
// shell from editor when the cache does not have one yet.
func (s *Service) PrepareStaticCache(editor fs.FS) error {
	if s.staticCacheDir == "" {
		return errors.New("static cache dir is not configured")
	}
	if err := os.MkdirAll(s.staticCacheDir, 0o755); err != nil {
		return fmt.Errorf("create static cache dir: %w", err)
	}
	target := filepath.Join(s.staticCacheDir, ShellFile)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if editor == nil {
		return nil
	}

	src, err := editor.Open(ShellFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open editor shell: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("create shell: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy shell: %w", err)
	}
	return dst.Close()
}
