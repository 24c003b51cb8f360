package frontend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/credentials"
	"flowdeck/internal/nodes"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(name string, _ map[string]interface{}) {
	e.mu.Lock()
	e.events = append(e.events, name)
	e.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.StaticCacheDir == "" {
		cfg.StaticCacheDir = t.TempDir()
	}
	if cfg.NpmProbe == nil {
		cfg.NpmProbe = func(context.Context) bool { return true }
	}
	cfg.Logger = logging.Discard()
	cfg.Metrics = metrics.New()
	return New(context.Background(), cfg)
}

func TestNewRecordsProbeAndIdentity(t *testing.T) {
	svc := newTestService(t, Config{
		Version:    "1.4.0",
		InstanceID: "abc",
		NpmProbe:   func(context.Context) bool { return false },
		Initial:    map[string]interface{}{"timezone": "UTC"},
	})

	settings := svc.Settings("")
	assert.Equal(t, "1.4.0", settings["versionCli"])
	assert.Equal(t, "abc", settings["instanceId"])
	assert.Equal(t, false, settings["isNpmAvailable"])
	assert.Equal(t, "UTC", settings["timezone"])
}

func TestProbeIsBoundedByTimeout(t *testing.T) {
	start := time.Now()
	svc := newTestService(t, Config{
		ProbeTimeout: 20 * time.Millisecond,
		NpmProbe: func(ctx context.Context) bool {
			<-ctx.Done()
			return false
		},
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, false, svc.Settings("")["isNpmAvailable"])
}

func TestSettingsReturnsCopyAndEmitsSession(t *testing.T) {
	emitter := &recordingEmitter{}
	svc := newTestService(t, Config{Events: emitter})

	svc.AddToSettings(map[string]interface{}{"publicApi": map[string]interface{}{"enabled": true}})
	settings := svc.Settings("push-1")
	settings["versionCli"] = "mutated"

	assert.NotEqual(t, "mutated", svc.Settings("")["versionCli"])
	assert.Contains(t, svc.Settings(""), "publicApi")
	assert.Equal(t, []string{"session-started"}, emitter.events)
}

func TestGenerateTypesWritesFiles(t *testing.T) {
	registry := nodes.NewRegistry("", logging.Discard())
	registry.Register(nodes.Package{Name: "flowdeck-nodes-base", Version: "1.0.0", Nodes: []string{"set"}, Credentials: []string{"httpBasicAuth"}})
	overwrites := credentials.NewOverwrites()
	overwrites.Set(map[string]json.RawMessage{
		"httpBasicAuth":  json.RawMessage(`{"user":"admin"}`),
		"slackOAuth2Api": json.RawMessage(`{"clientId":"x","clientSecret":"y"}`),
	})
	dir := t.TempDir()
	svc := newTestService(t, Config{StaticCacheDir: dir, Registry: registry, Overwrites: overwrites})

	require.NoError(t, svc.GenerateTypes(context.Background()))

	nodesJSON, err := os.ReadFile(filepath.Join(dir, TypesDir, NodeTypesFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"flowdeck-nodes-base.set","package":"flowdeck-nodes-base","version":"1.0.0"}]`, string(nodesJSON))

	credsJSON, err := os.ReadFile(filepath.Join(dir, TypesDir, CredentialTypesFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"name":"httpBasicAuth","package":"flowdeck-nodes-base","overwrittenFields":["user"]},
		{"name":"slackOAuth2Api","overwrittenFields":["clientId","clientSecret"]}
	]`, string(credsJSON))
}

func TestGenerateTypesAfterSetSeesOverwrites(t *testing.T) {
	registry := nodes.NewRegistry("", logging.Discard())
	registry.Register(nodes.Package{Name: "flowdeck-nodes-base", Credentials: []string{"httpBasicAuth"}})
	overwrites := credentials.NewOverwrites()
	dir := t.TempDir()
	svc := newTestService(t, Config{StaticCacheDir: dir, Registry: registry, Overwrites: overwrites})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	svc.afterSnapshot = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	first := make(chan error, 1)
	go func() { first <- svc.GenerateTypes(context.Background()) }()
	<-started

	// The running pass has already read the empty overwrites.
	overwrites.Set(map[string]json.RawMessage{"httpBasicAuth": json.RawMessage(`{"user":"admin"}`)})
	second := make(chan error, 1)
	go func() { second <- svc.GenerateTypes(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)

	credsJSON, err := os.ReadFile(filepath.Join(dir, TypesDir, CredentialTypesFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"httpBasicAuth","package":"flowdeck-nodes-base","overwrittenFields":["user"]}]`, string(credsJSON))
}

func TestGenerateTypesRequiresCacheDir(t *testing.T) {
	svc := New(context.Background(), Config{
		NpmProbe: func(context.Context) bool { return false },
		Logger:   logging.Discard(),
		Metrics:  metrics.New(),
	})
	require.Error(t, svc.GenerateTypes(context.Background()))
}

func TestPrepareStaticCacheSeedsShellOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "static")
	svc := newTestService(t, Config{StaticCacheDir: dir})
	editor := fstest.MapFS{ShellFile: &fstest.MapFile{Data: []byte("<html>editor</html>")}}

	require.NoError(t, svc.PrepareStaticCache(editor))
	data, err := os.ReadFile(filepath.Join(dir, ShellFile))
	require.NoError(t, err)
	assert.Equal(t, "<html>editor</html>", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ShellFile), []byte("<html>custom</html>"), 0o644))
	require.NoError(t, svc.PrepareStaticCache(editor))
	data, err = os.ReadFile(filepath.Join(dir, ShellFile))
	require.NoError(t, err)
	assert.Equal(t, "<html>custom</html>", string(data), "existing shell is kept")
}
