package nodes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/observability/logging"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte(body), 0o644))
}

func TestScanFindsScopedAndUnscopedPackages(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "flowdeck-nodes-base"), `{
		"name": "flowdeck-nodes-base",
		"version": "1.2.0",
		"flowdeck": {"nodes": ["httpRequest", "set"], "credentials": ["httpBasicAuth"]}
	}`)
	writeManifest(t, filepath.Join(root, "@acme", "pkg"), `{"name": "@acme/pkg", "version": "0.1.0"}`)
	writeManifest(t, filepath.Join(root, "unnamed"), `{"version": "0.0.1"}`)
	writeManifest(t, filepath.Join(root, "broken"), `{"name": `)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "no-manifest"), 0o755))

	registry := NewRegistry(root, logging.Discard())
	require.NoError(t, registry.Scan())

	packages := registry.Packages()
	names := make([]string, 0, len(packages))
	for _, pkg := range packages {
		names = append(names, pkg.Name)
	}
	assert.Equal(t, []string{"@acme/pkg", "flowdeck-nodes-base", "unnamed"}, names)

	base := packages[1]
	assert.Equal(t, []string{"httpRequest", "set"}, base.Nodes)
	assert.Equal(t, []string{"httpBasicAuth"}, base.Credentials)
}

func TestScanMissingRootIsEmpty(t *testing.T) {
	registry := NewRegistry(filepath.Join(t.TempDir(), "absent"), logging.Discard())
	require.NoError(t, registry.Scan())
	assert.Empty(t, registry.Packages())
}

func TestFingerprintChangesWithPackages(t *testing.T) {
	root := t.TempDir()
	registry := NewRegistry(root, logging.Discard())
	require.NoError(t, registry.Scan())
	before := registry.Fingerprint()

	writeManifest(t, filepath.Join(root, "new-pkg"), `{"name": "new-pkg", "version": "1.0.0"}`)
	require.NoError(t, registry.Scan())

	assert.NotEqual(t, before, registry.Fingerprint())
}

func TestResolveIcon(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "@acme", "pkg")
	registry := NewRegistry("", logging.Discard())
	registry.Register(Package{Name: "@acme/pkg", Dir: dir})
	registry.Register(Package{Name: "plain", Dir: "/srv/plain"})

	testCases := []struct {
		name     string
		pkg      string
		path     string
		expected string
		ok       bool
	}{
		{name: "scoped", pkg: "@acme/pkg", path: "/icons/@acme/pkg/dist/icons/logo.svg", expected: filepath.Join(dir, "dist", "icons", "logo.svg"), ok: true},
		{name: "unscoped", pkg: "plain", path: "/icons/plain/nodes/a.png", expected: filepath.Join("/srv/plain", "nodes", "a.png"), ok: true},
		{name: "unknown package", pkg: "missing", path: "/icons/missing/a.svg"},
		{name: "escape", pkg: "plain", path: "/icons/plain/../../etc/passwd.svg"},
		{name: "escape to sibling", pkg: "plain", path: "/icons/plain/../plain-other/a.svg"},
		{name: "directory itself", pkg: "plain", path: "/icons/plain/."},
		{name: "prefix mismatch", pkg: "plain", path: "/icons/other/a.svg"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := registry.ResolveIcon(tc.pkg, tc.path)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.expected, got)
			}
		})
	}
}
