package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowdeck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	snap, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, snap.Server.Addr)
	assert.Equal(t, "http", snap.Server.Protocol)
	assert.Equal(t, DefaultRestEndpoint, snap.Endpoints.Rest)
	assert.Equal(t, DefaultPublicAPIPath, snap.PublicAPI.Path)
	assert.Equal(t, ExecutionsRegular, snap.Executions.Mode)
	assert.Equal(t, ModeProduction, snap.Environment.Mode)
	assert.Equal(t, DefaultShutdownTimeout, snap.Server.ShutdownTimeout)
	assert.NotEmpty(t, snap.Paths.StaticCacheDir)
	assert.Equal(t, DefaultSensitiveLimit, snap.RateLimit.SensitiveLimit)
	assert.Equal(t, time.Minute, snap.RateLimit.SensitiveWindow)
	assert.Equal(t, "en", snap.Locale().String())
}

func TestLocaleCanonicalizes(t *testing.T) {
	snap := Snapshot{Environment: EnvironmentConfig{DefaultLocale: "de-de"}}
	assert.Equal(t, "de-DE", snap.Locale().String())

	snap.Environment.DefaultLocale = "not a locale"
	assert.Equal(t, "en", snap.Locale().String())
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: 127.0.0.1:9000
  shutdownTimeout: 3s
endpoints:
  rest: /internal/
  additionalNonUIRoutes: "webhook:form"
credentials:
  overwriteEndpoint: preset
environment:
  mode: development
`)

	snap, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", snap.Server.Addr)
	assert.Equal(t, 3*time.Second, snap.Server.ShutdownTimeout)
	assert.Equal(t, "internal", snap.Endpoints.Rest)
	assert.Equal(t, "webhook:form", snap.Endpoints.AdditionalNonUIRoutes)
	assert.Equal(t, "preset", snap.Credentials.OverwriteEndpoint)
	assert.True(t, snap.Flags().Development)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  addr: 127.0.0.1:9000\n")
	t.Setenv("FLOWDECK_ADDR", "127.0.0.1:9100")
	t.Setenv("FLOWDECK_MFA_ENABLED", "true")

	snap, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", snap.Server.Addr)
	assert.True(t, snap.MFA.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "protocol", body: "server:\n  protocol: gopher\n", field: "server.protocol"},
		{name: "mode", body: "environment:\n  mode: staging\n", field: "environment.mode"},
		{name: "queue without redis", body: "executions:\n  mode: queue\n", field: "redis.addrs"},
		{name: "ldap without url", body: "ldap:\n  enabled: true\n", field: "ldap.url"},
		{name: "half tls", body: "server:\n  protocol: https\n  sslKey: key.pem\n", field: "server.sslKey"},
		{name: "locale", body: "environment:\n  defaultLocale: not a locale\n", field: "environment.defaultLocale"},
		{name: "negative rate", body: "rateLimit:\n  globalRps: -1\n", field: "rateLimit.globalRps"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tc.body))
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			paths := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				paths = append(paths, fe.FieldPath)
			}
			assert.Contains(t, paths, tc.field)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFlags(t *testing.T) {
	t.Parallel()

	snap := Snapshot{
		LDAP:              LDAPConfig{Enabled: true},
		PublicAPI:         PublicAPIConfig{Disabled: true},
		MultiMain:         MultiMainConfig{Enabled: true},
		Executions:        ExecutionsConfig{Mode: ExecutionsRegular},
		CommunityPackages: CommunityPackagesConfig{Enabled: true},
		Environment:       EnvironmentConfig{Mode: ModeProduction, Preview: true},
	}

	flags := snap.Flags()
	assert.True(t, flags.LDAP)
	assert.False(t, flags.PublicAPI)
	assert.False(t, flags.MultiMain, "multi-main requires queue mode")
	assert.True(t, flags.CommunityPackages)
	assert.True(t, flags.Production)
	assert.True(t, flags.UI)
	assert.True(t, flags.Relaxed())

	snap.Executions.Mode = ExecutionsQueue
	assert.True(t, snap.Flags().MultiMain)
}

func TestTLSTerminating(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		server   ServerConfig
		expected bool
	}{
		{name: "https with key and cert", server: ServerConfig{Protocol: "https", SSLKey: "k", SSLCert: "c"}, expected: true},
		{name: "https without cert", server: ServerConfig{Protocol: "https", SSLKey: "k"}, expected: false},
		{name: "http with key and cert", server: ServerConfig{Protocol: "http", SSLKey: "k", SSLCert: "c"}, expected: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, Snapshot{Server: tc.server}.TLSTerminating())
		})
	}
}

func TestRedisAddrs(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Redis: RedisConfig{Addrs: " a:6379, ,b:6379 "}}
	assert.Equal(t, []string{"a:6379", "b:6379"}, snap.RedisAddrs())
}
