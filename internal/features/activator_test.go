package features

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/config"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

type fakeModule struct {
	name    string
	initErr error
	panics  bool
	route   string
	calls   *[]string
	inits   int
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Init(context.Context) error {
	m.inits++
	if m.calls != nil {
		*m.calls = append(*m.calls, m.name)
	}
	if m.panics {
		panic(m.name + ": metadata not loaded")
	}
	return m.initErr
}

func (m *fakeModule) RegisterRoutes(r chi.Router) {
	if m.route == "" {
		return
	}
	r.Get(m.route, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func newTestActivator(descriptors ...Descriptor) *Activator {
	return NewActivator(Config{Logger: logging.Discard(), Metrics: metrics.New()}, descriptors...)
}

func serve(t *testing.T, r chi.Router, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestStandardOrderAndGating(t *testing.T) {
	var calls []string
	set := Set{
		Debug:             &fakeModule{name: "debug", calls: &calls},
		LDAP:              &fakeModule{name: "ldap", calls: &calls},
		CommunityPackages: &fakeModule{name: "community-packages", calls: &calls},
		E2E:               &fakeModule{name: "e2e", calls: &calls},
		MFA:               &fakeModule{name: "mfa", calls: &calls},
		CTA:               &fakeModule{name: "cta", calls: &calls},
		SSO:               &fakeModule{name: "sso", calls: &calls},
		SourceControl:     &fakeModule{name: "source-control", calls: &calls},
	}
	flags := config.Flags{LDAP: true, MFA: true, UI: true, Production: true, MultiMain: true}

	report, err := newTestActivator(Standard(set)...).Activate(context.Background(), flags, chi.NewRouter())
	require.NoError(t, err)

	assert.Equal(t, []string{"ldap", "mfa", "cta", "sso", "source-control"}, calls)

	names := make([]string, 0, len(report.Outcomes))
	for _, outcome := range report.Outcomes {
		names = append(names, outcome.Name)
	}
	assert.Equal(t, []string{"debug", "ldap", "community-packages", "e2e", "mfa", "cta", "sso", "source-control"}, names)

	debug, ok := report.Lookup("debug")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, debug.Status, "debug is never active in production")
}

func TestOptionalFailureIsIsolated(t *testing.T) {
	sso := &fakeModule{name: "sso", initErr: errors.New("metadata unreadable"), route: "/sso/saml/metadata"}
	sourceControl := &fakeModule{name: "source-control", route: "/source-control/preferences"}
	router := chi.NewRouter()

	report, err := newTestActivator(Standard(Set{SSO: sso, SourceControl: sourceControl})...).
		Activate(context.Background(), config.Flags{}, router)
	require.NoError(t, err)

	ssoOutcome, _ := report.Lookup("sso")
	assert.Equal(t, StatusFailed, ssoOutcome.Status)
	assert.EqualError(t, ssoOutcome.Err, "metadata unreadable")

	scOutcome, _ := report.Lookup("source-control")
	assert.Equal(t, StatusActivated, scOutcome.Status)
	assert.Equal(t, 1, sourceControl.inits)

	assert.Equal(t, http.StatusNotFound, serve(t, router, "/sso/saml/metadata"), "routes of a failed module are not registered")
	assert.Equal(t, http.StatusNoContent, serve(t, router, "/source-control/preferences"))
}

func TestOptionalPanicIsIsolated(t *testing.T) {
	sso := &fakeModule{name: "sso", panics: true, route: "/sso/saml/metadata"}
	sourceControl := &fakeModule{name: "source-control", route: "/source-control/preferences"}
	router := chi.NewRouter()

	var (
		report Report
		err    error
	)
	require.NotPanics(t, func() {
		report, err = newTestActivator(Standard(Set{SSO: sso, SourceControl: sourceControl})...).
			Activate(context.Background(), config.Flags{}, router)
	})
	require.NoError(t, err)

	ssoOutcome, _ := report.Lookup("sso")
	assert.Equal(t, StatusFailed, ssoOutcome.Status)
	require.Error(t, ssoOutcome.Err)
	assert.Contains(t, ssoOutcome.Err.Error(), "sso init panicked")

	assert.Equal(t, 1, sourceControl.inits)
	assert.Equal(t, http.StatusNotFound, serve(t, router, "/sso/saml/metadata"))
	assert.Equal(t, http.StatusNoContent, serve(t, router, "/source-control/preferences"))
}

func TestMandatoryPanicAbortsWithError(t *testing.T) {
	ldap := &fakeModule{name: "ldap", panics: true}

	_, err := newTestActivator(Standard(Set{LDAP: ldap})...).
		Activate(context.Background(), config.Flags{LDAP: true}, chi.NewRouter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activate ldap")
}

func TestMandatoryFailureAborts(t *testing.T) {
	ldap := &fakeModule{name: "ldap", initErr: errors.New("connection refused"), route: "/ldap/config"}
	mfa := &fakeModule{name: "mfa", route: "/mfa/status"}
	router := chi.NewRouter()

	report, err := newTestActivator(Standard(Set{LDAP: ldap, MFA: mfa})...).
		Activate(context.Background(), config.Flags{LDAP: true, MFA: true}, router)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activate ldap")
	assert.Len(t, report.Outcomes, 1)
	assert.Zero(t, mfa.inits, "later modules are not attempted")
	assert.Equal(t, http.StatusNotFound, serve(t, router, "/ldap/config"))
}

func TestDisabledModuleRegistersNothing(t *testing.T) {
	mfa := &fakeModule{name: "mfa", route: "/mfa/status"}
	router := chi.NewRouter()

	report, err := newTestActivator(Standard(Set{MFA: mfa})...).Activate(context.Background(), config.Flags{}, router)
	require.NoError(t, err)

	outcome, _ := report.Lookup("mfa")
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Zero(t, mfa.inits)
	assert.Equal(t, http.StatusNotFound, serve(t, router, "/mfa/status"))
}

func TestDebugActiveOutsideProductionWithMultiMain(t *testing.T) {
	debug := &fakeModule{name: "debug", route: "/debug/multi-main-setup"}
	router := chi.NewRouter()

	_, err := newTestActivator(Standard(Set{Debug: debug})...).
		Activate(context.Background(), config.Flags{Development: true, MultiMain: true}, router)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve(t, router, "/debug/multi-main-setup"))
}

func TestActivateStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestActivator(Descriptor{Name: "cta"}).Activate(ctx, config.Flags{}, chi.NewRouter())
	require.ErrorIs(t, err, context.Canceled)
}
