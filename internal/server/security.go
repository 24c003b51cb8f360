package server

import "net/http"

const (
	hstsValue          = "max-age=15552000"
	frameOptionsValue  = "SAMEORIGIN"
	contentTypeOptions = "nosniff"
	referrerPolicy     = "no-referrer"
)

// baselineHeaders are sent on every SPA navigation regardless of environment.
var baselineHeaders = [][2]string{
	{"X-Content-Type-Options", contentTypeOptions},
	{"Referrer-Policy", referrerPolicy},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Origin-Agent-Cluster", "?1"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
	{"X-XSS-Protection", "0"},
}

// suppressedHeaders are removed even if something upstream set them. The
// editor loads its own scripts and manages framing itself.
var suppressedHeaders = []string{
	"Content-Security-Policy",
	"X-Download-Options",
	"X-DNS-Prefetch-Control",
	"X-Powered-By",
}

// HeaderPolicy is the fixed set of hardening headers applied to the SPA shell.
// It is computed once from the configuration.
type HeaderPolicy struct {
	headers [][2]string
}

// NewHeaderPolicy enables HSTS only when this process terminates TLS, and
// lifts frame restrictions for preview, e2e and development runs.
func NewHeaderPolicy(tlsTerminating, relaxed bool) HeaderPolicy {
	headers := append([][2]string(nil), baselineHeaders...)
	if !relaxed {
		headers = append(headers, [2]string{"X-Frame-Options", frameOptionsValue})
	}
	if tlsTerminating {
		headers = append(headers, [2]string{"Strict-Transport-Security", hstsValue})
	}
	return HeaderPolicy{headers: headers}
}

// Apply writes the policy onto h.
func (p HeaderPolicy) Apply(h http.Header) {
	for _, name := range suppressedHeaders {
		h.Del(name)
	}
	for _, header := range p.headers {
		h.Set(header[0], header[1])
	}
}

// Headers returns the header pairs in application order.
func (p HeaderPolicy) Headers() [][2]string {
	return append([][2]string(nil), p.headers...)
}
