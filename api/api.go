package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maritimecloud/idreg/auth"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

// Role names checked by the API.
const (
	RoleSiteAdmin = "ROLE_SITE_ADMIN"
	RoleOrgAdmin  = "ROLE_ORG_ADMIN"
)

// maxBodyBytes bounds JSON and OCSP request bodies.
const maxBodyBytes = 1 << 20

// API holds the dependencies needed by the REST handlers.
type API struct {
	service   *pki.Service
	auth      *auth.Authenticator
	certs     storage.CertificateStore
	directory storage.Directory

	audit    *auditLogger
	metrics  *instruments
	alerts   *metricsCollector
	limiter  *authRateLimiter
	registry *prometheus.Registry

	webhookURL    string
	webhookHeader string

	clientCertHeader string
	trustedProxies   []netip.Prefix
	docs             bool
	scrapeTimeout    time.Duration
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithClientCertHeader names the header a TLS-terminating proxy uses to
// forward the client certificate.
func WithClientCertHeader(name string) Option {
	return func(a *API) { a.clientCertHeader = name }
}

// WithTrustedProxies sets the peers whose forwarding headers are honored.
// Without trusted proxies, only TLS peer certificates authenticate.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithDocs toggles the Swagger UI and Redoc pages.
func WithDocs(enabled bool) Option {
	return func(a *API) { a.docs = enabled }
}

// WithRegistry sets the Prometheus registry metrics are registered with.
func WithRegistry(r *prometheus.Registry) Option {
	return func(a *API) { a.registry = r }
}

// WithAlertHandler registers fn for authentication failure spikes and
// revocation bursts.
func WithAlertHandler(fn AlertFunc) Option {
	return func(a *API) { a.alerts = newMetricsCollector(fn) }
}

// WithAuditWebhook forwards audit events to url. header, in "Name: Value"
// form, is sent with every delivery when non-empty.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// New creates a new API instance.
func New(service *pki.Service, authenticator *auth.Authenticator, certs storage.CertificateStore, directory storage.Directory, opts ...Option) *API {
	a := &API{
		service:       service,
		auth:          authenticator,
		certs:         certs,
		directory:     directory,
		limiter:       newAuthRateLimiter(),
		docs:          true,
		scrapeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.metrics = a.alerts
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.audit.logger)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newInstruments(a.registry)
	a.registry.MustRegister(&storeCollector{
		certs:     certs,
		authority: service.Authority(),
		timeout:   a.scrapeTimeout,
	})
	return a
}

// Close drains queued audit webhook deliveries.
func (a *API) Close() {
	if a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// Handler returns the complete HTTP surface: the API under /api/v1, plus
// /health and /metrics.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(a.metrics.observe)
	r.Use(SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", a.metrics.handler())
	r.Mount("/api/v1", a.Router())
	return r
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	if a.docs {
		r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
			SpecURL: "/api/v1/openapi.yaml",
			Path:    "api/v1/docs",
		}, nil))

		r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
			SpecURL: "/api/v1/openapi.yaml",
			Path:    "api/v1/redoc",
		}, nil))
	}

	// Revocation data is public.
	r.Get("/certificates/crl", a.GetCRL)
	r.Get("/certificates/crl/root", a.GetRootCRL)
	r.Post("/certificates/ocsp", a.PostOCSP)
	r.Get("/certificates/ocsp/*", a.GetOCSP)

	r.Group(func(r chi.Router) {
		r.Use(a.CertificateAuth)
		r.Get("/whoami", a.WhoAmI)

		r.With(RequireRole(RoleSiteAdmin, RoleOrgAdmin)).
			Post("/org/{orgMRN}/{entityType}/certificates", a.IssueCertificate)
		r.With(RequireRole(RoleSiteAdmin, RoleOrgAdmin)).
			Post("/certificates/{certID}/revoke", a.RevokeCertificate)
	})

	return r
}
