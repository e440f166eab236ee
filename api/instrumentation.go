package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

// instruments holds the Prometheus series exported on /metrics.
type instruments struct {
	registry *prometheus.Registry

	issued         *prometheus.CounterVec
	revoked        *prometheus.CounterVec
	authentication *prometheus.CounterVec
	ocspRequests   *prometheus.CounterVec
	crlGenerated   prometheus.Counter
	requestLatency *prometheus.HistogramVec
}

func newInstruments(registry *prometheus.Registry) *instruments {
	m := &instruments{
		registry: registry,
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreg_certificates_issued_total",
			Help: "Certificates issued, by owner type",
		}, []string{"owner_type"}),
		revoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreg_certificates_revoked_total",
			Help: "Certificates revoked, by reason",
		}, []string{"reason"}),
		authentication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreg_authentications_total",
			Help: "Certificate authentication attempts, by outcome and the stage reached",
		}, []string{"outcome", "stage"}),
		ocspRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreg_ocsp_requests_total",
			Help: "OCSP requests, by outcome",
		}, []string{"outcome"}),
		crlGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idreg_crl_generated_total",
			Help: "Leaf CRLs generated",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idreg_http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern and status code",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route", "code"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		m.issued, m.revoked, m.authentication, m.ocspRequests, m.crlGenerated, m.requestLatency,
	)
	return m
}

func (m *instruments) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observe records request latency under the matched chi route pattern.
func (m *instruments) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestLatency.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

var (
	revokedRecordsDesc = prometheus.NewDesc("idreg_revoked_certificates", "Revoked certificate records in the store", nil, nil)
	caExpiryDesc       = prometheus.NewDesc("idreg_ca_expiry_timestamp_seconds", "notAfter of the signing certificates, by tier", []string{"tier"}, nil)
	scrapeSuccessDesc  = prometheus.NewDesc("idreg_store_last_scrape_success", "Whether the last certificate store scrape succeeded (1) or failed (0)", nil, nil)
)

// storeCollector reports certificate store and key material state at scrape
// time.
type storeCollector struct {
	certs     storage.CertificateStore
	authority *pki.Authority
	timeout   time.Duration
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- revokedRecordsDesc
	ch <- caExpiryDesc
	ch <- scrapeSuccessDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	if m := c.authority.Current(); m != nil {
		ch <- prometheus.MustNewConstMetric(caExpiryDesc, prometheus.GaugeValue,
			float64(m.Root.Certificate().NotAfter.Unix()), pki.TierRoot.String())
		ch <- prometheus.MustNewConstMetric(caExpiryDesc, prometheus.GaugeValue,
			float64(m.Intermediate.Certificate().NotAfter.Unix()), pki.TierIntermediate.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	revoked, err := c.certs.ListRevoked(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(scrapeSuccessDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(scrapeSuccessDesc, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(revokedRecordsDesc, prometheus.GaugeValue, float64(len(revoked)))
}
