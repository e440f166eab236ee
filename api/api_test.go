package api_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/maritimecloud/idreg/api"
	"github.com/maritimecloud/idreg/auth"
	"github.com/maritimecloud/idreg/internal/uuid"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/pki/pkitest"
	"github.com/maritimecloud/idreg/storage"
	"github.com/maritimecloud/idreg/storage/memory"
)

const (
	certHeader = "X-Client-Certificate"
	proxyAddr  = "127.0.0.1:40123"
	otherOrg   = "urn:mrn:mcl:org:sfm"
)

var loopback = []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}

type testServer struct {
	f       *pkitest.Fixture
	api     *api.API
	handler http.Handler
	other   *storage.Organization
}

// failingStore serves the directory from memory but fails every certificate
// read.
type failingStore struct {
	*memory.Repository
}

var errStoreDown = errors.New("store offline")

func (failingStore) GetCertificate(context.Context, uint64) (*storage.EntityCertificate, error) {
	return nil, errStoreDown
}

func (failingStore) ListRevoked(context.Context) ([]*storage.EntityCertificate, error) {
	return nil, errStoreDown
}

func newTestServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	return newTestServerWithStore(t, nil, opts...)
}

func newTestServerWithStore(t *testing.T, certs storage.CertificateStore, opts ...api.Option) *testServer {
	t.Helper()
	f := pkitest.NewFixture(t)
	ctx := t.Context()

	other, err := f.Repo.SaveOrganization(ctx, &storage.Organization{
		MRN: otherOrg, Name: "Swedish Maritime Administration", Country: "Sweden",
	})
	require.NoError(t, err)
	for _, r := range []storage.Role{
		{OrganizationID: f.Org.ID, Permission: "MCADMIN", RoleName: api.RoleSiteAdmin},
		{OrganizationID: f.Org.ID, Permission: "dma-admin", RoleName: api.RoleOrgAdmin},
		{OrganizationID: other.ID, Permission: "sfm-admin", RoleName: api.RoleOrgAdmin},
	} {
		_, err := f.Repo.SaveRole(ctx, &r)
		require.NoError(t, err)
	}

	service := f.Service
	if certs == nil {
		certs = f.Repo
	} else {
		service = pki.NewService(f.Authority, f.Issuer, certs, f.Repo)
	}
	logger := slog.New(slog.DiscardHandler)
	authenticator := auth.New(f.Authority, certs, f.Repo, auth.WithLogger(logger))

	opts = append([]api.Option{
		api.WithLogger(logger),
		api.WithClientCertHeader(certHeader),
		api.WithTrustedProxies(loopback),
	}, opts...)
	a := api.New(service, authenticator, certs, f.Repo, opts...)
	t.Cleanup(a.Close)
	return &testServer{f: f, api: a, handler: a.Handler(), other: other}
}

// issue creates a user certificate. orgMRN defaults to the fixture org.
func (s *testServer) issue(t *testing.T, permissions, orgMRN string) *pki.IssuedCertificate {
	t.Helper()
	owner := pkitest.NewOwner("urn:mrn:mcl:user:dma:"+uuid.New(), "urn:mrn:mcl:user:dma:jane", permissions)
	if orgMRN != "" {
		owner.Profile.OrganizationMRN = orgMRN
	}
	issued, err := s.f.Service.IssueForOwner(t.Context(), owner)
	require.NoError(t, err)
	return issued
}

func forwarded(c *pki.IssuedCertificate) string {
	return strings.ReplaceAll(strings.TrimSpace(c.CertificatePEM), "\n", "\t")
}

func (s *testServer) do(t *testing.T, method, path string, body any, caller *pki.IssuedCertificate) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequestWithContext(t.Context(), method, path, reader)
	req.RemoteAddr = proxyAddr
	if caller != nil {
		req.Header.Set(certHeader, forwarded(caller))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func revokeBody(reason string) api.RevokeCertificateRequest {
	at := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	return api.RevokeCertificateRequest{RevocationReason: reason, RevokedAt: &at}
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "plain HTTP gets no HSTS")
}

func TestOpenAPISpecServed(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/openapi.yaml", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi:")
}

func TestWhoAmI_RequiresCertificate(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/whoami", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication required", decode[api.ErrorResponse](t, rec).Error)
}

func TestWhoAmI_ForwardedCertificate(t *testing.T) {
	s := newTestServer(t)
	caller := s.issue(t, "MCADMIN", "")

	rec := s.do(t, http.MethodGet, "/api/v1/whoami", nil, caller)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	who := decode[api.WhoAmIResponse](t, rec)
	assert.Equal(t, []string{api.RoleSiteAdmin}, who.Roles)
	assert.Equal(t, "urn:mrn:mcl:user:dma:jane", who.Username)
	assert.Equal(t, pkitest.OrgMRN, who.Organization)
	assert.Equal(t, caller.Certificate.SerialNumber.String(), who.Serial)
	assert.Equal(t, "Jane Doe", who.CommonName)
}

func TestWhoAmI_TLSPeerCertificate(t *testing.T) {
	s := newTestServer(t, api.WithTrustedProxies(nil))
	caller := s.issue(t, "", "")

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/v1/whoami", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{caller.Certificate}}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{auth.DefaultRole}, decode[api.WhoAmIResponse](t, rec).Roles)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestWhoAmI_HeaderFromUntrustedPeerIgnored(t *testing.T) {
	s := newTestServer(t)
	caller := s.issue(t, "MCADMIN", "")

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/v1/whoami", nil)
	req.RemoteAddr = "192.0.2.44:5000"
	req.Header.Set(certHeader, forwarded(caller))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWhoAmI_RevokedCertificateRejected(t *testing.T) {
	s := newTestServer(t)
	caller := s.issue(t, "MCADMIN", "")
	at := time.Now().Add(-time.Hour)
	_, err := s.f.Service.Revoke(t.Context(), caller.Record.ID, "keyCompromise", &at)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/v1/whoami", nil, caller)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueCertificate_SiteAdmin(t *testing.T) {
	s := newTestServer(t)
	admin := s.issue(t, "MCADMIN", "")

	rec := s.do(t, http.MethodPost, "/api/v1/org/"+pkitest.OrgMRN+"/vessels/certificates", map[string]any{
		"id":   "vessel-1",
		"mrn":  "urn:mrn:mcl:vessel:dma:poul-lowenorn",
		"name": "Poul Lowenorn",
		"attributes": []map[string]string{
			{"name": "imo-number", "value": "9250335"},
		},
	}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[api.IssueCertificateResponse](t, rec)
	assert.NotZero(t, resp.ID)
	assert.Contains(t, resp.PrivateKey, "PRIVATE KEY")
	assert.Contains(t, resp.PublicKey, "PUBLIC KEY")

	cert, err := pki.ParseCertificateText([]byte(resp.Certificate))
	require.NoError(t, err)
	assert.Equal(t, resp.Serial, cert.SerialNumber.String())
	assert.Equal(t, []string{pkitest.OrgMRN}, cert.Subject.Organization)
	require.NoError(t, cert.CheckSignatureFrom(s.f.Material.Intermediate.Certificate()))

	stored, err := s.f.Repo.GetCertificate(t.Context(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "vessel", stored.OwnerType)
	assert.NotContains(t, stored.Certificate, "PRIVATE KEY")

	id, err := pki.NewVerifier(nil).DecodeIdentity(cert)
	require.NoError(t, err)
	assert.Equal(t, "9250335", id.Attributes[pki.AttrIMONumber])
}

func TestIssueCertificate_OrgAdmin(t *testing.T) {
	s := newTestServer(t)
	orgAdmin := s.issue(t, "dma-admin", "")
	user := s.issue(t, "", "")
	body := map[string]string{"id": "d1", "mrn": "urn:mrn:mcl:device:dma:buoy-7", "name": "Buoy 7"}

	rec := s.do(t, http.MethodPost, "/api/v1/org/"+pkitest.OrgMRN+"/device/certificates", body, orgAdmin)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/org/"+otherOrg+"/device/certificates", body, orgAdmin)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/org/"+pkitest.OrgMRN+"/device/certificates", body, user)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIssueCertificate_BadRequests(t *testing.T) {
	s := newTestServer(t)
	admin := s.issue(t, "MCADMIN", "")
	base := "/api/v1/org/" + pkitest.OrgMRN

	rec := s.do(t, http.MethodPost, base+"/boats/certificates", map[string]string{"name": "x"}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/service/certificates", []byte("{"), admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/org/urn:mrn:mcl:org:unknown/user/certificates",
		map[string]string{"mrn": "urn:mrn:mcl:user:unknown:bob", "first_name": "Bob"}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeCertificate(t *testing.T) {
	s := newTestServer(t)
	admin := s.issue(t, "MCADMIN", "")
	target := s.issue(t, "", "")
	path := fmt.Sprintf("/api/v1/certificates/%d/revoke", target.Record.ID)

	rec := s.do(t, http.MethodPost, path, revokeBody("KeyCompromise"), admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.RevokeCertificateResponse](t, rec)
	assert.Equal(t, target.Record.ID, resp.ID)
	assert.Equal(t, "keyCompromise", resp.RevocationReason)

	stored, err := s.f.Repo.GetCertificate(t.Context(), target.Record.ID)
	require.NoError(t, err)
	assert.True(t, stored.Revoked)

	rec = s.do(t, http.MethodPost, path, revokeBody("superseded"), admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRevokeCertificate_BadRequests(t *testing.T) {
	s := newTestServer(t)
	admin := s.issue(t, "MCADMIN", "")
	target := s.issue(t, "", "")
	path := fmt.Sprintf("/api/v1/certificates/%d/revoke", target.Record.ID)

	rec := s.do(t, http.MethodPost, path, revokeBody("bored"), admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, api.RevokeCertificateRequest{RevocationReason: "superseded"}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "revoked_at is required")

	rec = s.do(t, http.MethodPost, "/api/v1/certificates/abc/revoke", revokeBody("superseded"), admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/certificates/999999/revoke", revokeBody("superseded"), admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stored, err := s.f.Repo.GetCertificate(t.Context(), target.Record.ID)
	require.NoError(t, err)
	assert.False(t, stored.Revoked)
}

func TestRevokeCertificate_OrgScope(t *testing.T) {
	s := newTestServer(t)
	dmaAdmin := s.issue(t, "dma-admin", "")
	sfmAdmin := s.issue(t, "sfm-admin", otherOrg)
	target := s.issue(t, "", "")
	path := fmt.Sprintf("/api/v1/certificates/%d/revoke", target.Record.ID)

	rec := s.do(t, http.MethodPost, path, revokeBody("affiliationChanged"), sfmAdmin)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, revokeBody("affiliationChanged"), dmaAdmin)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGetCRL(t *testing.T) {
	s := newTestServer(t)
	target := s.issue(t, "", "")
	at := time.Now().Add(-time.Hour)
	_, err := s.f.Service.Revoke(t.Context(), target.Record.ID, "superseded", &at)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/v1/certificates/crl", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))

	block, _ := pem.Decode(rec.Body.Bytes())
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(s.f.Material.Intermediate.Certificate()))
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, target.Certificate.SerialNumber, crl.RevokedCertificateEntries[0].SerialNumber)

	rec = s.do(t, http.MethodGet, "/api/v1/certificates/crl/root", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	block, _ = pem.Decode(rec.Body.Bytes())
	require.NotNil(t, block)
	rootCRL, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, rootCRL.CheckSignatureFrom(s.f.Material.Root.Certificate()))
	assert.Empty(t, rootCRL.RevokedCertificateEntries)
}

func TestOCSP(t *testing.T) {
	s := newTestServer(t)
	leaf := s.issue(t, "", "")
	im := s.f.Material.Intermediate.Certificate()
	root := s.f.Material.Root.Certificate()

	der, err := ocsp.CreateRequest(leaf.Certificate, im, &ocsp.RequestOptions{Hash: crypto.SHA1})
	require.NoError(t, err)

	t.Run("post", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/certificates/ocsp", der, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/ocsp-response", rec.Header().Get("Content-Type"))
		resp, err := ocsp.ParseResponseForCert(rec.Body.Bytes(), leaf.Certificate, root)
		require.NoError(t, err)
		assert.Equal(t, ocsp.Good, resp.Status)
	})

	t.Run("get", func(t *testing.T) {
		path := "/api/v1/certificates/ocsp/" + base64.StdEncoding.EncodeToString(der)
		rec := s.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp, err := ocsp.ParseResponseForCert(rec.Body.Bytes(), leaf.Certificate, root)
		require.NoError(t, err)
		assert.Equal(t, ocsp.Good, resp.Status)
	})

	t.Run("revoked", func(t *testing.T) {
		at := time.Now().Add(-time.Hour)
		_, err := s.f.Service.Revoke(t.Context(), leaf.Record.ID, "cessationOfOperation", &at)
		require.NoError(t, err)
		rec := s.do(t, http.MethodPost, "/api/v1/certificates/ocsp", der, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp, err := ocsp.ParseResponseForCert(rec.Body.Bytes(), leaf.Certificate, root)
		require.NoError(t, err)
		assert.Equal(t, ocsp.Revoked, resp.Status)
		assert.Equal(t, ocsp.CessationOfOperation, resp.RevocationReason)
	})

	t.Run("malformed", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/certificates/ocsp", []byte("garbage"), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ocsp.MalformedRequestErrorResponse, rec.Body.Bytes())

		rec = s.do(t, http.MethodGet, "/api/v1/certificates/ocsp/not*base64", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRevocationDataUnavailable(t *testing.T) {
	s := newTestServerWithStore(t, failingStore{memory.NewRepository()})

	rec := s.do(t, http.MethodGet, "/api/v1/certificates/crl", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// Issued through the fixture's own service, answered through the
	// failing one.
	leaf := s.issue(t, "", "")
	der, err := ocsp.CreateRequest(leaf.Certificate, s.f.Material.Intermediate.Certificate(), &ocsp.RequestOptions{Hash: crypto.SHA1})
	require.NoError(t, err)
	rec = s.do(t, http.MethodPost, "/api/v1/certificates/ocsp", der, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ocsp.TryLaterErrorResponse, rec.Body.Bytes())
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestAuthRateLimit(t *testing.T) {
	s := newTestServer(t)
	var rec *httptest.ResponseRecorder
	for range 21 {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/v1/whoami", nil)
		req.RemoteAddr = "198.51.100.7:6000"
		rec = httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other clients are unaffected.
	rec = s.do(t, http.MethodGet, "/api/v1/whoami", nil, s.issue(t, "", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAlertHandler(t *testing.T) {
	var mu sync.Mutex
	var alerts []api.AlertEvent
	s := newTestServer(t, api.WithAlertHandler(func(e api.AlertEvent) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, e)
	}))

	for i := range 50 {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/v1/whoami", nil)
		req.RemoteAddr = fmt.Sprintf("203.0.113.%d:7000", i+1)
		s.handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, api.AlertAuthFailureSpike, alerts[0].Type)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	admin := s.issue(t, "MCADMIN", "")
	rec := s.do(t, http.MethodPost, "/api/v1/org/"+pkitest.OrgMRN+"/service/certificates",
		map[string]string{"mrn": "urn:mrn:mcl:service:dma:nw-nm", "name": "NW-NM"}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s.do(t, http.MethodGet, "/api/v1/certificates/crl", nil, nil)

	rec = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `idreg_certificates_issued_total{owner_type="service"} 1`)
	assert.Contains(t, body, "idreg_crl_generated_total 1")
	assert.Contains(t, body, `idreg_authentications_total{outcome="authenticated",stage="authenticated"} 1`)
	assert.Contains(t, body, `idreg_ca_expiry_timestamp_seconds{tier="root"}`)
	assert.Contains(t, body, "idreg_store_last_scrape_success 1")
	assert.Contains(t, body, "idreg_http_request_duration_seconds")
}
