package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ocsp"

	"github.com/maritimecloud/idreg/auth"
	"github.com/maritimecloud/idreg/entity"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

// GetCRL serves the intermediate CRL as PEM.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.service.GenerateCRL(r.Context())
	if err != nil {
		a.audit.logFailure(AuditRevocationFailure, r, "crl generation failed")
		mapError(w, err)
		return
	}
	a.metrics.crlGenerated.Inc()
	a.audit.log(AuditCRLGenerated, r, slog.String("tier", pki.TierIntermediate.String()))
	writeCRL(w, crl)
}

// GetRootCRL serves the root CRL as PEM.
func (a *API) GetRootCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.service.GenerateRootCRL()
	if err != nil {
		a.audit.logFailure(AuditRevocationFailure, r, "root crl generation failed")
		mapError(w, err)
		return
	}
	a.audit.log(AuditCRLGenerated, r, slog.String("tier", pki.TierRoot.String()))
	writeCRL(w, crl)
}

func writeCRL(w http.ResponseWriter, crl []byte) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(crl)
}

// PostOCSP answers a DER OCSP request sent as the request body.
func (a *API) PostOCSP(w http.ResponseWriter, r *http.Request) {
	der, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeOCSPError(w, r, fmt.Errorf("reading request: %w: %w", pki.ErrInvalidPEM, err))
		return
	}
	a.respondOCSP(w, r, der)
}

// GetOCSP answers an OCSP request carried base64 encoded in the path.
func (a *API) GetOCSP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	if s, err := url.PathUnescape(raw); err == nil {
		raw = s
	}
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		a.writeOCSPError(w, r, fmt.Errorf("decoding request: %w: %w", pki.ErrInvalidPEM, err))
		return
	}
	a.respondOCSP(w, r, der)
}

func (a *API) respondOCSP(w http.ResponseWriter, r *http.Request, der []byte) {
	resp, err := a.service.RespondOCSP(r.Context(), der)
	if err != nil {
		a.writeOCSPError(w, r, err)
		return
	}
	a.metrics.ocspRequests.WithLabelValues("successful").Inc()
	a.audit.log(AuditOCSPResponded, r)
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// writeOCSPError answers with one of the unsigned OCSP error responses.
func (a *API) writeOCSPError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		outcome string
		body    []byte
	)
	switch {
	case errors.Is(err, pki.ErrInvalidPEM):
		status, outcome, body = http.StatusBadRequest, "malformed", ocsp.MalformedRequestErrorResponse
	case errors.Is(err, pki.ErrRevocationDataUnavailable):
		status, outcome, body = http.StatusServiceUnavailable, "try_later", ocsp.TryLaterErrorResponse
		w.Header().Set("Retry-After", retryAfterUnavailable)
		a.audit.logFailure(AuditRevocationFailure, r, "ocsp status lookup failed")
	default:
		status, outcome, body = http.StatusInternalServerError, "internal_error", ocsp.InternalErrorErrorResponse
	}
	a.metrics.ocspRequests.WithLabelValues(outcome).Inc()
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(status)
	w.Write(body)
}

// WhoAmI describes the authenticated caller.
func (a *API) WhoAmI(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id := p.Identity
	resp := WhoAmIResponse{
		Username:           id.Username,
		UID:                id.UID,
		CommonName:         id.CommonName,
		Organization:       id.Organization,
		OrganizationalUnit: id.OrganizationalUnit,
		Country:            id.Country,
		Email:              id.Email,
		DN:                 id.DN,
		Serial:             id.Serial.String(),
		Roles:              p.Roles,
	}
	if len(id.Attributes) > 0 {
		resp.Attributes = make(map[string]string, len(id.Attributes))
		for attr, v := range id.Attributes {
			resp.Attributes[attr.String()] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssueCertificate issues a certificate for the entity described by the
// request body.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	orgMRN := chi.URLParam(r, "orgMRN")
	p := principalFromContext(r.Context())
	if err := authorizeOrg(p, orgMRN); err != nil {
		a.audit.logFailure(AuditAccessDenied, r, "organization mismatch", slog.String("org", orgMRN))
		mapError(w, err)
		return
	}

	typ, err := entity.ParseType(chi.URLParam(r, "entityType"))
	if err != nil {
		mapError(w, err)
		return
	}
	owner, err := entity.New(typ, orgMRN)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(owner); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	issued, err := a.service.IssueForOwner(r.Context(), owner)
	if err != nil {
		mapError(w, err)
		return
	}
	a.metrics.issued.WithLabelValues(string(typ)).Inc()
	a.audit.log(AuditCertIssued, r,
		slog.String("serial", issued.Record.SerialNumber().String()),
		slog.String("owner_type", string(typ)),
		slog.String("org", orgMRN))

	writeJSON(w, http.StatusCreated, IssueCertificateResponse{
		ID:          issued.Record.ID,
		Serial:      issued.Certificate.SerialNumber.String(),
		Certificate: issued.CertificatePEM,
		PublicKey:   issued.PublicKeyPEM,
		PrivateKey:  issued.PrivateKeyPEM,
		NotBefore:   issued.Certificate.NotBefore,
		NotAfter:    issued.Certificate.NotAfter,
	})
}

// RevokeCertificate revokes a certificate. Organization admins may only
// revoke certificates issued into their own organization.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "certID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid certificate id")
		return
	}
	var req RevokeCertificateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := principalFromContext(r.Context())
	if !p.HasRole(RoleSiteAdmin) {
		org, err := a.certificateOrganization(r.Context(), id)
		if err != nil {
			mapError(w, err)
			return
		}
		if err := authorizeOrg(p, org); err != nil {
			a.audit.logFailure(AuditAccessDenied, r, "organization mismatch", slog.Uint64("cert_id", id))
			mapError(w, err)
			return
		}
	}

	rec, err := a.service.Revoke(r.Context(), id, req.RevocationReason, req.RevokedAt)
	if err != nil {
		mapError(w, err)
		return
	}
	reason := pki.ParseReason(rec.RevokeReason)
	a.metrics.revoked.WithLabelValues(reason.String()).Inc()
	a.audit.log(AuditCertRevoked, r,
		slog.Uint64("cert_id", id),
		slog.String("reason", reason.String()))

	writeJSON(w, http.StatusOK, RevokeCertificateResponse{
		ID:               rec.ID,
		RevocationReason: rec.RevokeReason,
		RevokedAt:        *rec.RevokedAt,
	})
}

// certificateOrganization returns the O of the stored certificate id.
func (a *API) certificateOrganization(ctx context.Context, id uint64) (string, error) {
	rec, err := a.certs.GetCertificate(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Certificate == "" {
		return "", fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	cert, err := pki.ParseCertificateText([]byte(rec.Certificate))
	if err != nil {
		return "", fmt.Errorf("certificate %d: stored certificate unreadable: %v", id, err)
	}
	if len(cert.Subject.Organization) == 0 {
		return "", nil
	}
	return cert.Subject.Organization[0], nil
}

// authorizeOrg allows site admins everywhere and organization admins inside
// their own organization.
func authorizeOrg(p *auth.Principal, orgMRN string) error {
	if p.HasRole(RoleSiteAdmin) {
		return nil
	}
	if p.HasRole(RoleOrgAdmin) && p.Organization != nil && orgMRN != "" && p.Organization.MRN == orgMRN {
		return nil
	}
	return errForbidden
}

// RunMaintenance expires stale rate limiter records every interval until ctx
// is done.
func (a *API) RunMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.sweep()
		}
	}
}
