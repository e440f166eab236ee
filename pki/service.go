package pki

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maritimecloud/idreg/storage"
	"golang.org/x/crypto/ocsp"
)

var (
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// CertificateProfile is what an entity contributes to its certificate.
type CertificateProfile struct {
	// OwnerType is the entity kind and becomes the subject OU.
	OwnerType string
	// OwnerID is the entity's own identifier, stored opaquely.
	OwnerID         string
	CommonName      string
	UID             string
	Email           string
	MRN             string
	Permissions     string
	OrganizationMRN string
	// Extra holds additional SAN attributes by name, e.g. "imo-number".
	Extra map[string]string
}

// CertificateOwner is an entity that certificates can be issued for.
type CertificateOwner interface {
	CertificateProfile() CertificateProfile
	AssignCertificate(cert *storage.EntityCertificate)
}

// IssuedCertificate is the result of an issuance. PrivateKeyPEM is the only
// copy of the subject key; it is not retained by the service.
type IssuedCertificate struct {
	Record         *storage.EntityCertificate
	Certificate    *x509.Certificate
	CertificatePEM string
	PublicKeyPEM   string
	PrivateKeyPEM  string
}

// Service implements certificate lifecycle operations on top of a store.
type Service struct {
	authority *Authority
	issuer    *Issuer
	certs     storage.CertificateStore
	directory storage.Directory
	logger    *slog.Logger
	now       func() time.Time
	crlWindow time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger. Defaults to slog.Default().
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithCRLWindow overrides the nextUpdate distance of generated CRLs.
func WithCRLWindow(d time.Duration) ServiceOption {
	return func(s *Service) { s.crlWindow = d }
}

// NewService returns a Service issuing through issuer and reading signing
// material from authority.
func NewService(authority *Authority, issuer *Issuer, certs storage.CertificateStore, directory storage.Directory, opts ...ServiceOption) *Service {
	s := &Service{
		authority: authority,
		issuer:    issuer,
		certs:     certs,
		directory: directory,
		now:       time.Now,
		crlWindow: IntermediateCRLWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Authority returns the authority the service signs with.
func (s *Service) Authority() *Authority { return s.authority }

// IssueForOwner issues a certificate for owner. The record is saved before
// signing so that its ID can serve as the serial number, then updated with
// the certificate and handed to the owner.
func (s *Service) IssueForOwner(ctx context.Context, owner CertificateOwner) (*IssuedCertificate, error) {
	p := owner.CertificateProfile()
	if strings.TrimSpace(p.UID) == "" {
		return nil, &ValidationError{Field: "uid", Msg: "must not be blank", Err: ErrMissingIdentifier}
	}
	org, err := s.directory.OrganizationByMRN(ctx, p.OrganizationMRN)
	if err != nil {
		return nil, fmt.Errorf("resolving organization %q: %w", p.OrganizationMRN, err)
	}
	subject, err := BuildSubject(EntitySubject{
		Country:      org.Country,
		Organization: org.MRN,
		EntityType:   p.OwnerType,
		CommonName:   p.CommonName,
		UID:          p.UID,
		Email:        p.Email,
	})
	if err != nil {
		return nil, err
	}
	attrs, err := profileAttributes(p)
	if err != nil {
		return nil, err
	}

	key, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	rec, err := s.certs.SaveCertificate(ctx, &storage.EntityCertificate{
		OwnerType: p.OwnerType,
		OwnerID:   p.OwnerID,
	})
	if err != nil {
		return nil, fmt.Errorf("reserving serial number: %w", err)
	}

	cert, err := s.issuer.IssueLeaf(rec.SerialNumber(), subject, key.Public(), attrs)
	if err != nil {
		return nil, s.abandon(ctx, rec, err)
	}
	certPEM := EncodeCertificatePEM(cert.Raw)
	pubPEM, err := EncodePublicKeyPEM(key.Public())
	if err != nil {
		return nil, s.abandon(ctx, rec, err)
	}
	keyPEM, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, s.abandon(ctx, rec, err)
	}

	rec.Certificate = certPEM
	rec.NotBefore = cert.NotBefore
	rec.NotAfter = cert.NotAfter
	saved, err := s.certs.SaveCertificate(ctx, rec)
	if err != nil {
		rec.Certificate = ""
		return nil, s.abandon(ctx, rec, fmt.Errorf("saving certificate %d: %w", cert.SerialNumber, err))
	}
	rec = saved
	owner.AssignCertificate(rec)

	s.logger.Info("certificate issued",
		slog.String("serial", rec.SerialNumber().String()),
		slog.String("owner_type", p.OwnerType),
		slog.String("subject", DNString(subject)))
	return &IssuedCertificate{
		Record:         rec,
		Certificate:    cert,
		CertificatePEM: certPEM,
		PublicKeyPEM:   pubPEM,
		PrivateKeyPEM:  keyPEM,
	}, nil
}

// abandon marks a reserved serial as never issued and returns cause. The
// serial stays consumed.
func (s *Service) abandon(ctx context.Context, rec *storage.EntityCertificate, cause error) error {
	rec.Abandoned = true
	if _, err := s.certs.SaveCertificate(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to mark reserved serial abandoned",
			slog.Uint64("serial", rec.ID),
			slog.String("error", err.Error()))
	}
	s.logger.Warn("certificate issuance failed",
		slog.Uint64("serial", rec.ID),
		slog.String("error", cause.Error()))
	return cause
}

func profileAttributes(p CertificateProfile) (Attributes, error) {
	attrs := Attributes{}
	if p.MRN != "" {
		attrs[AttrMRN] = p.MRN
	}
	if p.Permissions != "" {
		attrs[AttrPermissions] = p.Permissions
	}
	for name, value := range p.Extra {
		if value == "" {
			continue
		}
		attr, ok := LookupAttribute(name)
		if !ok {
			return nil, validationError("attributes", fmt.Sprintf("unknown attribute %q", name))
		}
		attrs[attr] = value
	}
	return attrs, nil
}

// Revoke marks certificate id as revoked. Input is validated before the
// record is read, so a rejected request leaves the store untouched. A
// certificate can be revoked once; later calls return
// storage.ErrAlreadyRevoked.
func (s *Service) Revoke(ctx context.Context, id uint64, reason string, revokedAt *time.Time) (*storage.EntityCertificate, error) {
	r, err := ValidateRevocation(reason, revokedAt)
	if err != nil {
		return nil, err
	}
	rec, err := s.certs.GetCertificate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading certificate %d: %w", id, err)
	}
	if rec.Abandoned || rec.Certificate == "" {
		return nil, fmt.Errorf("certificate %d was never issued: %w", id, storage.ErrNotFound)
	}
	if rec.Revoked {
		return nil, fmt.Errorf("certificate %d: %w", id, storage.ErrAlreadyRevoked)
	}
	at := revokedAt.UTC()
	rec.Revoked = true
	rec.RevokedAt = &at
	rec.RevokeReason = r.String()
	rec, err = s.certs.SaveCertificate(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("saving certificate %d: %w", id, err)
	}
	s.logger.Info("certificate revoked",
		slog.Uint64("serial", id),
		slog.String("reason", r.String()),
		slog.Time("revoked_at", at))
	return rec, nil
}

// GenerateCRL returns a PEM CRL of every revoked certificate, signed by the
// intermediate.
func (s *Service) GenerateCRL(ctx context.Context) ([]byte, error) {
	material := s.authority.Current()
	if material == nil {
		return nil, s.unavailable("generating CRL", errors.New("no key material loaded"))
	}
	revoked, err := s.certs.ListRevoked(ctx)
	if err != nil {
		return nil, s.unavailable("listing revoked certificates", err)
	}
	entries := make([]RevokedEntry, 0, len(revoked))
	for _, rec := range revoked {
		entries = append(entries, RevokedEntryFromRecord(rec))
	}
	der, err := BuildCRL(material.Intermediate, entries, s.now(), s.crlWindow)
	if err != nil {
		return nil, s.unavailable("building CRL", err)
	}
	return EncodeCRLPEM(der), nil
}

// GenerateRootCRL returns the root tier's PEM CRL. The root only signs the
// intermediate, so the list is empty.
func (s *Service) GenerateRootCRL() ([]byte, error) {
	material := s.authority.Current()
	if material == nil {
		return nil, s.unavailable("generating root CRL", errors.New("no key material loaded"))
	}
	der, err := BuildRootCRL(material, nil, s.now())
	if err != nil {
		return nil, s.unavailable("building root CRL", err)
	}
	return EncodeCRLPEM(der), nil
}

// RespondOCSP answers a DER OCSP request. Certificates that were not issued
// by the current intermediate, or whose serial is unknown to the store, are
// reported as unknown. A malformed request returns ErrInvalidPEM; any other
// failure returns ErrRevocationDataUnavailable.
func (s *Service) RespondOCSP(ctx context.Context, der []byte) ([]byte, error) {
	req, err := ParseOCSPRequest(der)
	if err != nil {
		return nil, err
	}
	material := s.authority.Current()
	if material == nil {
		return nil, s.unavailable("answering OCSP request", errors.New("no key material loaded"))
	}
	now := s.now()

	statuses := make([]OCSPStatus, 0, len(req.CertIDs))
	for _, id := range req.CertIDs {
		st, err := s.certStatus(ctx, material, id, now)
		if err != nil {
			return nil, s.unavailable("looking up certificate status", err)
		}
		statuses = append(statuses, st)
	}
	resp, err := BuildOCSPResponse(material, req, statuses, now)
	if err != nil {
		return nil, s.unavailable("building OCSP response", err)
	}
	return resp, nil
}

func (s *Service) certStatus(ctx context.Context, material *KeyMaterial, id OCSPCertID, now time.Time) (OCSPStatus, error) {
	st := OCSPStatus{CertID: id, Status: ocsp.Unknown}
	if !issuedBy(id, material.Intermediate) || !id.SerialNumber.IsUint64() {
		return st, nil
	}
	rec, err := s.certs.GetCertificate(ctx, id.SerialNumber.Uint64())
	if errors.Is(err, storage.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if rec.Abandoned || rec.Certificate == "" {
		return st, nil
	}
	if rec.RevokedAsOf(now) {
		entry := RevokedEntryFromRecord(rec)
		st.Status = ocsp.Revoked
		st.RevokedAt = entry.RevokedAt
		st.Reason = entry.Reason
		return st, nil
	}
	st.Status = ocsp.Good
	return st, nil
}

// issuedBy compares the CertID's issuer key hash against signer's key.
func issuedBy(id OCSPCertID, signer *SigningIdentity) bool {
	bits, err := publicKeyBits(signer.PublicKey())
	if err != nil {
		return false
	}
	var sum []byte
	switch {
	case id.HashAlgorithm.Equal(oidSHA1):
		h := sha1.Sum(bits)
		sum = h[:]
	case id.HashAlgorithm.Equal(oidSHA256):
		h := sha256.Sum256(bits)
		sum = h[:]
	default:
		return false
	}
	return bytes.Equal(sum, id.IssuerKeyHash)
}

func (s *Service) unavailable(op string, err error) error {
	s.logger.Error("revocation data unavailable",
		slog.String("op", op),
		slog.String("error", err.Error()))
	return fmt.Errorf("%s: %w: %w", op, ErrRevocationDataUnavailable, err)
}
