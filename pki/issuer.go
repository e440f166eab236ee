package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"
)

// Tier selects which CA-tier certificate IssueCATier builds.
type Tier int

const (
	TierRoot Tier = iota
	TierIntermediate
)

func (t Tier) String() string {
	switch t {
	case TierRoot:
		return "root"
	case TierIntermediate:
		return "intermediate"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// caKeyUsage is shared by both CA tiers.
const caKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
	x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign | x509.KeyUsageCRLSign

// IssuerConfig holds the values stamped into every issued certificate.
type IssuerConfig struct {
	// CRLURL is the CRL distribution point. Omitted when empty.
	CRLURL string
	// OCSPURL is the OCSP responder in the AIA extension. Omitted when empty.
	OCSPURL string
	// ExpiryYear fixes notAfter at 00:00 UTC on January 1st of that year.
	ExpiryYear int
}

// Issuer builds and signs certificates. It holds no mutable state of its
// own; the signing material is read from the Authority for each call.
type Issuer struct {
	authority *Authority
	cfg       IssuerConfig
	logger    *slog.Logger
	now       func() time.Time
	rand      io.Reader
}

// NewIssuer returns an Issuer signing with the authority's intermediate.
// A nil logger uses slog.Default().
func NewIssuer(authority *Authority, cfg IssuerConfig, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		authority: authority,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		rand:      rand.Reader,
	}
}

// SetClock overrides the issuance clock. Intended for tests.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Config returns the issuer configuration.
func (i *Issuer) Config() IssuerConfig { return i.cfg }

func (i *Issuer) validity() (time.Time, time.Time, error) {
	return validityWindow(i.now(), i.cfg.ExpiryYear)
}

func validityWindow(now time.Time, expiryYear int) (time.Time, time.Time, error) {
	notBefore := now.UTC().Truncate(time.Second)
	notAfter := time.Date(expiryYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !notAfter.After(notBefore) {
		return time.Time{}, time.Time{}, validationError("expiry_year", fmt.Sprintf("%d is not in the future", expiryYear))
	}
	return notBefore, notAfter, nil
}

// IssueLeaf builds and signs an entity certificate with the intermediate.
// serial must already be durably assigned by the certificate store.
func (i *Issuer) IssueLeaf(serial *big.Int, subject pkix.Name, subjectPublicKey crypto.PublicKey, attrs Attributes) (*x509.Certificate, error) {
	if serial == nil || serial.Sign() <= 0 {
		return nil, validationError("serial", "must be a positive integer")
	}
	if subjectPublicKey == nil {
		return nil, validationError("public_key", "must not be nil")
	}
	var material *KeyMaterial
	if i.authority != nil {
		material = i.authority.Current()
	}
	if material == nil {
		return nil, cryptoFailure("issuing leaf certificate", errors.New("no key material loaded"))
	}
	signer := material.Intermediate

	notBefore, notAfter, err := i.validity()
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(subjectPublicKey)
	if err != nil {
		return nil, cryptoFailure("computing subject key identifier", err)
	}
	aki, err := subjectKeyID(signer.PublicKey())
	if err != nil {
		return nil, cryptoFailure("computing authority key identifier", err)
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: SignatureAlgorithm,
		SubjectKeyId:       ski,
		AuthorityKeyId:     aki,
	}
	i.addDistributionPoints(template)

	san, hasSAN, err := EncodeSAN(attrs)
	if err != nil {
		return nil, err
	}
	if hasSAN {
		template.ExtraExtensions = append(template.ExtraExtensions, san)
	}

	cert, err := i.sign(template, signer.Certificate(), subjectPublicKey, signer.Signer())
	if err != nil {
		i.logger.Error("leaf issuance failed",
			slog.String("serial", serial.String()),
			slog.String("subject", DNString(subject)),
			slog.String("error", err.Error()))
		return nil, err
	}
	return cert, nil
}

// IssueCATier builds a CA certificate. With parent == nil the certificate is
// self-signed by subjectKey (TierRoot); otherwise parent signs it
// (TierIntermediate).
func (i *Issuer) IssueCATier(serial *big.Int, parent *SigningIdentity, subject pkix.Name, subjectKey crypto.Signer, tier Tier) (*x509.Certificate, error) {
	if serial == nil || serial.Sign() <= 0 {
		return nil, validationError("serial", "must be a positive integer")
	}
	if subjectKey == nil {
		return nil, validationError("key", "must not be nil")
	}
	switch {
	case tier == TierRoot && parent != nil:
		return nil, validationError("tier", "root certificate must be self-signed")
	case tier == TierIntermediate && parent == nil:
		return nil, validationError("tier", "intermediate certificate requires a parent")
	case tier != TierRoot && tier != TierIntermediate:
		return nil, validationError("tier", tier.String())
	}

	notBefore, notAfter, err := i.validity()
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(subjectKey.Public())
	if err != nil {
		return nil, cryptoFailure("computing subject key identifier", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		SignatureAlgorithm:    SignatureAlgorithm,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              caKeyUsage,
		SubjectKeyId:          ski,
	}
	i.addDistributionPoints(template)

	issuerCert := template
	signer := subjectKey
	template.AuthorityKeyId = ski
	if parent != nil {
		issuerCert = parent.Certificate()
		signer = parent.Signer()
		aki, err := subjectKeyID(parent.PublicKey())
		if err != nil {
			return nil, cryptoFailure("computing authority key identifier", err)
		}
		template.AuthorityKeyId = aki
	}

	cert, err := i.sign(template, issuerCert, subjectKey.Public(), signer)
	if err != nil {
		i.logger.Error("CA certificate issuance failed",
			slog.String("tier", tier.String()),
			slog.String("subject", DNString(subject)),
			slog.String("error", err.Error()))
		return nil, err
	}
	return cert, nil
}

func (i *Issuer) addDistributionPoints(template *x509.Certificate) {
	if i.cfg.CRLURL != "" {
		template.CRLDistributionPoints = []string{i.cfg.CRLURL}
	}
	if i.cfg.OCSPURL != "" {
		template.OCSPServer = []string{i.cfg.OCSPURL}
	}
}

func (i *Issuer) sign(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(i.rand, template, parent, pub, signer)
	if err != nil {
		return nil, cryptoFailure("signing certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, cryptoFailure("parsing signed certificate", err)
	}
	return cert, nil
}
