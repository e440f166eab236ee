// Package pkitest builds in-memory certificate authorities for tests.
package pkitest

import (
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
	"github.com/maritimecloud/idreg/storage/memory"
)

const (
	RootDN         = "C=DK, O=Maritime Cloud, OU=MaritimeCloud, CN=MC Root Certificate"
	IntermediateDN = "C=DK, O=Maritime Cloud, OU=MaritimeCloud, CN=MC Intermediate Certificate"
	CRLURL         = "https://localhost/x509/api/certificates/crl"
	OCSPURL        = "https://localhost/x509/api/certificates/ocsp"
	OrgMRN         = "urn:mrn:mcl:org:dma"
)

// IssuerConfig returns the issuer settings shared by all fixtures.
func IssuerConfig() pki.IssuerConfig {
	return pki.IssuerConfig{
		CRLURL:     CRLURL,
		OCSPURL:    OCSPURL,
		ExpiryYear: time.Now().Year() + 10,
	}
}

// NewKeyMaterial creates a root and an intermediate identity in memory.
func NewKeyMaterial(tb testing.TB) *pki.KeyMaterial {
	tb.Helper()
	issuer := pki.NewIssuer(nil, IssuerConfig(), nil)

	root := newIdentity(tb, issuer, nil, RootDN, pki.TierRoot)
	intermediate := newIdentity(tb, issuer, root, IntermediateDN, pki.TierIntermediate)

	m, err := pki.NewKeyMaterial(root, intermediate)
	if err != nil {
		tb.Fatalf("NewKeyMaterial: %v", err)
	}
	return m
}

func newIdentity(tb testing.TB, issuer *pki.Issuer, parent *pki.SigningIdentity, dn string, tier pki.Tier) *pki.SigningIdentity {
	tb.Helper()
	name, err := pki.ParseDN(dn)
	if err != nil {
		tb.Fatalf("ParseDN(%q): %v", dn, err)
	}
	key, err := pki.GenerateKeyPair()
	if err != nil {
		tb.Fatalf("GenerateKeyPair: %v", err)
	}
	serial, err := pki.GenerateSerialNumber()
	if err != nil {
		tb.Fatalf("GenerateSerialNumber: %v", err)
	}
	cert, err := issuer.IssueCATier(serial, parent, name, key, tier)
	if err != nil {
		tb.Fatalf("IssueCATier(%s): %v", tier, err)
	}
	var chain []*x509.Certificate
	if parent != nil {
		chain = append(chain, parent.Certificate())
		chain = append(chain, parent.Chain()...)
	}
	id, err := pki.NewSigningIdentity(key, cert, chain...)
	if err != nil {
		tb.Fatalf("NewSigningIdentity: %v", err)
	}
	return id
}

// Fixture is a ready-to-use CA backed by the in-memory repository, with one
// organization (OrgMRN, country Denmark) in the directory.
type Fixture struct {
	Material  *pki.KeyMaterial
	Authority *pki.Authority
	Issuer    *pki.Issuer
	Repo      *memory.Repository
	Service   *pki.Service
	Org       *storage.Organization
}

// NewFixture builds a Fixture.
func NewFixture(tb testing.TB, opts ...pki.ServiceOption) *Fixture {
	tb.Helper()
	f := &Fixture{
		Material: NewKeyMaterial(tb),
		Repo:     memory.NewRepository(),
	}
	f.Authority = pki.NewAuthority(f.Material)
	f.Issuer = pki.NewIssuer(f.Authority, IssuerConfig(), nil)
	f.Service = pki.NewService(f.Authority, f.Issuer, f.Repo, f.Repo, opts...)

	org, err := f.Repo.SaveOrganization(tb.Context(), &storage.Organization{
		MRN:     OrgMRN,
		Name:    "Danish Maritime Authority",
		Country: "Denmark",
	})
	if err != nil {
		tb.Fatalf("SaveOrganization: %v", err)
	}
	f.Org = org
	return f
}

// Owner is a CertificateOwner that records assigned certificates.
type Owner struct {
	Profile pki.CertificateProfile

	mu       sync.Mutex
	assigned []*storage.EntityCertificate
}

// NewOwner returns a user owner in OrgMRN with the given UID and MRN.
func NewOwner(uid, mrn, permissions string) *Owner {
	return &Owner{Profile: pki.CertificateProfile{
		OwnerType:       "user",
		OwnerID:         uid,
		CommonName:      "Jane Doe",
		UID:             uid,
		Email:           "jane@dma.dk",
		MRN:             mrn,
		Permissions:     permissions,
		OrganizationMRN: OrgMRN,
	}}
}

func (o *Owner) CertificateProfile() pki.CertificateProfile { return o.Profile }

func (o *Owner) AssignCertificate(cert *storage.EntityCertificate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.assigned = append(o.assigned, cert)
}

// Assigned returns the certificates handed to the owner so far.
func (o *Owner) Assigned() []*storage.EntityCertificate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*storage.EntityCertificate(nil), o.assigned...)
}
