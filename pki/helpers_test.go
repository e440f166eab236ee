package pki_test

import (
	"crypto/x509"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/pki/pkitest"
	"github.com/stretchr/testify/require"
)

var leafSerial atomic.Int64

func newFixture(t *testing.T, opts ...pki.ServiceOption) *pkitest.Fixture {
	t.Helper()
	return pkitest.NewFixture(t, opts...)
}

func testSubject(t *testing.T) pki.EntitySubject {
	t.Helper()
	return pki.EntitySubject{
		Country:      "Denmark",
		Organization: pkitest.OrgMRN,
		EntityType:   "user",
		CommonName:   "Jane Doe",
		UID:          "urn:mrn:mcl:user:dma:jane",
		Email:        "jane@dma.dk",
	}
}

// issueLeaf signs a leaf directly with the fixture's issuer.
func issueLeaf(t *testing.T, f *pkitest.Fixture, attrs pki.Attributes) *x509.Certificate {
	t.Helper()
	name, err := pki.BuildSubject(testSubject(t))
	require.NoError(t, err)
	key, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := f.Issuer.IssueLeaf(big.NewInt(leafSerial.Add(1)), name, key.Public(), attrs)
	require.NoError(t, err)
	return cert
}
