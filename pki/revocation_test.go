package pki_test

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/pki/pkitest"
	"github.com/maritimecloud/idreg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupReason(t *testing.T) {
	tests := []struct {
		in   string
		want pki.Reason
		ok   bool
	}{
		{"keyCompromise", pki.ReasonKeyCompromise, true},
		{"KEYCOMPROMISE", pki.ReasonKeyCompromise, true},
		{" superseded ", pki.ReasonSuperseded, true},
		{"cACompromise", pki.ReasonCACompromise, true},
		{"privilegeWithdrawn", pki.ReasonPrivilegeWithdrawn, true},
		{"bogus", pki.ReasonUnspecified, false},
		{"", pki.ReasonUnspecified, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := pki.LookupReason(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, pki.ParseReason(tt.in))
		})
	}
}

func TestReasonCodes(t *testing.T) {
	assert.Equal(t, 0, int(pki.ReasonUnspecified))
	assert.Equal(t, 1, int(pki.ReasonKeyCompromise))
	assert.Equal(t, 4, int(pki.ReasonSuperseded))
	assert.Equal(t, 10, int(pki.ReasonAACompromise))
	assert.Equal(t, "keyCompromise", pki.ReasonKeyCompromise.String())
}

func TestValidateRevocation(t *testing.T) {
	now := time.Now()

	r, err := pki.ValidateRevocation("keycompromise", &now)
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonKeyCompromise, r)

	var verr *pki.ValidationError
	_, err = pki.ValidateRevocation("bogus", &now)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "revocation_reason", verr.Field)

	_, err = pki.ValidateRevocation("superseded", nil)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "revoked_at", verr.Field)
	assert.ErrorIs(t, err, pki.ErrValidation)
}

func TestBuildCRL(t *testing.T) {
	m := pkitest.NewKeyMaterial(t)
	thisUpdate := time.Date(2026, time.May, 4, 12, 30, 0, 0, time.UTC)
	revokedAt := thisUpdate.Add(-48 * time.Hour)

	der, err := pki.BuildCRL(m.Intermediate, []pki.RevokedEntry{
		{Serial: big.NewInt(7), RevokedAt: revokedAt, Reason: pki.ReasonKeyCompromise},
	}, thisUpdate, pki.IntermediateCRLWindow)
	require.NoError(t, err)

	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(m.Intermediate.Certificate()))
	assert.Equal(t, m.Intermediate.Certificate().RawSubject, crl.RawIssuer)
	assert.True(t, crl.ThisUpdate.Equal(thisUpdate))
	assert.True(t, crl.NextUpdate.Equal(thisUpdate.Add(7*24*time.Hour)))
	assert.Equal(t, big.NewInt(thisUpdate.Unix()), crl.Number)

	require.Len(t, crl.RevokedCertificateEntries, 1)
	entry := crl.RevokedCertificateEntries[0]
	assert.Equal(t, big.NewInt(7), entry.SerialNumber)
	assert.Equal(t, int(pki.ReasonKeyCompromise), entry.ReasonCode)
	assert.True(t, entry.RevocationTime.Equal(revokedAt))
}

func TestBuildCRL_NumberIncreases(t *testing.T) {
	m := pkitest.NewKeyMaterial(t)
	t0 := time.Now()

	first, err := pki.BuildCRL(m.Intermediate, nil, t0, time.Hour)
	require.NoError(t, err)
	second, err := pki.BuildCRL(m.Intermediate, nil, t0.Add(2*time.Second), time.Hour)
	require.NoError(t, err)

	a, err := x509.ParseRevocationList(first)
	require.NoError(t, err)
	b, err := x509.ParseRevocationList(second)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Number.Cmp(a.Number))
}

func TestBuildCRL_InvalidInput(t *testing.T) {
	m := pkitest.NewKeyMaterial(t)
	_, err := pki.BuildCRL(m.Intermediate, nil, time.Now(), 0)
	assert.ErrorIs(t, err, pki.ErrValidation)
	_, err = pki.BuildCRL(nil, nil, time.Now(), time.Hour)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestBuildRootCRL(t *testing.T) {
	m := pkitest.NewKeyMaterial(t)
	thisUpdate := time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)

	der, err := pki.BuildRootCRL(m, nil, thisUpdate)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(m.Root.Certificate()))
	assert.True(t, crl.NextUpdate.Equal(thisUpdate.AddDate(1, 0, 0)))
	assert.Empty(t, crl.RevokedCertificateEntries)
}

func TestBuildRootCRL_NoKeyMaterial(t *testing.T) {
	_, err := pki.BuildRootCRL(nil, nil, time.Now())
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
	_, err = pki.BuildRootCRL(&pki.KeyMaterial{}, nil, time.Now())
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestWriteCRLFile(t *testing.T) {
	m := pkitest.NewKeyMaterial(t)
	der, err := pki.BuildRootCRL(m, nil, time.Now())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "crl", "root-ca.crl")
	require.NoError(t, pki.WriteCRLFile(path, der))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)
	assert.Equal(t, der, block.Bytes)
}

func TestRevokedEntryFromRecord(t *testing.T) {
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	at := updated.Add(-time.Hour)

	e := pki.RevokedEntryFromRecord(&storage.EntityCertificate{
		ID: 9, Revoked: true, RevokedAt: &at, RevokeReason: "cessationOfOperation", UpdatedAt: updated,
	})
	assert.Equal(t, big.NewInt(9), e.Serial)
	assert.True(t, e.RevokedAt.Equal(at))
	assert.Equal(t, pki.ReasonCessationOfOperation, e.Reason)

	e = pki.RevokedEntryFromRecord(&storage.EntityCertificate{ID: 10, Revoked: true, RevokeReason: "nonsense", UpdatedAt: updated})
	assert.True(t, e.RevokedAt.Equal(updated))
	assert.Equal(t, pki.ReasonUnspecified, e.Reason)
}
