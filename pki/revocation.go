package pki

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/maritimecloud/idreg/storage"
	"golang.org/x/crypto/ocsp"
)

// Reason is an RFC 5280 CRL reason code.
type Reason int

const (
	ReasonUnspecified          Reason = ocsp.Unspecified
	ReasonKeyCompromise        Reason = ocsp.KeyCompromise
	ReasonCACompromise         Reason = ocsp.CACompromise
	ReasonAffiliationChanged   Reason = ocsp.AffiliationChanged
	ReasonSuperseded           Reason = ocsp.Superseded
	ReasonCessationOfOperation Reason = ocsp.CessationOfOperation
	ReasonCertificateHold      Reason = ocsp.CertificateHold
	ReasonRemoveFromCRL        Reason = ocsp.RemoveFromCRL
	ReasonPrivilegeWithdrawn   Reason = ocsp.PrivilegeWithdrawn
	ReasonAACompromise         Reason = ocsp.AACompromise
)

var reasonNames = map[Reason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// LookupReason maps a case-insensitive reason name to its code and reports
// whether the name is a member of the enumeration.
func LookupReason(s string) (Reason, bool) {
	s = strings.TrimSpace(s)
	for r, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return r, true
		}
	}
	return ReasonUnspecified, false
}

// ParseReason is LookupReason with the unknown case folded into
// ReasonUnspecified. Used when reading stored records.
func ParseReason(s string) Reason {
	r, _ := LookupReason(s)
	return r
}

// ValidateRevocation checks revocation input and returns the parsed reason.
// The error is a *ValidationError naming the rejected field.
func ValidateRevocation(reason string, revokedAt *time.Time) (Reason, error) {
	r, ok := LookupReason(reason)
	if !ok {
		return 0, validationError("revocation_reason", fmt.Sprintf("%q is not a revocation reason", reason))
	}
	if revokedAt == nil || revokedAt.IsZero() {
		return 0, validationError("revoked_at", "must be set")
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// CRL
// ---------------------------------------------------------------------------

const (
	// IntermediateCRLWindow is the nextUpdate distance of the leaf CRL.
	IntermediateCRLWindow = 7 * 24 * time.Hour
)

// RevokedEntry is one row of a CRL.
type RevokedEntry struct {
	Serial    *big.Int
	RevokedAt time.Time
	Reason    Reason
}

// RevokedEntryFromRecord converts a stored certificate record. A record
// without a timestamp is listed as revoked at its last update.
func RevokedEntryFromRecord(rec *storage.EntityCertificate) RevokedEntry {
	at := rec.UpdatedAt
	if rec.RevokedAt != nil {
		at = *rec.RevokedAt
	}
	return RevokedEntry{
		Serial:    rec.SerialNumber(),
		RevokedAt: at.UTC(),
		Reason:    ParseReason(rec.RevokeReason),
	}
}

// BuildCRL signs a full CRL for signer's subject with
// nextUpdate = thisUpdate + window. The CRL number is derived from
// thisUpdate so successive CRLs are increasing without stored state.
func BuildCRL(signer *SigningIdentity, entries []RevokedEntry, thisUpdate time.Time, window time.Duration) ([]byte, error) {
	if signer == nil {
		return nil, cryptoFailure("building CRL", fmt.Errorf("no signer"))
	}
	if window <= 0 {
		return nil, validationError("window", "must be positive")
	}
	thisUpdate = thisUpdate.UTC().Truncate(time.Second)

	revoked := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   e.Serial,
			RevocationTime: e.RevokedAt.UTC(),
			ReasonCode:     int(e.Reason),
		})
	}

	template := &x509.RevocationList{
		SignatureAlgorithm:        SignatureAlgorithm,
		Number:                    crlNumber(thisUpdate),
		ThisUpdate:                thisUpdate,
		NextUpdate:                thisUpdate.Add(window),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, signer.Certificate(), signer.Signer())
	if err != nil {
		return nil, cryptoFailure("signing CRL", err)
	}
	return der, nil
}

// BuildRootCRL signs the root tier's own CRL with a one-year window.
func BuildRootCRL(material *KeyMaterial, entries []RevokedEntry, thisUpdate time.Time) ([]byte, error) {
	if material == nil {
		return nil, cryptoFailure("building root CRL", fmt.Errorf("no key material"))
	}
	thisUpdate = thisUpdate.UTC().Truncate(time.Second)
	window := thisUpdate.AddDate(1, 0, 0).Sub(thisUpdate)
	return BuildCRL(material.Root, entries, thisUpdate, window)
}

// WriteCRLFile stores a DER CRL as PEM at path.
func WriteCRLFile(path string, der []byte) error {
	return writeFileAtomic(path, EncodeCRLPEM(der), 0o644)
}

func crlNumber(thisUpdate time.Time) *big.Int {
	return big.NewInt(thisUpdate.Unix())
}
