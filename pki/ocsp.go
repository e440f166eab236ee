package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/ocsp"
)

var (
	oidOCSPBasic          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
	oidOCSPNonce          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
	oidSignatureECDSA256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	ocspResponseSucceeded = int64(ocsp.Success)
)

// ---------------------------------------------------------------------------
// Request parsing
// ---------------------------------------------------------------------------

type ocspRequestASN1 struct {
	TBSRequest tbsRequestASN1
	Signature  asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type tbsRequestASN1 struct {
	Version       int              `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName asn1.RawValue    `asn1:"explicit,tag:1,optional"`
	RequestList   []singleRequestASN1
	Extensions    []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type singleRequestASN1 struct {
	CertID     certIDASN1
	Extensions []pkix.Extension `asn1:"explicit,tag:0,optional"`
}

type certIDASN1 struct {
	Raw           asn1.RawContent
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

// OCSPCertID identifies one certificate in an OCSP request. Raw is echoed
// unchanged in the matching SingleResponse.
type OCSPCertID struct {
	Raw           []byte
	HashAlgorithm asn1.ObjectIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

// OCSPRequest is a decoded OCSP request.
type OCSPRequest struct {
	CertIDs []OCSPCertID
	// Nonce is the request's nonce extension, nil when absent.
	Nonce *pkix.Extension
}

// ParseOCSPRequest decodes a DER OCSP request. The optional request
// signature is not checked.
func ParseOCSPRequest(der []byte) (*OCSPRequest, error) {
	var raw ocspRequestASN1
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: OCSP request: %v", ErrInvalidPEM, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after OCSP request", ErrInvalidPEM)
	}
	if len(raw.TBSRequest.RequestList) == 0 {
		return nil, fmt.Errorf("%w: OCSP request lists no certificates", ErrInvalidPEM)
	}
	req := &OCSPRequest{}
	for _, r := range raw.TBSRequest.RequestList {
		if r.CertID.SerialNumber == nil {
			return nil, fmt.Errorf("%w: OCSP request without serial", ErrInvalidPEM)
		}
		req.CertIDs = append(req.CertIDs, OCSPCertID{
			Raw:           append([]byte(nil), r.CertID.Raw...),
			HashAlgorithm: r.CertID.HashAlgorithm.Algorithm,
			NameHash:      r.CertID.NameHash,
			IssuerKeyHash: r.CertID.IssuerKeyHash,
			SerialNumber:  r.CertID.SerialNumber,
		})
	}
	for i := range raw.TBSRequest.Extensions {
		if raw.TBSRequest.Extensions[i].Id.Equal(oidOCSPNonce) {
			ext := raw.TBSRequest.Extensions[i]
			req.Nonce = &ext
			break
		}
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Response building
// ---------------------------------------------------------------------------

// OCSPStatus is the status the caller determined for one requested CertID.
// Status is ocsp.Good, ocsp.Revoked or ocsp.Unknown.
type OCSPStatus struct {
	CertID    OCSPCertID
	Status    int
	RevokedAt time.Time
	Reason    Reason
}

// BuildOCSPResponse signs a basic OCSP response holding one SingleResponse per
// status. The responder ID is the SHA-1 hash of the root public key, the
// request nonce is echoed in the response extensions, and the intermediate
// signs the response and is attached as the only certificate. The result is
// a DER OCSPResponse with status successful.
func BuildOCSPResponse(material *KeyMaterial, req *OCSPRequest, statuses []OCSPStatus, now time.Time) ([]byte, error) {
	if material == nil || material.Root == nil || material.Intermediate == nil {
		return nil, cryptoFailure("building OCSP response", fmt.Errorf("no key material"))
	}
	responderKeyHash, err := subjectKeyID(material.Root.PublicKey())
	if err != nil {
		return nil, cryptoFailure("hashing responder key", err)
	}
	now = now.UTC().Truncate(time.Second)

	var nonce []byte
	if req != nil && req.Nonce != nil {
		nonce, err = asn1.Marshal(*req.Nonce)
		if err != nil {
			return nil, cryptoFailure("encoding nonce", err)
		}
	}

	var tbs cryptobyte.Builder
	tbs.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(responderKeyHash)
		})
		b.AddASN1GeneralizedTime(now)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, st := range statuses {
				addSingleResponse(b, st, now)
			}
		})
		if nonce != nil {
			b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddBytes(nonce)
				})
			})
		}
	})
	tbsDER, err := tbs.Bytes()
	if err != nil {
		return nil, cryptoFailure("encoding OCSP response data", err)
	}

	digest := sha256.Sum256(tbsDER)
	sig, err := material.Intermediate.Signer().Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, cryptoFailure("signing OCSP response", err)
	}

	var basic cryptobyte.Builder
	basic.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbsDER)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSignatureECDSA256)
		})
		b.AddASN1BitString(sig)
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddBytes(material.Intermediate.Certificate().Raw)
			})
		})
	})
	basicDER, err := basic.Bytes()
	if err != nil {
		return nil, cryptoFailure("encoding basic OCSP response", err)
	}

	var resp cryptobyte.Builder
	resp.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Enum(ocspResponseSucceeded)
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidOCSPBasic)
				b.AddASN1OctetString(basicDER)
			})
		})
	})
	out, err := resp.Bytes()
	if err != nil {
		return nil, cryptoFailure("encoding OCSP response", err)
	}
	return out, nil
}

func addSingleResponse(b *cryptobyte.Builder, st OCSPStatus, now time.Time) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(st.CertID.Raw)
		switch st.Status {
		case ocsp.Good:
			b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific(), func(*cryptobyte.Builder) {})
		case ocsp.Revoked:
			b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1GeneralizedTime(st.RevokedAt.UTC().Truncate(time.Second))
				b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1Enum(int64(st.Reason))
				})
			})
		default:
			b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific(), func(*cryptobyte.Builder) {})
		}
		b.AddASN1GeneralizedTime(now)
	})
}
