package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"regexp"
	"strings"
)

// minCertificateLength rejects input that cannot hold a certificate.
const minCertificateLength = 10

// Identity is what a verified certificate says about its holder.
type Identity struct {
	Serial             *big.Int
	DN                 string
	CommonName         string
	UID                string
	Organization       string
	OrganizationalUnit string
	Country            string
	Email              string
	Attributes         Attributes
	// UnknownAttributes lists SAN entries that were skipped while decoding.
	UnknownAttributes []string
	// Username is the caller-facing identifier: the MRN attribute when
	// present, otherwise the UID.
	Username string
}

// Permissions returns the comma separated PERMISSIONS attribute split into
// trimmed, non-empty tokens.
func (id *Identity) Permissions() []string {
	raw := id.Attributes[AttrPermissions]
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Verifier checks certificate signatures and decodes identities.
type Verifier struct {
	logger *slog.Logger
}

// NewVerifier returns a Verifier. A nil logger uses slog.Default().
func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger}
}

// Verify reports whether cert's signature was made by anchor's key. It never
// fails loudly: a nil certificate, a missing anchor key or a bad signature
// all return false and are logged.
func (v *Verifier) Verify(cert, anchor *x509.Certificate) bool {
	if cert == nil {
		v.logger.Warn("verify: no certificate")
		return false
	}
	if anchor == nil || anchor.PublicKey == nil {
		v.logger.Error("verify: trust anchor has no public key")
		return false
	}
	if err := anchor.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		v.logger.Warn("certificate signature could not be verified",
			slog.String("serial", cert.SerialNumber.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// DecodeIdentity extracts the subject fields and SAN attributes of cert.
func (v *Verifier) DecodeIdentity(cert *x509.Certificate) (*Identity, error) {
	if cert == nil {
		return nil, ErrNoCertificate
	}
	dn, err := RawDNString(cert.RawSubject)
	if err != nil {
		return nil, err
	}
	san, err := DecodeSAN(cert, v.logger)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		Serial:            cert.SerialNumber,
		DN:                dn,
		CommonName:        cert.Subject.CommonName,
		UID:               attributeValue(cert.Subject, oidUID),
		Email:             attributeValue(cert.Subject, oidEmailAddress),
		Attributes:        san.Attributes,
		UnknownAttributes: san.Unknown,
	}
	if len(cert.Subject.Organization) > 0 {
		id.Organization = cert.Subject.Organization[0]
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		id.OrganizationalUnit = cert.Subject.OrganizationalUnit[0]
	}
	if len(cert.Subject.Country) > 0 {
		id.Country = cert.Subject.Country[0]
	}
	id.Username = id.UID
	if mrn := san.Attributes[AttrMRN]; mrn != "" {
		id.Username = mrn
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Certificate text parsing
// ---------------------------------------------------------------------------

var (
	whitespaceRun = regexp.MustCompile(`\s{2,}`)
	tabRun        = regexp.MustCompile(`\t+`)
	pemArmor      = regexp.MustCompile(`(?s)-----BEGIN ([A-Z0-9 ]+)-----(.*?)-----END ([A-Z0-9 ]+)-----`)
)

// ParseCertificateText decodes a certificate delivered as PEM, URL-escaped
// PEM or DER. Proxies that forward the client certificate in a header collapse
// its line breaks into runs of whitespace or tabs; those are turned back into
// line breaks before decoding.
func ParseCertificateText(raw []byte) (*x509.Certificate, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < minCertificateLength {
		return nil, ErrNoCertificate
	}

	text := string(trimmed)
	// Neither base64 nor PEM armor uses '%'.
	if strings.Contains(text, "%") {
		if unescaped, err := url.PathUnescape(text); err == nil {
			text = unescaped
		}
	}
	if !strings.Contains(text, "-----BEGIN") {
		// DER may end in bytes that look like whitespace.
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return cert, nil
	}

	block := decodeCertificateBlock(normalizeHeaderPEM(text))
	if block == nil {
		return nil, fmt.Errorf("%w: no CERTIFICATE block", ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// normalizeHeaderPEM restores line breaks lost in transit and re-frames the
// armored body so the BEGIN and END lines stand on their own.
func normalizeHeaderPEM(text string) string {
	text = whitespaceRun.ReplaceAllString(text, "\n")
	text = tabRun.ReplaceAllString(text, "\n")
	return pemArmor.ReplaceAllStringFunc(text, func(block string) string {
		m := pemArmor.FindStringSubmatch(block)
		body := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\n', '\r', '\t':
				return -1
			}
			return r
		}, m[2])
		var sb strings.Builder
		sb.WriteString("-----BEGIN " + m[1] + "-----\n")
		for len(body) > 64 {
			sb.WriteString(body[:64] + "\n")
			body = body[64:]
		}
		if body != "" {
			sb.WriteString(body + "\n")
		}
		sb.WriteString("-----END " + m[3] + "-----\n")
		return sb.String()
	})
}

func decodeCertificateBlock(text string) *pem.Block {
	rest := []byte(text)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil
		}
		if block.Type == PEMTypeCertificate {
			return block
		}
	}
}
