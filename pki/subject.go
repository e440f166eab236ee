package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/maritimecloud/idreg/internal/util"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var (
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidProvince           = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidUID                = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidEmailAddress       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

// dnKeywords maps the attribute keywords accepted by ParseDN to their OIDs.
var dnKeywords = map[string]asn1.ObjectIdentifier{
	"C":            oidCountry,
	"O":            oidOrganization,
	"OU":           oidOrganizationalUnit,
	"CN":           oidCommonName,
	"L":            oidLocality,
	"ST":           oidProvince,
	"UID":          oidUID,
	"E":            oidEmailAddress,
	"EMAILADDRESS": oidEmailAddress,
}

// EntitySubject holds the DN components of a leaf certificate. EntityType
// becomes the OU, for example "user", "device", "service" or "vessel".
type EntitySubject struct {
	Country      string
	Organization string
	EntityType   string
	CommonName   string
	UID          string
	Email        string
}

// BuildSubject returns the leaf subject name with RDNs in the order
// C, O, OU, CN, UID and, when an email is set, E. Country names are mapped
// to ISO-3166 alpha-2 codes with CountryCode.
func BuildSubject(s EntitySubject) (pkix.Name, error) {
	uid := strings.TrimSpace(s.UID)
	if uid == "" {
		return pkix.Name{}, &ValidationError{Field: "uid", Msg: "must not be blank", Err: ErrMissingIdentifier}
	}
	for field, v := range map[string]string{
		"country": s.Country, "organization": s.Organization, "entity_type": s.EntityType,
		"common_name": s.CommonName, "uid": s.UID, "email": s.Email,
	} {
		if !utf8.ValidString(v) {
			return pkix.Name{}, validationError(field, "is not valid UTF-8")
		}
	}
	name := pkix.Name{
		Country:            []string{CountryCode(util.Normalize(s.Country))},
		Organization:       []string{util.Normalize(s.Organization)},
		OrganizationalUnit: []string{util.Normalize(s.EntityType)},
		CommonName:         util.Normalize(s.CommonName),
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: oidUID, Value: util.Normalize(uid)},
		},
	}
	if email := strings.TrimSpace(s.Email); email != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: util.Normalize(email),
		})
	}
	return name, nil
}

// ---------------------------------------------------------------------------
// Country resolution
// ---------------------------------------------------------------------------

var countryCodes = sync.OnceValue(func() map[string]string {
	namer := display.English.Regions()
	codes := make(map[string]string, 256)
	for a := 'A'; a <= 'Z'; a++ {
		for b := 'A'; b <= 'Z'; b++ {
			code := string([]rune{a, b})
			region, err := language.ParseRegion(code)
			if err != nil || !region.IsCountry() || region.String() != code {
				continue
			}
			// Withdrawn codes (DD, BU, RH, ...) share a display name with
			// their successor.
			if region.Canonicalize() != region {
				continue
			}
			if name := namer.Name(region); name != "" {
				if _, dup := codes[name]; !dup {
					codes[name] = code
				}
			}
		}
	}
	return codes
})

// CountryCode maps an English country display name to its ISO-3166 alpha-2
// code. The match is exact and case-sensitive; unknown names are returned
// unchanged.
func CountryCode(name string) string {
	if code, ok := countryCodes()[name]; ok {
		return code
	}
	return name
}

// ---------------------------------------------------------------------------
// DN strings
// ---------------------------------------------------------------------------

// ParseDN parses a comma separated distinguished name such as
// "C=DK, O=Maritime Cloud, OU=MaritimeCloud, CN=MC Root Certificate".
// RDNs are kept in the order given. A backslash escapes the next character.
func ParseDN(dn string) (pkix.Name, error) {
	parts, err := splitDN(dn)
	if err != nil {
		return pkix.Name{}, err
	}
	if len(parts) == 0 {
		return pkix.Name{}, fmt.Errorf("%w: empty name", ErrMalformedSubject)
	}
	var name pkix.Name
	for _, part := range parts {
		k, v, ok := strings.Cut(part, "=")
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return pkix.Name{}, fmt.Errorf("%w: %q", ErrMalformedSubject, part)
		}
		oid, known := dnKeywords[k]
		if !known {
			return pkix.Name{}, fmt.Errorf("%w: unknown attribute %q", ErrMalformedSubject, k)
		}
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oid, Value: util.Normalize(v)})
	}
	// ExtraNames preserve the configured order when marshalled; populate the
	// typed fields too so callers can read them back.
	var seq pkix.RDNSequence
	for _, atv := range name.ExtraNames {
		seq = append(seq, pkix.RelativeDistinguishedNameSET{atv})
	}
	extra := name.ExtraNames
	name.FillFromRDNSequence(&seq)
	name.ExtraNames = extra
	return name, nil
}

func splitDN(dn string) ([]string, error) {
	var (
		parts   []string
		cur     strings.Builder
		escaped bool
	)
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing escape", ErrMalformedSubject)
	}
	if s := strings.TrimSpace(cur.String()); s != "" || len(parts) > 0 {
		parts = append(parts, cur.String())
	}
	return parts, nil
}

var dnShortNames = []struct {
	oid  asn1.ObjectIdentifier
	name string
}{
	{oidCountry, "C"},
	{oidOrganization, "O"},
	{oidOrganizationalUnit, "OU"},
	{oidCommonName, "CN"},
	{oidLocality, "L"},
	{oidProvince, "ST"},
	{oidUID, "UID"},
	{oidEmailAddress, "E"},
}

// DNString formats name in RDN encoding order (C first), the form used by
// the registry for subject strings, e.g. "C=DK, O=urn:mrn:mcl:org:dma, ...".
// Parsed names lose their non-standard attributes in ToRDNSequence; use
// RawDNString for the subject of a parsed certificate.
func DNString(name pkix.Name) string {
	return formatRDNSequence(name.ToRDNSequence())
}

// RawDNString formats a DER encoded Name, keeping every attribute.
func RawDNString(raw []byte) (string, error) {
	var seq pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &seq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSubject, err)
	}
	if len(rest) > 0 {
		return "", fmt.Errorf("%w: trailing data", ErrMalformedSubject)
	}
	return formatRDNSequence(seq), nil
}

func formatRDNSequence(seq pkix.RDNSequence) string {
	var parts []string
	for _, rdn := range seq {
		for _, atv := range rdn {
			label := atv.Type.String()
			for _, sn := range dnShortNames {
				if sn.oid.Equal(atv.Type) {
					label = sn.name
					break
				}
			}
			parts = append(parts, label+"="+escapeDNValue(fmt.Sprint(atv.Value)))
		}
	}
	return strings.Join(parts, ", ")
}

func escapeDNValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, ",", `\,`).Replace(v)
}

// attributeValue returns the first value of the given type in name.Names,
// which holds every parsed attribute including the ones pkix.Name has no
// field for.
func attributeValue(name pkix.Name, oid asn1.ObjectIdentifier) string {
	for _, atv := range name.Names {
		if atv.Type.Equal(oid) {
			if s, ok := atv.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}
