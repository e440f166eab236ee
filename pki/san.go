package pki

import (
	"bytes"
	"cmp"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/maritimecloud/idreg/internal/util"
)

// Attribute is one of the identity attributes carried in the SAN extension
// as an otherName entry.
type Attribute int

const (
	AttrUnknown Attribute = iota
	AttrMRN
	AttrPermissions
	AttrFlagState
	AttrCallSign
	AttrIMONumber
	AttrMMSINumber
	AttrAISShipType
	AttrPortOfRegister
)

// Attributes maps each attribute to its value. A key appears at most once.
type Attributes map[Attribute]string

type attributeInfo struct {
	name string
	oid  string
	der  []byte
}

// The registry's attribute OIDs are UUID-derived 2.25 arcs that do not fit
// in asn1.ObjectIdentifier, so they are kept as x509.OID content bytes.
var attributeTable = map[Attribute]*attributeInfo{
	AttrMRN:            {name: "mrn", oid: "2.25.271477598449775373676560215839310464283"},
	AttrPermissions:    {name: "permissions", oid: "2.25.174437629172304915481663724171734402331"},
	AttrFlagState:      {name: "flagstate", oid: "2.25.323100633285601570573910217875371967771"},
	AttrCallSign:       {name: "callsign", oid: "2.25.208070283325144527098121348946972755227"},
	AttrIMONumber:      {name: "imo-number", oid: "2.25.291283622413876360871493815653100799259"},
	AttrMMSINumber:     {name: "mmsi-number", oid: "2.25.328433707816814908768060331477217690907"},
	AttrAISShipType:    {name: "ais-class", oid: "2.25.107857171638679641902842130101018412315"},
	AttrPortOfRegister: {name: "port-of-register", oid: "2.25.285632790821948647314354670918887798603"},
}

func init() {
	for attr, info := range attributeTable {
		oid, err := x509.ParseOID(info.oid)
		if err != nil {
			panic(fmt.Sprintf("pki: bad OID for attribute %d: %v", attr, err))
		}
		der, err := oid.MarshalBinary()
		if err != nil {
			panic(fmt.Sprintf("pki: encoding OID for attribute %d: %v", attr, err))
		}
		info.der = der
	}
}

// AllAttributes returns every known attribute in OID order.
func AllAttributes() []Attribute {
	out := make([]Attribute, 0, len(attributeTable))
	for a := range attributeTable {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Attribute) int {
		return compareOID(attributeTable[a].oid, attributeTable[b].oid)
	})
	return out
}

func (a Attribute) String() string {
	if info, ok := attributeTable[a]; ok {
		return info.name
	}
	return "unknown"
}

// OID returns the dotted OID of the attribute, or "" for AttrUnknown.
func (a Attribute) OID() string {
	if info, ok := attributeTable[a]; ok {
		return info.oid
	}
	return ""
}

// LookupAttribute maps an attribute name such as "imo-number" to its value.
func LookupAttribute(name string) (Attribute, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for attr, info := range attributeTable {
		if info.name == name {
			return attr, true
		}
	}
	return AttrUnknown, false
}

func attributeByDER(der []byte) (Attribute, bool) {
	for attr, info := range attributeTable {
		if bytes.Equal(info.der, der) {
			return attr, true
		}
	}
	return AttrUnknown, false
}

// compareOID orders dotted OIDs arc by arc numerically.
func compareOID(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, okx := new(big.Int).SetString(as[i], 10)
		y, oky := new(big.Int).SetString(bs[i], 10)
		if !okx || !oky {
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
			continue
		}
		if c := x.Cmp(y); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(as), len(bs))
}

// ---------------------------------------------------------------------------
// SAN encoding
// ---------------------------------------------------------------------------

var oidExtensionSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

const (
	tagOtherName = 0
	// GeneralName choice tags, for naming skipped entries.
	tagRFC822Name = 1
	tagDNSName    = 2
	tagURI        = 6
	tagIPAddress  = 7
)

// EncodeSAN builds the subjectAltName extension for attrs. Each attribute is
// an otherName { OID, [0] EXPLICIT UTF8String } and entries are ordered by
// OID. An empty set yields ok == false: no extension is emitted at all.
func EncodeSAN(attrs Attributes) (ext pkix.Extension, ok bool, err error) {
	if len(attrs) == 0 {
		return pkix.Extension{}, false, nil
	}
	keys := make([]Attribute, 0, len(attrs))
	for a := range attrs {
		if _, known := attributeTable[a]; !known {
			return pkix.Extension{}, false, validationError("attributes", fmt.Sprintf("unknown attribute %d", a))
		}
		if !utf8.ValidString(attrs[a]) {
			return pkix.Extension{}, false, validationError("attributes", fmt.Sprintf("%s is not valid UTF-8", a))
		}
		keys = append(keys, a)
	}
	slices.SortFunc(keys, func(a, b Attribute) int {
		return compareOID(attributeTable[a].oid, attributeTable[b].oid)
	})

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, a := range keys {
			value := util.Normalize(attrs[a])
			b.AddASN1(cryptobyte_asn1.Tag(tagOtherName).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.OBJECT_IDENTIFIER, func(b *cryptobyte.Builder) {
					b.AddBytes(attributeTable[a].der)
				})
				b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(value))
					})
				})
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, false, cryptoFailure("encoding subjectAltName", err)
	}
	return pkix.Extension{Id: oidExtensionSubjectAltName, Value: der}, true, nil
}

// ---------------------------------------------------------------------------
// SAN decoding
// ---------------------------------------------------------------------------

// DecodedSAN is the result of reading a subjectAltName extension. Unknown
// lists entries that were skipped: otherNames with an unrecognised OID,
// repeated attributes and non-otherName entries.
type DecodedSAN struct {
	Attributes Attributes
	Unknown    []string
}

// DecodeSAN reads the identity attributes from cert. A certificate without a
// SAN extension decodes to an empty set. Unrecognised entries are logged,
// skipped and reported in Unknown; only a structurally broken extension is
// an error.
func DecodeSAN(cert *x509.Certificate, logger *slog.Logger) (*DecodedSAN, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := &DecodedSAN{Attributes: Attributes{}}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidExtensionSubjectAltName) {
			if err := decodeSANValue(ext.Value, out, logger); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func decodeSANValue(der []byte, out *DecodedSAN, logger *slog.Logger) error {
	input := cryptobyte.String(der)
	var names cryptobyte.String
	if !input.ReadASN1(&names, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return fmt.Errorf("%w: malformed subjectAltName", ErrInvalidPEM)
	}
	for !names.Empty() {
		var (
			entry cryptobyte.String
			tag   cryptobyte_asn1.Tag
		)
		if !names.ReadAnyASN1(&entry, &tag) {
			return fmt.Errorf("%w: malformed GeneralName", ErrInvalidPEM)
		}
		if tag != cryptobyte_asn1.Tag(tagOtherName).ContextSpecific().Constructed() {
			kind := generalNameKind(tag)
			logger.Warn("skipping subjectAltName entry", slog.String("kind", kind))
			out.Unknown = append(out.Unknown, kind)
			continue
		}

		var oidDER, explicit, value cryptobyte.String
		if !entry.ReadASN1(&oidDER, cryptobyte_asn1.OBJECT_IDENTIFIER) ||
			!entry.ReadASN1(&explicit, cryptobyte_asn1.Tag(0).ContextSpecific().Constructed()) ||
			!explicit.ReadASN1(&value, cryptobyte_asn1.UTF8String) {
			return fmt.Errorf("%w: malformed otherName", ErrInvalidPEM)
		}

		attr, known := attributeByDER(oidDER)
		if !known {
			oidStr := oidString(oidDER)
			logger.Warn("unknown subjectAltName attribute", slog.String("oid", oidStr))
			out.Unknown = append(out.Unknown, oidStr)
			continue
		}
		if _, dup := out.Attributes[attr]; dup {
			logger.Warn("repeated subjectAltName attribute", slog.String("attribute", attr.String()))
			out.Unknown = append(out.Unknown, attr.OID())
			continue
		}
		out.Attributes[attr] = string(value)
	}
	return nil
}

func oidString(der []byte) string {
	var oid x509.OID
	if err := oid.UnmarshalBinary(der); err != nil {
		return "invalid-oid"
	}
	return oid.String()
}

func generalNameKind(tag cryptobyte_asn1.Tag) string {
	switch tag &^ cryptobyte_asn1.Tag(0xe0) {
	case tagRFC822Name:
		return "rfc822Name"
	case tagDNSName:
		return "dNSName"
	case tagURI:
		return "uniformResourceIdentifier"
	case tagIPAddress:
		return "iPAddress"
	}
	return fmt.Sprintf("generalName[%d]", tag&^cryptobyte_asn1.Tag(0xe0))
}
