package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns s in Unicode NFC form, the form used for every
// string placed in a certificate.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// ColonHex formats b as upper-case hex octets separated by colons, the
// usual rendering of fingerprints and key identifiers.
func ColonHex(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{v}))
	}
	return strings.Join(parts, ":")
}
