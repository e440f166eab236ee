package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
)

// PEM block types produced by this package.
const (
	PEMTypeCertificate = "CERTIFICATE"
	PEMTypePublicKey   = "PUBLIC KEY"
	PEMTypePrivateKey  = "PRIVATE KEY"
	PEMTypeCRL         = "X509 CRL"
)

// SignatureAlgorithm is the only signature scheme the CA produces.
const SignatureAlgorithm = x509.ECDSAWithSHA256

// Curve is the only curve used for CA and subject keys.
func Curve() elliptic.Curve { return elliptic.P384() }

var (
	serialMin = new(big.Int).Lsh(big.NewInt(1), 32)
	// serialSpan is (2^159 - 1) - 2^32 + 1.
	serialSpan = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 159), serialMin)
)

// GenerateKeyPair returns a fresh P-384 key. A new key is generated for every
// issuance; keys are never reused across subjects.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(Curve(), r)
	if err != nil {
		return nil, cryptoFailure("generating P-384 key", err)
	}
	return key, nil
}

// GenerateSerialNumber draws a CA-tier serial uniformly from [2^32, 2^159-1].
// Leaf serials are assigned by the certificate store instead.
func GenerateSerialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, serialSpan)
	if err != nil {
		return nil, cryptoFailure("generating serial number", err)
	}
	return n.Add(n, serialMin), nil
}

// subjectKeyID is the RFC 5280 method (1) key identifier: the SHA-1 hash of
// the subjectPublicKey BIT STRING.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	bits, err := publicKeyBits(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(bits)
	return sum[:], nil
}

// publicKeyBits returns the contents of the subjectPublicKey BIT STRING.
func publicKeyBits(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	return spki.PublicKey.Bytes, nil
}

// EncodeCertificatePEM wraps DER certificate bytes in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCertificate, Bytes: der}))
}

// EncodePublicKeyPEM encodes pub as a PKIX PUBLIC KEY block.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", cryptoFailure("encoding public key", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypePublicKey, Bytes: der})), nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 PRIVATE KEY block.
func EncodePrivateKeyPEM(key crypto.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", cryptoFailure("encoding private key", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypePrivateKey, Bytes: der})), nil
}

// EncodeCRLPEM wraps DER CRL bytes in an X509 CRL block.
func EncodeCRLPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeCRL, Bytes: der})
}

// ParseCertificatePEM decodes one CERTIFICATE block.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != PEMTypeCertificate {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM decodes an ECDSA key from a PRIVATE KEY (PKCS#8) or
// EC PRIVATE KEY (SEC1) block.
func ParsePrivateKeyPEM(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return key, nil
	case PEMTypePrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidPEM)
		}
		return ec, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
}
