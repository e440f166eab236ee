package pki

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Keystore aliases under which the CA tiers are known to operators.
const (
	RootCertAlias         = "rootcert"
	IntermediateCertAlias = "imcert"
)

// KeystoreConfig locates the password-protected PKCS#12 containers of a
// deployment. The root keystore holds {root key, [root]}, the intermediate
// keystore {intermediate key, [intermediate, root]} and the truststore the
// root and intermediate certificates only.
type KeystoreConfig struct {
	RootKeystorePath         string
	IntermediateKeystorePath string
	TruststorePath           string
	KeystorePassword         string
	TruststorePassword       string
}

// TrustStore is the decoded content of the truststore file.
type TrustStore struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
}

// LoadKeyMaterial reads both keystores and checks that the intermediate
// chains to the root.
func LoadKeyMaterial(cfg KeystoreConfig) (*KeyMaterial, error) {
	root, err := LoadSigningIdentity(cfg.RootKeystorePath, cfg.KeystorePassword)
	if err != nil {
		return nil, fmt.Errorf("loading %s keystore: %w", RootCertAlias, err)
	}
	intermediate, err := LoadSigningIdentity(cfg.IntermediateKeystorePath, cfg.KeystorePassword)
	if err != nil {
		return nil, fmt.Errorf("loading %s keystore: %w", IntermediateCertAlias, err)
	}
	return NewKeyMaterial(root, intermediate)
}

// LoadSigningIdentity decodes a PKCS#12 keystore holding an ECDSA key, its
// certificate and the chain above it.
func LoadSigningIdentity(path, password string) (*SigningIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystore, err)
	}
	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrKeystore, filepath.Base(path), err)
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not hold an ECDSA key", ErrKeystore, filepath.Base(path))
	}
	return NewSigningIdentity(ec, cert, chain...)
}

// WriteSigningIdentity stores id as a PKCS#12 keystore at path.
func WriteSigningIdentity(path, password string, id *SigningIdentity) error {
	key, release, err := id.privateKey()
	if err != nil {
		return cryptoFailure("exporting signing key", err)
	}
	defer release()
	data, err := pkcs12.Modern.Encode(key, id.cert, id.chain, password)
	if err != nil {
		return cryptoFailure("encoding keystore", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// LoadTrustStore decodes the truststore and identifies the root as the
// self-signed entry.
func LoadTrustStore(path, password string) (*TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystore, err)
	}
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding truststore: %v", ErrKeystore, err)
	}
	ts := &TrustStore{}
	for _, c := range certs {
		if bytes.Equal(c.RawSubject, c.RawIssuer) && c.CheckSignatureFrom(c) == nil {
			ts.Root = c
		} else {
			ts.Intermediate = c
		}
	}
	if ts.Root == nil || ts.Intermediate == nil {
		return nil, fmt.Errorf("%w: truststore must hold %s and %s", ErrKeystore, RootCertAlias, IntermediateCertAlias)
	}
	if err := ts.Intermediate.CheckSignatureFrom(ts.Root); err != nil {
		return nil, fmt.Errorf("%w: truststore intermediate is not signed by its root: %v", ErrKeystore, err)
	}
	return ts, nil
}

// WriteTrustStore stores the root and intermediate certificates at path.
func WriteTrustStore(path, password string, ts *TrustStore) error {
	if ts == nil || ts.Root == nil || ts.Intermediate == nil {
		return errors.New("truststore requires root and intermediate certificates")
	}
	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{ts.Root, ts.Intermediate}, password)
	if err != nil {
		return cryptoFailure("encoding truststore", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// writeFileAtomic writes data next to path and renames it into place so a
// concurrent reader never sees a partial file.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
