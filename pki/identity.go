package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// ---------------------------------------------------------------------------
// SigningIdentity
// ---------------------------------------------------------------------------

// SigningIdentity is a CA key pair together with its certificate and the
// chain above it. The private key is held as PKCS#8 DER inside a memguard
// Enclave and is only decrypted for the duration of a Sign call.
type SigningIdentity struct {
	key   *memguard.Enclave
	pub   *ecdsa.PublicKey
	cert  *x509.Certificate
	chain []*x509.Certificate
}

// NewSigningIdentity seals key into an enclave. chain lists the certificates
// above cert, nearest first, and may be empty for a self-signed root.
func NewSigningIdentity(key *ecdsa.PrivateKey, cert *x509.Certificate, chain ...*x509.Certificate) (*SigningIdentity, error) {
	if key == nil || cert == nil {
		return nil, errors.New("signing identity requires a key and a certificate")
	}
	certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !certPub.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match certificate %q", ErrKeystore, cert.Subject.String())
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, cryptoFailure("sealing signing key", err)
	}
	pub := key.PublicKey
	return &SigningIdentity{
		key:   memguard.NewEnclave(der),
		pub:   &pub,
		cert:  cert,
		chain: append([]*x509.Certificate(nil), chain...),
	}, nil
}

// Certificate returns the identity's own certificate.
func (s *SigningIdentity) Certificate() *x509.Certificate { return s.cert }

// Chain returns the certificates above the identity's own, nearest first.
func (s *SigningIdentity) Chain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), s.chain...)
}

// PublicKey returns the identity's public key.
func (s *SigningIdentity) PublicKey() *ecdsa.PublicKey { return s.pub }

// Signer returns a crypto.Signer backed by the enclave.
func (s *SigningIdentity) Signer() crypto.Signer {
	return &enclaveSigner{identity: s}
}

// privateKey opens the enclave and returns a usable key. The caller must
// invoke the returned release func when done.
func (s *SigningIdentity) privateKey() (*ecdsa.PrivateKey, func(), error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening signing key enclave: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("decoding signing key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		buf.Destroy()
		return nil, nil, errors.New("signing key is not ECDSA")
	}
	return key, buf.Destroy, nil
}

type enclaveSigner struct {
	identity *SigningIdentity
}

func (e *enclaveSigner) Public() crypto.PublicKey { return e.identity.pub }

func (e *enclaveSigner) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	key, release, err := e.identity.privateKey()
	if err != nil {
		return nil, err
	}
	defer release()
	return key.Sign(r, digest, opts)
}

// ---------------------------------------------------------------------------
// KeyMaterial and Authority
// ---------------------------------------------------------------------------

// KeyMaterial groups the two CA tiers of a deployment. It is immutable once
// constructed.
type KeyMaterial struct {
	Root         *SigningIdentity
	Intermediate *SigningIdentity
}

// NewKeyMaterial checks that intermediate was issued by root.
func NewKeyMaterial(root, intermediate *SigningIdentity) (*KeyMaterial, error) {
	if root == nil || intermediate == nil {
		return nil, errors.New("key material requires root and intermediate identities")
	}
	if err := intermediate.cert.CheckSignatureFrom(root.cert); err != nil {
		return nil, fmt.Errorf("%w: intermediate is not signed by root: %v", ErrKeystore, err)
	}
	return &KeyMaterial{Root: root, Intermediate: intermediate}, nil
}

// TrustAnchor is the certificate leaf signatures are checked against.
func (m *KeyMaterial) TrustAnchor() *x509.Certificate {
	return m.Intermediate.cert
}

// Authority publishes the current KeyMaterial. Readers take a snapshot with
// Current; Reload installs a replacement without blocking in-flight signing,
// which keeps using the material it started with.
type Authority struct {
	current atomic.Pointer[KeyMaterial]
}

// NewAuthority returns an Authority serving m.
func NewAuthority(m *KeyMaterial) *Authority {
	a := &Authority{}
	a.current.Store(m)
	return a
}

// Current returns the active key material.
func (a *Authority) Current() *KeyMaterial {
	return a.current.Load()
}

// Reload replaces the active key material and returns the previous one.
func (a *Authority) Reload(m *KeyMaterial) (*KeyMaterial, error) {
	if m == nil {
		return nil, errors.New("reload requires key material")
	}
	return a.current.Swap(m), nil
}
