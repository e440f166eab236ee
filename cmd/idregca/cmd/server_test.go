package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maritimecloud/idreg/internal/util"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/pki/pkitest"
)

// clientCertificate issues a leaf under the authority's current intermediate.
func clientCertificate(t *testing.T, authority *pki.Authority) tls.Certificate {
	t.Helper()
	key, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	subject, err := pki.BuildSubject(pki.EntitySubject{
		Country:      "Denmark",
		Organization: pkitest.OrgMRN,
		EntityType:   "device",
		CommonName:   "AIS base station",
		UID:          "urn:mrn:mcl:device:dma:ais1",
	})
	require.NoError(t, err)
	leaf, err := pki.NewIssuer(authority, pkitest.IssuerConfig(), nil).
		IssueLeaf(big.NewInt(42), subject, &key.PublicKey, nil)
	require.NoError(t, err)
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw, authority.Current().Intermediate.Certificate().Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

// handshake connects a TLS client over loopback and returns the server side
// handshake error.
func handshake(t *testing.T, server *tls.Config, client tls.Certificate) error {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			InsecureSkipVerify: true,
			Certificates:       []tls.Certificate{client},
			MinVersion:         tls.VersionTLS12,
		})
		if err == nil {
			conn.Close()
		}
	}()

	raw, err := ln.Accept()
	require.NoError(t, err)
	defer raw.Close()
	return tls.Server(raw, server).Handshake()
}

func TestClientCertTLSConfig_FollowsReload(t *testing.T) {
	serverCert, err := util.GenerateSelfSignedCert()
	require.NoError(t, err)

	authority := pki.NewAuthority(pkitest.NewKeyMaterial(t))
	oldClient := clientCertificate(t, authority)

	tlsConfig := clientCertTLSConfig(&tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		// No post-handshake writes to a client that has already hung up.
		SessionTicketsDisabled: true,
	}, authority)

	require.NoError(t, handshake(t, tlsConfig, oldClient))

	_, err = authority.Reload(pkitest.NewKeyMaterial(t))
	require.NoError(t, err)
	newClient := clientCertificate(t, authority)

	assert.NoError(t, handshake(t, tlsConfig, newClient), "new intermediate is trusted after reload")
	assert.Error(t, handshake(t, tlsConfig, oldClient), "rotated-out CA is no longer trusted")
}

func TestClientCAPool(t *testing.T) {
	material := pkitest.NewKeyMaterial(t)
	pool := clientCAPool(material)

	_, err := material.Intermediate.Certificate().Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	assert.NoError(t, err)
	assert.NotNil(t, clientCAPool(nil))
}
