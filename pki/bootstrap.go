package pki

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// ErrAlreadyInitialized is returned by Bootstrap when keystores already
// exist and overwriting was not requested.
var ErrAlreadyInitialized = errors.New("certificate authority is already initialized")

// BootstrapConfig describes a new two-tier CA.
type BootstrapConfig struct {
	RootSubject         string
	IntermediateSubject string
	Keystores           KeystoreConfig
	// RootCRLPath receives the root tier's initial CRL. Skipped when empty.
	RootCRLPath string
	Issuer      IssuerConfig
	// Overwrite replaces existing keystore files.
	Overwrite bool
}

// Bootstrap generates the root and intermediate identities, writes the two
// keystores and the truststore, and publishes an empty root CRL.
func Bootstrap(cfg BootstrapConfig, logger *slog.Logger) (*KeyMaterial, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Overwrite {
		for _, p := range []string{cfg.Keystores.RootKeystorePath, cfg.Keystores.IntermediateKeystorePath, cfg.Keystores.TruststorePath} {
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%w: %s exists", ErrAlreadyInitialized, p)
			}
		}
	}

	rootName, err := ParseDN(cfg.RootSubject)
	if err != nil {
		return nil, fmt.Errorf("root subject: %w", err)
	}
	imName, err := ParseDN(cfg.IntermediateSubject)
	if err != nil {
		return nil, fmt.Errorf("intermediate subject: %w", err)
	}

	issuer := NewIssuer(nil, cfg.Issuer, logger)

	rootKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	rootSerial, err := GenerateSerialNumber()
	if err != nil {
		return nil, err
	}
	rootCert, err := issuer.IssueCATier(rootSerial, nil, rootName, rootKey, TierRoot)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}
	root, err := NewSigningIdentity(rootKey, rootCert)
	if err != nil {
		return nil, err
	}

	imKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	imSerial, err := GenerateSerialNumber()
	if err != nil {
		return nil, err
	}
	imCert, err := issuer.IssueCATier(imSerial, root, imName, imKey, TierIntermediate)
	if err != nil {
		return nil, fmt.Errorf("creating intermediate certificate: %w", err)
	}
	intermediate, err := NewSigningIdentity(imKey, imCert, rootCert)
	if err != nil {
		return nil, err
	}

	material, err := NewKeyMaterial(root, intermediate)
	if err != nil {
		return nil, err
	}

	var rootCRL []byte
	if cfg.RootCRLPath != "" {
		if rootCRL, err = BuildRootCRL(material, nil, time.Now()); err != nil {
			return nil, fmt.Errorf("building root CRL: %w", err)
		}
	}

	// A failed bootstrap leaves none of its files behind, so a rerun
	// neither trips over a partial CA nor loads one.
	var written []string
	write := func(path string, fn func() error) error {
		if err := fn(); err != nil {
			for _, p := range written {
				os.Remove(p)
			}
			return err
		}
		written = append(written, path)
		return nil
	}

	ks := cfg.Keystores
	if err := write(ks.RootKeystorePath, func() error {
		return WriteSigningIdentity(ks.RootKeystorePath, ks.KeystorePassword, root)
	}); err != nil {
		return nil, fmt.Errorf("writing %s keystore: %w", RootCertAlias, err)
	}
	if err := write(ks.IntermediateKeystorePath, func() error {
		return WriteSigningIdentity(ks.IntermediateKeystorePath, ks.KeystorePassword, intermediate)
	}); err != nil {
		return nil, fmt.Errorf("writing %s keystore: %w", IntermediateCertAlias, err)
	}
	if err := write(ks.TruststorePath, func() error {
		return WriteTrustStore(ks.TruststorePath, ks.TruststorePassword, &TrustStore{Root: rootCert, Intermediate: imCert})
	}); err != nil {
		return nil, fmt.Errorf("writing truststore: %w", err)
	}
	if rootCRL != nil {
		if err := write(cfg.RootCRLPath, func() error { return WriteCRLFile(cfg.RootCRLPath, rootCRL) }); err != nil {
			return nil, fmt.Errorf("writing root CRL: %w", err)
		}
	}

	logger.Info("certificate authority initialized",
		slog.String("root", DNString(rootName)),
		slog.String("intermediate", DNString(imName)),
		slog.String("root_serial", rootSerial.String()),
		slog.String("intermediate_serial", imSerial.String()))
	return material, nil
}
