package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/maritimecloud/idreg/config"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
	bboltstorage "github.com/maritimecloud/idreg/storage/bbolt"
	"github.com/maritimecloud/idreg/storage/gormstore"
	"github.com/maritimecloud/idreg/storage/memory"
)

// openRepository opens the configured storage backend. The returned func
// releases it.
func openRepository(sc config.StorageConfig) (storage.Repository, func() error, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.DriverBolt, config.DriverSQLite:
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}

	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if sc.Driver == config.DriverSQLite {
		s, err := gormstore.OpenSQLite(sc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return s, s.Close, nil
	}
	s, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
	}
	return s, s.Close, nil
}

// authority bundles what the issuing commands need.
type authority struct {
	*pki.Authority
	service *pki.Service
	repo    storage.Repository
	close   func() error
}

// loadAuthority loads the keystores and builds the issuance service over the
// configured repository.
func loadAuthority(c *config.Config) (*authority, error) {
	material, err := pki.LoadKeyMaterial(c.Keystores())
	if err != nil {
		return nil, err
	}
	repo, closeRepo, err := openRepository(c.Storage)
	if err != nil {
		return nil, err
	}
	a := pki.NewAuthority(material)
	issuer := pki.NewIssuer(a, c.Issuer(), logger)
	service := pki.NewService(a, issuer, repo, repo,
		pki.WithServiceLogger(logger),
		pki.WithCRLWindow(c.CA.CRLWindow))
	return &authority{Authority: a, service: service, repo: repo, close: closeRepo}, nil
}
