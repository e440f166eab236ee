// Package gormstore provides a SQL-backed storage.Repository using GORM.
// SQLite is the default dialect; certificate serials are the autoincrement
// primary key of the certificates table.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maritimecloud/idreg/storage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type certificateModel struct {
	ID           uint64 `gorm:"primarykey;autoIncrement"`
	OwnerType    string `gorm:"index:idx_owner"`
	OwnerID      string `gorm:"index:idx_owner"`
	Certificate  string `gorm:"type:text"`
	NotBefore    time.Time
	NotAfter     time.Time
	Revoked      bool `gorm:"index"`
	RevokedAt    *time.Time
	RevokeReason string
	Abandoned    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (certificateModel) TableName() string { return "certificates" }

type organizationModel struct {
	ID      uint64 `gorm:"primarykey;autoIncrement"`
	MRN     string `gorm:"uniqueIndex"`
	Name    string
	Country string
}

func (organizationModel) TableName() string { return "organizations" }

type roleModel struct {
	ID             uint64 `gorm:"primarykey;autoIncrement"`
	OrganizationID uint64 `gorm:"index:idx_org_permission"`
	Permission     string `gorm:"index:idx_org_permission"`
	RoleName       string
}

func (roleModel) TableName() string { return "roles" }

// Store implements storage.Repository on a GORM database.
type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

// New migrates the schema on db and returns a Store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&certificateModel{}, &organizationModel{}, &roleModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens (or creates) a SQLite database at path. Writes are
// serialized over a single connection.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toCertificateModel(c *storage.EntityCertificate) *certificateModel {
	return &certificateModel{
		ID:           c.ID,
		OwnerType:    c.OwnerType,
		OwnerID:      c.OwnerID,
		Certificate:  c.Certificate,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		Revoked:      c.Revoked,
		RevokedAt:    c.RevokedAt,
		RevokeReason: c.RevokeReason,
		Abandoned:    c.Abandoned,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func fromCertificateModel(m *certificateModel) *storage.EntityCertificate {
	c := &storage.EntityCertificate{
		ID:           m.ID,
		OwnerType:    m.OwnerType,
		OwnerID:      m.OwnerID,
		Certificate:  m.Certificate,
		NotBefore:    m.NotBefore.UTC(),
		NotAfter:     m.NotAfter.UTC(),
		Revoked:      m.Revoked,
		RevokeReason: m.RevokeReason,
		Abandoned:    m.Abandoned,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.RevokedAt != nil {
		t := m.RevokedAt.UTC()
		c.RevokedAt = &t
	}
	return c
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) GetCertificate(ctx context.Context, id uint64) (*storage.EntityCertificate, error) {
	var m certificateModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, fmt.Errorf("certificate %d: %w", id, notFound(err))
	}
	return fromCertificateModel(&m), nil
}

func (s *Store) SaveCertificate(ctx context.Context, cert *storage.EntityCertificate) (*storage.EntityCertificate, error) {
	m := toCertificateModel(cert)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.ID == 0 {
			return tx.Create(m).Error
		}
		var existing certificateModel
		if err := tx.First(&existing, m.ID).Error; err != nil {
			return fmt.Errorf("certificate %d: %w", m.ID, notFound(err))
		}
		if err := storage.CheckRevocationTransition(fromCertificateModel(&existing), cert); err != nil {
			return err
		}
		m.CreatedAt = existing.CreatedAt
		return tx.Save(m).Error
	})
	if err != nil {
		return nil, err
	}
	return fromCertificateModel(m), nil
}

func (s *Store) ListRevoked(ctx context.Context) ([]*storage.EntityCertificate, error) {
	var models []certificateModel
	if err := s.db.WithContext(ctx).Where("revoked = ?", true).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list revoked: %w", err)
	}
	out := make([]*storage.EntityCertificate, 0, len(models))
	for i := range models {
		out = append(out, fromCertificateModel(&models[i]))
	}
	return out, nil
}

func (s *Store) OrganizationByMRN(ctx context.Context, mrn string) (*storage.Organization, error) {
	var m organizationModel
	if err := s.db.WithContext(ctx).Where("mrn = ?", mrn).First(&m).Error; err != nil {
		return nil, fmt.Errorf("organization %s: %w", mrn, notFound(err))
	}
	return &storage.Organization{ID: m.ID, MRN: m.MRN, Name: m.Name, Country: m.Country}, nil
}

func (s *Store) RolesByOrgAndPermission(ctx context.Context, orgID uint64, permission string) ([]storage.Role, error) {
	var models []roleModel
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND permission = ?", orgID, permission).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	out := make([]storage.Role, 0, len(models))
	for _, m := range models {
		out = append(out, storage.Role{
			ID:             m.ID,
			OrganizationID: m.OrganizationID,
			Permission:     m.Permission,
			RoleName:       m.RoleName,
		})
	}
	return out, nil
}

func (s *Store) SaveOrganization(ctx context.Context, org *storage.Organization) (*storage.Organization, error) {
	m := organizationModel{ID: org.ID, MRN: org.MRN, Name: org.Name, Country: org.Country}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.ID == 0 {
			var existing organizationModel
			err := tx.Where("mrn = ?", m.MRN).First(&existing).Error
			switch {
			case err == nil:
				m.ID = existing.ID
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		return tx.Save(&m).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save organization: %w", err)
	}
	return &storage.Organization{ID: m.ID, MRN: m.MRN, Name: m.Name, Country: m.Country}, nil
}

func (s *Store) SaveRole(ctx context.Context, role *storage.Role) (*storage.Role, error) {
	m := roleModel{
		ID:             role.ID,
		OrganizationID: role.OrganizationID,
		Permission:     role.Permission,
		RoleName:       role.RoleName,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&organizationModel{}).Where("id = ?", m.OrganizationID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("organization %d: %w", m.OrganizationID, storage.ErrNotFound)
		}
		return tx.Save(&m).Error
	})
	if err != nil {
		return nil, err
	}
	return &storage.Role{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Permission:     m.Permission,
		RoleName:       m.RoleName,
	}, nil
}
