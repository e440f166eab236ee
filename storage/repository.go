// Package storage defines the persistence collaborators of the certificate
// authority: a certificate store that assigns serial numbers, and the
// organization/role directory used when resolving authenticated principals.
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNotFound is returned when a certificate, organization or role does
	// not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyRevoked is returned when a revoked certificate record would
	// be saved as not revoked again.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")
)

// EntityCertificate is the persisted form of one issued leaf certificate.
// ID doubles as the certificate serial number and is assigned by the store
// on the first save.
type EntityCertificate struct {
	ID           uint64     `json:"id"`
	OwnerType    string     `json:"owner_type"`
	OwnerID      string     `json:"owner_id"`
	Certificate  string     `json:"certificate"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
	// Abandoned marks a reserved serial whose certificate was never issued.
	Abandoned bool      `json:"abandoned,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SerialNumber returns the record ID as an X.509 serial number.
func (c *EntityCertificate) SerialNumber() *big.Int {
	return new(big.Int).SetUint64(c.ID)
}

// RevokedAsOf reports whether the revocation is in effect at t. A revoked
// record without a timestamp is treated as revoked since forever; a record
// whose revocation date lies after t is still considered valid.
func (c *EntityCertificate) RevokedAsOf(t time.Time) bool {
	if !c.Revoked {
		return false
	}
	return c.RevokedAt == nil || c.RevokedAt.Before(t)
}

// Organization is a directory entry for a member organization.
type Organization struct {
	ID      uint64 `json:"id"`
	MRN     string `json:"mrn"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

// Role maps a permission string granted inside an organization to a role name.
type Role struct {
	ID             uint64 `json:"id"`
	OrganizationID uint64 `json:"organization_id"`
	Permission     string `json:"permission"`
	RoleName       string `json:"role_name"`
}

// CertificateStore persists issued certificates.
type CertificateStore interface {
	// GetCertificate returns the record with the given ID or ErrNotFound.
	GetCertificate(ctx context.Context, id uint64) (*EntityCertificate, error)
	// SaveCertificate inserts the record when its ID is zero, assigning a
	// fresh unique ID, and updates it otherwise.
	SaveCertificate(ctx context.Context, cert *EntityCertificate) (*EntityCertificate, error)
	// ListRevoked returns every record with the revoked flag set.
	ListRevoked(ctx context.Context) ([]*EntityCertificate, error)
}

// Directory resolves organizations and the roles their permissions map to.
type Directory interface {
	OrganizationByMRN(ctx context.Context, mrn string) (*Organization, error)
	RolesByOrgAndPermission(ctx context.Context, orgID uint64, permission string) ([]Role, error)
	SaveOrganization(ctx context.Context, org *Organization) (*Organization, error)
	SaveRole(ctx context.Context, role *Role) (*Role, error)
}

// Repository is implemented by backends that provide both collaborators.
type Repository interface {
	CertificateStore
	Directory
}

// CheckRevocationTransition rejects an update that would clear the revoked
// flag of a previously revoked record.
func CheckRevocationTransition(existing, updated *EntityCertificate) error {
	if existing != nil && existing.Revoked && !updated.Revoked {
		return ErrAlreadyRevoked
	}
	return nil
}
