// Package entity holds the owners certificates are issued to: users, devices,
// services and vessels registered under an organization.
package entity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

// Type names the kind of owner. It is used as the OU of issued certificates.
type Type string

const (
	TypeUser    Type = "user"
	TypeDevice  Type = "device"
	TypeService Type = "service"
	TypeVessel  Type = "vessel"
)

// ErrUnknownType is returned by ParseType for an unsupported owner kind.
var ErrUnknownType = errors.New("unknown entity type")

// ParseType accepts the singular or plural name of an owner kind.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s")); t {
	case TypeUser, TypeDevice, TypeService, TypeVessel:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// certificates tracks the certificates assigned to an owner.
type certificates struct {
	mu    sync.Mutex
	certs []*storage.EntityCertificate
}

func (c *certificates) AssignCertificate(cert *storage.EntityCertificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs = append(c.certs, cert)
}

// Certificates returns the certificates assigned so far, oldest first.
func (c *certificates) Certificates() []*storage.EntityCertificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*storage.EntityCertificate(nil), c.certs...)
}

// User is a person belonging to an organization.
type User struct {
	certificates

	ID              string `json:"id"`
	MRN             string `json:"mrn"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Permissions     string `json:"permissions,omitempty"`
	OrganizationMRN string `json:"-"`
}

func (u *User) CertificateProfile() pki.CertificateProfile {
	return pki.CertificateProfile{
		OwnerType:       string(TypeUser),
		OwnerID:         u.ID,
		CommonName:      strings.TrimSpace(u.FirstName + " " + u.LastName),
		UID:             u.MRN,
		Email:           u.Email,
		MRN:             u.MRN,
		Permissions:     u.Permissions,
		OrganizationMRN: u.OrganizationMRN,
	}
}

// Device is a piece of equipment, such as a shore station.
type Device struct {
	certificates

	ID              string `json:"id"`
	MRN             string `json:"mrn"`
	Name            string `json:"name"`
	Permissions     string `json:"permissions,omitempty"`
	OrganizationMRN string `json:"-"`
}

func (d *Device) CertificateProfile() pki.CertificateProfile {
	return nonHuman(TypeDevice, d.ID, d.MRN, d.Name, d.Permissions, d.OrganizationMRN)
}

// Service is a software service offered by an organization.
type Service struct {
	certificates

	ID              string `json:"id"`
	MRN             string `json:"mrn"`
	Name            string `json:"name"`
	Permissions     string `json:"permissions,omitempty"`
	OrganizationMRN string `json:"-"`
}

func (s *Service) CertificateProfile() pki.CertificateProfile {
	return nonHuman(TypeService, s.ID, s.MRN, s.Name, s.Permissions, s.OrganizationMRN)
}

// VesselAttribute is one registered fact about a vessel, named after its
// certificate attribute (imo-number, mmsi-number, callsign, flagstate,
// ais-class, port-of-register).
type VesselAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Vessel is a ship. Its attributes are embedded in issued certificates.
type Vessel struct {
	certificates

	ID              string            `json:"id"`
	MRN             string            `json:"mrn"`
	Name            string            `json:"name"`
	Permissions     string            `json:"permissions,omitempty"`
	Attributes      []VesselAttribute `json:"attributes,omitempty"`
	OrganizationMRN string            `json:"-"`
}

func (v *Vessel) CertificateProfile() pki.CertificateProfile {
	p := nonHuman(TypeVessel, v.ID, v.MRN, v.Name, v.Permissions, v.OrganizationMRN)
	if len(v.Attributes) > 0 {
		p.Extra = make(map[string]string, len(v.Attributes))
		for _, a := range v.Attributes {
			p.Extra[strings.ToLower(strings.TrimSpace(a.Name))] = a.Value
		}
	}
	return p
}

func nonHuman(t Type, id, mrn, name, permissions, orgMRN string) pki.CertificateProfile {
	return pki.CertificateProfile{
		OwnerType:       string(t),
		OwnerID:         id,
		CommonName:      name,
		UID:             mrn,
		MRN:             mrn,
		Permissions:     permissions,
		OrganizationMRN: orgMRN,
	}
}

// Owner is a certificate owner that also reports its assigned certificates.
type Owner interface {
	pki.CertificateOwner
	Certificates() []*storage.EntityCertificate
}

// New returns an empty owner of kind t in organization orgMRN, ready to be
// filled from a request body.
func New(t Type, orgMRN string) (Owner, error) {
	switch t {
	case TypeUser:
		return &User{OrganizationMRN: orgMRN}, nil
	case TypeDevice:
		return &Device{OrganizationMRN: orgMRN}, nil
	case TypeService:
		return &Service{OrganizationMRN: orgMRN}, nil
	case TypeVessel:
		return &Vessel{OrganizationMRN: orgMRN}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

var (
	_ Owner = (*User)(nil)
	_ Owner = (*Device)(nil)
	_ Owner = (*Service)(nil)
	_ Owner = (*Vessel)(nil)
)
