// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/maritimecloud/idreg/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu sync.RWMutex

	certs   map[uint64]*storage.EntityCertificate
	certSeq uint64

	orgs   map[uint64]*storage.Organization
	orgSeq uint64

	roles   map[uint64]*storage.Role
	roleSeq uint64

	now func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		certs: make(map[uint64]*storage.EntityCertificate),
		orgs:  make(map[uint64]*storage.Organization),
		roles: make(map[uint64]*storage.Role),
		now:   time.Now,
	}
}

func cloneCertificate(c *storage.EntityCertificate) *storage.EntityCertificate {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

func (r *Repository) GetCertificate(ctx context.Context, id uint64) (*storage.EntityCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getCertificateLocked(id)
}

func (r *Repository) getCertificateLocked(id uint64) (*storage.EntityCertificate, error) {
	c, ok := r.certs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCertificate(c), nil
}

func (r *Repository) SaveCertificate(ctx context.Context, cert *storage.EntityCertificate) (*storage.EntityCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := cloneCertificate(cert)
	now := r.now().UTC()
	if saved.ID == 0 {
		r.certSeq++
		saved.ID = r.certSeq
		saved.CreatedAt = now
	} else {
		existing, ok := r.certs[saved.ID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		if err := storage.CheckRevocationTransition(existing, saved); err != nil {
			return nil, err
		}
		saved.CreatedAt = existing.CreatedAt
	}
	saved.UpdatedAt = now
	r.certs[saved.ID] = saved
	return cloneCertificate(saved), nil
}

func (r *Repository) ListRevoked(ctx context.Context) ([]*storage.EntityCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*storage.EntityCertificate
	for _, c := range r.certs {
		if c.Revoked {
			out = append(out, cloneCertificate(c))
		}
	}
	slices.SortFunc(out, func(a, b *storage.EntityCertificate) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *Repository) OrganizationByMRN(ctx context.Context, mrn string) (*storage.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orgs {
		if o.MRN == mrn {
			cp := *o
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repository) RolesByOrgAndPermission(ctx context.Context, orgID uint64, permission string) ([]storage.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []storage.Role
	for _, role := range r.roles {
		if role.OrganizationID == orgID && role.Permission == permission {
			out = append(out, *role)
		}
	}
	slices.SortFunc(out, func(a, b storage.Role) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *Repository) SaveOrganization(ctx context.Context, org *storage.Organization) (*storage.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := *org
	if saved.ID == 0 {
		for _, o := range r.orgs {
			if o.MRN == saved.MRN {
				saved.ID = o.ID
				break
			}
		}
	}
	if saved.ID == 0 {
		r.orgSeq++
		saved.ID = r.orgSeq
	}
	r.orgs[saved.ID] = &saved
	out := saved
	return &out, nil
}

func (r *Repository) SaveRole(ctx context.Context, role *storage.Role) (*storage.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orgs[role.OrganizationID]; !ok {
		return nil, storage.ErrNotFound
	}
	saved := *role
	if saved.ID == 0 {
		r.roleSeq++
		saved.ID = r.roleSeq
	}
	r.roles[saved.ID] = &saved
	out := saved
	return &out, nil
}
