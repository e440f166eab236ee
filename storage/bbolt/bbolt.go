// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maritimecloud/idreg/storage"
	"go.etcd.io/bbolt"
)

var (
	certificatesBucket  = []byte("certificates")
	organizationsBucket = []byte("organizations")
	orgByMRNBucket      = []byte("organizations_by_mrn")
	rolesBucket         = []byte("roles")
)

// Store implements storage.Repository backed by a BBolt database.
// Certificate IDs come from the certificates bucket sequence.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{certificatesBucket, organizationsBucket, orgByMRNBucket, rolesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getJSON(b *bbolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return storage.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *Store) GetCertificate(ctx context.Context, id uint64) (*storage.EntityCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cert storage.EntityCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := getJSON(tx.Bucket(certificatesBucket), itob(id), &cert); err != nil {
			return fmt.Errorf("certificate %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) SaveCertificate(ctx context.Context, cert *storage.EntityCertificate) (*storage.EntityCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	saved := *cert
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certificatesBucket)
		now := s.now().UTC()
		if saved.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating serial: %w", err)
			}
			saved.ID = id
			saved.CreatedAt = now
		} else {
			var existing storage.EntityCertificate
			if err := getJSON(b, itob(saved.ID), &existing); err != nil {
				return fmt.Errorf("certificate %d: %w", saved.ID, err)
			}
			if err := storage.CheckRevocationTransition(&existing, &saved); err != nil {
				return err
			}
			saved.CreatedAt = existing.CreatedAt
		}
		saved.UpdatedAt = now
		return putJSON(b, itob(saved.ID), &saved)
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) ListRevoked(ctx context.Context) ([]*storage.EntityCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*storage.EntityCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(certificatesBucket).ForEach(func(_, v []byte) error {
			var c storage.EntityCertificate
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Revoked {
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) OrganizationByMRN(ctx context.Context, mrn string) (*storage.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var org storage.Organization
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(orgByMRNBucket).Get([]byte(mrn))
		if id == nil {
			return fmt.Errorf("organization %s: %w", mrn, storage.ErrNotFound)
		}
		return getJSON(tx.Bucket(organizationsBucket), id, &org)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *Store) RolesByOrgAndPermission(ctx context.Context, orgID uint64, permission string) ([]storage.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.Role
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rolesBucket).Bucket(itob(orgID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r storage.Role
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Permission == permission {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveOrganization(ctx context.Context, org *storage.Organization) (*storage.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	saved := *org
	err := s.db.Update(func(tx *bbolt.Tx) error {
		orgs := tx.Bucket(organizationsBucket)
		byMRN := tx.Bucket(orgByMRNBucket)
		if saved.ID == 0 {
			if id := byMRN.Get([]byte(saved.MRN)); id != nil {
				saved.ID = binary.BigEndian.Uint64(id)
			} else {
				id, err := orgs.NextSequence()
				if err != nil {
					return err
				}
				saved.ID = id
			}
		} else {
			var existing storage.Organization
			if err := getJSON(orgs, itob(saved.ID), &existing); err == nil && existing.MRN != saved.MRN {
				if err := byMRN.Delete([]byte(existing.MRN)); err != nil {
					return err
				}
			}
		}
		if err := byMRN.Put([]byte(saved.MRN), itob(saved.ID)); err != nil {
			return err
		}
		return putJSON(orgs, itob(saved.ID), &saved)
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) SaveRole(ctx context.Context, role *storage.Role) (*storage.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	saved := *role
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(organizationsBucket).Get(itob(saved.OrganizationID)) == nil {
			return fmt.Errorf("organization %d: %w", saved.OrganizationID, storage.ErrNotFound)
		}
		roles := tx.Bucket(rolesBucket)
		if saved.ID == 0 {
			id, err := roles.NextSequence()
			if err != nil {
				return err
			}
			saved.ID = id
		}
		b, err := roles.CreateBucketIfNotExists(itob(saved.OrganizationID))
		if err != nil {
			return err
		}
		return putJSON(b, itob(saved.ID), &saved)
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}
