package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/maritimecloud/idreg/storage"
	"github.com/maritimecloud/idreg/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "idreg.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestRevokedAtRoundTripsAsUTC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "user"})
	if err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	at := time.Date(2030, 6, 1, 8, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	c.Revoked = true
	c.RevokedAt = &at
	if _, err := s.SaveCertificate(ctx, c); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, err := s.GetCertificate(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.RevokedAt == nil || !got.RevokedAt.Equal(at) {
		t.Fatalf("RevokedAt = %v, want %v", got.RevokedAt, at)
	}
	if got.RevokedAt.Location() != time.UTC {
		t.Fatalf("RevokedAt location = %v", got.RevokedAt.Location())
	}
}

func TestUpdateUnknownCertificate(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveCertificate(context.Background(), &storage.EntityCertificate{ID: 77})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
