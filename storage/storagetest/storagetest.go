// Package storagetest holds behavioural tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maritimecloud/idreg/storage"
)

// RunRepositoryTests exercises a storage.Repository implementation. newRepo
// must return an empty repository for each call.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("SaveAssignsSequentialIDs", func(t *testing.T) {
		testSaveAssignsIDs(t, newRepo(t))
	})
	t.Run("GetMissingCertificate", func(t *testing.T) {
		testGetMissing(t, newRepo(t))
	})
	t.Run("UpdateCertificate", func(t *testing.T) {
		testUpdate(t, newRepo(t))
	})
	t.Run("RevocationIsOneWay", func(t *testing.T) {
		testRevocationOneWay(t, newRepo(t))
	})
	t.Run("ListRevoked", func(t *testing.T) {
		testListRevoked(t, newRepo(t))
	})
	t.Run("ConcurrentSavesHaveUniqueIDs", func(t *testing.T) {
		testConcurrentSaves(t, newRepo(t))
	})
	t.Run("Directory", func(t *testing.T) {
		testDirectory(t, newRepo(t))
	})
}

func testSaveAssignsIDs(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	first, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "user", OwnerID: "1"})
	if err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	second, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "user", OwnerID: "2"})
	if err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	if first.ID == 0 || second.ID == 0 {
		t.Fatalf("expected non-zero ids, got %d and %d", first.ID, second.ID)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, both were %d", first.ID)
	}
	if second.ID <= first.ID {
		t.Fatalf("expected increasing ids, got %d then %d", first.ID, second.ID)
	}

	got, err := repo.GetCertificate(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.OwnerID != "1" || got.OwnerType != "user" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func testGetMissing(t *testing.T, repo storage.Repository) {
	_, err := repo.GetCertificate(context.Background(), 4242)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpdate(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	saved, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "device", OwnerID: "d1"})
	if err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	saved.Certificate = "-----BEGIN CERTIFICATE-----"
	saved.NotAfter = time.Date(2035, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := repo.SaveCertificate(ctx, saved)
	if err != nil {
		t.Fatalf("SaveCertificate update: %v", err)
	}
	if updated.ID != saved.ID {
		t.Fatalf("update changed id from %d to %d", saved.ID, updated.ID)
	}
	got, err := repo.GetCertificate(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.Certificate != saved.Certificate {
		t.Fatalf("certificate not updated: %q", got.Certificate)
	}
	if !got.NotAfter.Equal(saved.NotAfter) {
		t.Fatalf("NotAfter = %v, want %v", got.NotAfter, saved.NotAfter)
	}

	reserved, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "device", OwnerID: "d2"})
	if err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	reserved.Abandoned = true
	if _, err := repo.SaveCertificate(ctx, reserved); err != nil {
		t.Fatalf("SaveCertificate abandoned: %v", err)
	}
	got, err = repo.GetCertificate(ctx, reserved.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if !got.Abandoned {
		t.Fatalf("abandoned flag not persisted")
	}
}

func testRevocationOneWay(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	saved, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "user", OwnerID: "u"})
	if err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	saved.Revoked = true
	saved.RevokedAt = &at
	saved.RevokeReason = "keycompromise"
	if _, err := repo.SaveCertificate(ctx, saved); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	saved.Revoked = false
	saved.RevokedAt = nil
	if _, err := repo.SaveCertificate(ctx, saved); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}

	got, err := repo.GetCertificate(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if !got.Revoked || got.RevokedAt == nil || !got.RevokedAt.Equal(at) {
		t.Fatalf("revocation lost: %+v", got)
	}
}

func testListRevoked(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var revokedIDs []uint64
	for i := range 4 {
		c, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "service"})
		if err != nil {
			t.Fatalf("SaveCertificate: %v", err)
		}
		if i%2 == 0 {
			c.Revoked = true
			c.RevokedAt = &at
			c.RevokeReason = "superseded"
			if _, err := repo.SaveCertificate(ctx, c); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			revokedIDs = append(revokedIDs, c.ID)
		}
	}

	revoked, err := repo.ListRevoked(ctx)
	if err != nil {
		t.Fatalf("ListRevoked: %v", err)
	}
	if len(revoked) != len(revokedIDs) {
		t.Fatalf("expected %d revoked, got %d", len(revokedIDs), len(revoked))
	}
	for i, c := range revoked {
		if c.ID != revokedIDs[i] {
			t.Fatalf("revoked[%d].ID = %d, want %d", i, c.ID, revokedIDs[i])
		}
		if c.RevokeReason != "superseded" {
			t.Fatalf("revoked[%d].RevokeReason = %q", i, c.RevokeReason)
		}
	}
}

func testConcurrentSaves(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	const n = 32
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			c, err := repo.SaveCertificate(ctx, &storage.EntityCertificate{OwnerType: "vessel"})
			if err != nil {
				t.Errorf("SaveCertificate: %v", err)
				return
			}
			ids <- c.ID
		})
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
}

func testDirectory(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	org, err := repo.SaveOrganization(ctx, &storage.Organization{
		MRN:     "urn:mrn:mcl:org:dma",
		Name:    "Danish Maritime Authority",
		Country: "Denmark",
	})
	if err != nil {
		t.Fatalf("SaveOrganization: %v", err)
	}
	if org.ID == 0 {
		t.Fatal("expected organization id")
	}

	for _, r := range []storage.Role{
		{OrganizationID: org.ID, Permission: "MCADMIN", RoleName: "ROLE_SITE_ADMIN"},
		{OrganizationID: org.ID, Permission: "MCADMIN", RoleName: "ROLE_ORG_ADMIN"},
		{OrganizationID: org.ID, Permission: "MCUSER", RoleName: "ROLE_USER"},
	} {
		if _, err := repo.SaveRole(ctx, &r); err != nil {
			t.Fatalf("SaveRole: %v", err)
		}
	}

	got, err := repo.OrganizationByMRN(ctx, "urn:mrn:mcl:org:dma")
	if err != nil {
		t.Fatalf("OrganizationByMRN: %v", err)
	}
	if got.ID != org.ID || got.Name != "Danish Maritime Authority" {
		t.Fatalf("unexpected organization: %+v", got)
	}

	if _, err := repo.OrganizationByMRN(ctx, "urn:mrn:mcl:org:nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	roles, err := repo.RolesByOrgAndPermission(ctx, org.ID, "MCADMIN")
	if err != nil {
		t.Fatalf("RolesByOrgAndPermission: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
	if roles[0].RoleName != "ROLE_SITE_ADMIN" || roles[1].RoleName != "ROLE_ORG_ADMIN" {
		t.Fatalf("unexpected roles: %+v", roles)
	}

	roles, err = repo.RolesByOrgAndPermission(ctx, org.ID, "UNMAPPED")
	if err != nil {
		t.Fatalf("RolesByOrgAndPermission: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected no roles, got %+v", roles)
	}
}
