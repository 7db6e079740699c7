package repository

import (
	"context"
	"testing"

	"secure-reef/internal/domain"
)

func testIdentity(agentID string, generation uint) *domain.AgentIdentity {
	return &domain.AgentIdentity{
		AgentID:              agentID,
		Generation:           generation,
		EncryptionPublicKey:  make([]byte, domain.PublicKeySize),
		SigningPublicKey:     make([]byte, 32),
		WrappedEncryptionKey: []byte("wrapped-enc"),
		WrappedSigningKey:    []byte("wrapped-sign"),
	}
}

func TestIdentityRepository_SaveAndFindLatest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	identity := testIdentity("alice", 1)
	if err := repo.Save(ctx, identity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.ID == "" {
		t.Error("want generated id after save")
	}

	found, err := repo.FindLatest(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil {
		t.Fatal("want identity, got nil")
	}
	if found.Generation != 1 {
		t.Errorf("want generation 1, got %d", found.Generation)
	}
	if string(found.WrappedEncryptionKey) != "wrapped-enc" {
		t.Errorf("want wrapped key preserved, got %q", found.WrappedEncryptionKey)
	}
}

func TestIdentityRepository_FindLatest_ReturnsNewestGeneration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	for gen := uint(1); gen <= 3; gen++ {
		if err := repo.Save(ctx, testIdentity("alice", gen)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	found, err := repo.FindLatest(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.Generation != 3 {
		t.Errorf("want generation 3, got %d", found.Generation)
	}
}

func TestIdentityRepository_FindLatest_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db)

	found, err := repo.FindLatest(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != nil {
		t.Errorf("want nil for missing identity, got %+v", found)
	}
}

func TestIdentityRepository_Save_DuplicateGeneration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	if err := repo.Save(ctx, testIdentity("alice", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Save(ctx, testIdentity("alice", 1)); err == nil {
		t.Error("want error for duplicate (agent_id, generation)")
	}
}
