package repository

import (
	"context"
	"testing"

	"secure-reef/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sql := `
		CREATE TABLE trusted_peers (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			encryption_public_key BLOB NOT NULL,
			signing_public_key BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'trusted',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(agent_id)
		);
		CREATE TABLE agent_identities (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			encryption_public_key BLOB NOT NULL,
			signing_public_key BLOB NOT NULL,
			wrapped_encryption_key BLOB NOT NULL,
			wrapped_signing_key BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(agent_id, generation)
		);
		CREATE INDEX idx_identity_agent_id ON agent_identities(agent_id);
	`

	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}

	return db
}

func testEntry(agentID string) *domain.PeerEntry {
	return &domain.PeerEntry{
		AgentID:             agentID,
		EncryptionPublicKey: make([]byte, domain.PublicKeySize),
		SigningPublicKey:    make([]byte, 32),
		Status:              domain.PeerStatusTrusted,
	}
}

func TestPeerRepository_SaveAndFindAll(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPeerRepository(db)
	ctx := context.Background()

	if err := repo.Save(ctx, testEntry("alice")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Save(ctx, testEntry("bob")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0].AgentID != "alice" || entries[1].AgentID != "bob" {
		t.Errorf("want alice,bob order, got %s,%s", entries[0].AgentID, entries[1].AgentID)
	}
	if entries[0].Status != domain.PeerStatusTrusted {
		t.Errorf("want status trusted, got %s", entries[0].Status)
	}
}

func TestPeerRepository_Save_UpsertReplacesKeys(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPeerRepository(db)
	ctx := context.Background()

	if err := repo.Save(ctx, testEntry("alice")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated := testEntry("alice")
	updated.SigningPublicKey = []byte("new-signing-key-32-bytes-padding")
	if err := repo.Save(ctx, updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry after upsert, got %d", len(entries))
	}
	if string(entries[0].SigningPublicKey) != string(updated.SigningPublicKey) {
		t.Error("want signing key replaced by upsert")
	}
}

func TestPeerRepository_UpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPeerRepository(db)
	ctx := context.Background()

	if err := repo.Save(ctx, testEntry("alice")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "alice", domain.PeerStatusRevoked); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries[0].Status != domain.PeerStatusRevoked {
		t.Errorf("want status revoked, got %s", entries[0].Status)
	}
}

func TestPeerRepository_FindAll_Empty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPeerRepository(db)

	entries, err := repo.FindAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("want 0 entries, got %d", len(entries))
	}
}
