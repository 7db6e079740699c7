package usecase

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"secure-reef/internal/domain"
)

// mockPeerRepository はテスト用のモックリポジトリ。
type mockPeerRepository struct {
	mu              sync.Mutex
	saved           []*domain.PeerEntry
	saveErr         error
	updateStatusErr error
	findAllResult   []*domain.PeerEntry
	findAllErr      error
	statusUpdates   map[string]domain.PeerStatus
}

func (m *mockPeerRepository) Save(ctx context.Context, entry *domain.PeerEntry) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	m.saved = append(m.saved, entry)
	m.mu.Unlock()
	return nil
}

func (m *mockPeerRepository) UpdateStatus(ctx context.Context, agentID string, status domain.PeerStatus) error {
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	m.mu.Lock()
	if m.statusUpdates == nil {
		m.statusUpdates = map[string]domain.PeerStatus{}
	}
	m.statusUpdates[agentID] = status
	m.mu.Unlock()
	return nil
}

func (m *mockPeerRepository) FindAll(ctx context.Context) ([]*domain.PeerEntry, error) {
	return m.findAllResult, m.findAllErr
}

func testPeerKeys(t *testing.T) (encPub, signPub []byte) {
	t.Helper()
	signPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return make([]byte, domain.PublicKeySize), signPub
}

func TestKeyRegistry_RegisterAndLookup(t *testing.T) {
	registry := NewKeyRegistry(nil)
	encPub, signPub := testPeerKeys(t)

	if err := registry.Register(context.Background(), "bob", encPub, signPub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, err := registry.Lookup("bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.AgentID != "bob" {
		t.Errorf("want agent_id bob, got %s", entry.AgentID)
	}
	if entry.Status != domain.PeerStatusTrusted {
		t.Errorf("want status trusted, got %s", entry.Status)
	}
}

func TestKeyRegistry_Lookup_NotFound(t *testing.T) {
	registry := NewKeyRegistry(nil)
	if _, err := registry.Lookup("nobody"); !errors.Is(err, domain.ErrPeerNotFound) {
		t.Errorf("want ErrPeerNotFound, got %v", err)
	}
}

func TestKeyRegistry_Register_Validation(t *testing.T) {
	registry := NewKeyRegistry(nil)
	encPub, signPub := testPeerKeys(t)

	if err := registry.Register(context.Background(), "", encPub, signPub); !errors.Is(err, domain.ErrInvalidAgentID) {
		t.Errorf("want ErrInvalidAgentID, got %v", err)
	}
	if err := registry.Register(context.Background(), "bob", encPub[:16], signPub); !errors.Is(err, domain.ErrInvalidPublicKey) {
		t.Errorf("want ErrInvalidPublicKey, got %v", err)
	}
	if err := registry.Register(context.Background(), "bob", encPub, signPub[:16]); !errors.Is(err, domain.ErrInvalidPublicKey) {
		t.Errorf("want ErrInvalidPublicKey, got %v", err)
	}
}

func TestKeyRegistry_Register_ReplacePreservesRegisteredAt(t *testing.T) {
	registry := NewKeyRegistry(nil)
	encPub, signPub := testPeerKeys(t)

	if err := registry.Register(context.Background(), "bob", encPub, signPub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := registry.Lookup("bob")

	time.Sleep(time.Millisecond)
	_, newSignPub := testPeerKeys(t)
	if err := registry.Register(context.Background(), "bob", encPub, newSignPub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, _ := registry.Lookup("bob")
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("want registered_at preserved, got %v then %v", first.RegisteredAt, second.RegisteredAt)
	}
	if string(second.SigningPublicKey) != string(newSignPub) {
		t.Error("want signing key replaced")
	}
}

func TestKeyRegistry_Revoke(t *testing.T) {
	repo := &mockPeerRepository{}
	registry := NewKeyRegistry(repo)
	encPub, signPub := testPeerKeys(t)

	if err := registry.Register(context.Background(), "bob", encPub, signPub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Revoke(context.Background(), "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := registry.Lookup("bob"); !errors.Is(err, domain.ErrPeerRevoked) {
		t.Errorf("want ErrPeerRevoked, got %v", err)
	}
	if repo.statusUpdates["bob"] != domain.PeerStatusRevoked {
		t.Errorf("want persisted status revoked, got %s", repo.statusUpdates["bob"])
	}
}

func TestKeyRegistry_Revoke_NotFound(t *testing.T) {
	registry := NewKeyRegistry(nil)
	if err := registry.Revoke(context.Background(), "nobody"); !errors.Is(err, domain.ErrPeerNotFound) {
		t.Errorf("want ErrPeerNotFound, got %v", err)
	}
}

func TestKeyRegistry_Hydrate(t *testing.T) {
	encPub, signPub := testPeerKeys(t)
	repo := &mockPeerRepository{
		findAllResult: []*domain.PeerEntry{
			{AgentID: "bob", EncryptionPublicKey: encPub, SigningPublicKey: signPub, Status: domain.PeerStatusTrusted},
			{AgentID: "eve", EncryptionPublicKey: encPub, SigningPublicKey: signPub, Status: domain.PeerStatusRevoked},
		},
	}
	registry := NewKeyRegistry(repo)
	if err := registry.Hydrate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := registry.Lookup("bob"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := registry.Lookup("eve"); !errors.Is(err, domain.ErrPeerRevoked) {
		t.Errorf("want ErrPeerRevoked, got %v", err)
	}
	if got := len(registry.List()); got != 2 {
		t.Errorf("want 2 entries, got %d", got)
	}
}

func TestKeyRegistry_LoadSeedFile(t *testing.T) {
	encPub, signPub := testPeerKeys(t)
	seeds := []seedEntry{
		{
			AgentID:             "bob",
			EncryptionPublicKey: base64.StdEncoding.EncodeToString(encPub),
			SigningPublicKey:    base64.StdEncoding.EncodeToString(signPub),
		},
		{
			AgentID:             "carol",
			EncryptionPublicKey: base64.StdEncoding.EncodeToString(encPub),
			SigningPublicKey:    base64.StdEncoding.EncodeToString(signPub),
		},
	}
	data, err := json.Marshal(seeds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "seeds.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry := NewKeyRegistry(nil)
	count, err := registry.LoadSeedFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("want 2 seeded peers, got %d", count)
	}
	if _, err := registry.Lookup("carol"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestKeyRegistry_ConcurrentLookupAndRegister(t *testing.T) {
	registry := NewKeyRegistry(nil)
	encPub, signPub := testPeerKeys(t)
	if err := registry.Register(context.Background(), "bob", encPub, signPub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n%2 == 0 {
					entry, err := registry.Lookup("bob")
					if err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}
					if len(entry.SigningPublicKey) != ed25519.PublicKeySize {
						t.Errorf("observed partial entry")
						return
					}
				} else {
					id := fmt.Sprintf("peer-%d-%d", n, j)
					if err := registry.Register(context.Background(), id, encPub, signPub); err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()
}
