package handler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"secure-reef/internal/domain"
	"secure-reef/internal/transport"
	"secure-reef/internal/usecase"
)

// setupTestServer はインメモリブローカー上の初期化済みReefServiceを
// 持つテストサーバーを作成する。
func setupTestServer(t *testing.T) (*httptest.Server, *usecase.ReefService) {
	t.Helper()

	broker := transport.NewMemoryBroker()
	keys := usecase.NewKeyManager("alice", time.Hour)
	registry := usecase.NewKeyRegistry(nil)
	reef := usecase.NewReefService("alice", keys, registry, broker.NewAdapter(), nil, nil, usecase.ReefConfig{})
	if err := reef.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { reef.Shutdown(context.Background()) })

	server := httptest.NewServer(NewRouter(NewPeerHandler(reef)))
	t.Cleanup(server.Close)
	return server, reef
}

func testKeysB64(t *testing.T) (encB64, signB64 string) {
	t.Helper()
	signPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return base64.StdEncoding.EncodeToString(make([]byte, domain.PublicKeySize)),
		base64.StdEncoding.EncodeToString(signPub)
}

func registerTestPeer(t *testing.T, server *httptest.Server, agentID string) {
	t.Helper()
	encB64, signB64 := testKeysB64(t)
	body, _ := json.Marshal(RegisterPeerRequest{
		AgentID:             agentID,
		EncryptionPublicKey: encB64,
		SigningPublicKey:    signB64,
	})
	resp, err := http.Post(server.URL+"/v1/peers", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want status 201, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("want status 200, got %d", resp.StatusCode)
	}
}

func TestRegisterPeer_Success(t *testing.T) {
	server, reef := setupTestServer(t)
	registerTestPeer(t, server, "bob")

	if _, err := reef.Registry().Lookup("bob"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegisterPeer_InvalidAgentID(t *testing.T) {
	server, _ := setupTestServer(t)
	encB64, signB64 := testKeysB64(t)

	body, _ := json.Marshal(RegisterPeerRequest{
		AgentID:             "bad agent id!",
		EncryptionPublicKey: encB64,
		SigningPublicKey:    signB64,
	})
	resp, err := http.Post(server.URL+"/v1/peers", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", resp.StatusCode)
	}
}

func TestRegisterPeer_WrongKeyLength(t *testing.T) {
	server, _ := setupTestServer(t)

	body, _ := json.Marshal(RegisterPeerRequest{
		AgentID:             "bob",
		EncryptionPublicKey: base64.StdEncoding.EncodeToString([]byte("short")),
		SigningPublicKey:    base64.StdEncoding.EncodeToString([]byte("short")),
	})
	resp, err := http.Post(server.URL+"/v1/peers", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", resp.StatusCode)
	}
}

func TestListPeers(t *testing.T) {
	server, _ := setupTestServer(t)
	registerTestPeer(t, server, "bob")
	registerTestPeer(t, server, "carol")

	resp, err := http.Get(server.URL + "/v1/peers")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}

	var list PeerListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list.Peers) != 2 {
		t.Errorf("want 2 peers, got %d", len(list.Peers))
	}
}

func TestRevokePeer_Success(t *testing.T) {
	server, reef := setupTestServer(t)
	registerTestPeer(t, server, "bob")

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/v1/peers/bob", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("want status 204, got %d", resp.StatusCode)
	}

	if _, err := reef.Registry().Lookup("bob"); !errors.Is(err, domain.ErrPeerRevoked) {
		t.Errorf("want ErrPeerRevoked, got %v", err)
	}
}

func TestRevokePeer_NotFound(t *testing.T) {
	server, _ := setupTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/v1/peers/nobody", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("want status 404, got %d", resp.StatusCode)
	}
}

func TestGetIdentity(t *testing.T) {
	server, reef := setupTestServer(t)

	resp, err := http.Get(server.URL + "/v1/identity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}

	var identity IdentityResponse
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.AgentID != "alice" {
		t.Errorf("want agent_id alice, got %s", identity.AgentID)
	}
	if identity.Generation != 1 {
		t.Errorf("want generation 1, got %d", identity.Generation)
	}

	publics, _ := reef.PublicKeys()
	if identity.EncryptionPublicKey != base64.StdEncoding.EncodeToString(publics.EncryptionPublicKey) {
		t.Error("encryption public key mismatch")
	}
}

func TestRotateIdentity_NotConnected(t *testing.T) {
	broker := transport.NewMemoryBroker()
	keys := usecase.NewKeyManager("alice", time.Hour)
	reef := usecase.NewReefService("alice", keys, usecase.NewKeyRegistry(nil), broker.NewAdapter(), nil, nil, usecase.ReefConfig{})

	server := httptest.NewServer(NewRouter(NewPeerHandler(reef)))
	t.Cleanup(server.Close)

	var logs bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	resp, err := http.Post(server.URL+"/v1/identity/rotate", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want status 503, got %d", resp.StatusCode)
	}

	// 未接続でも監査ログには自エージェントIDが残ること
	if !bytes.Contains(logs.Bytes(), []byte(`"agent_id":"alice"`)) {
		t.Errorf("audit log missing agent_id: %s", logs.String())
	}
	if bytes.Contains(logs.Bytes(), []byte(`"agent_id":""`)) {
		t.Errorf("audit log recorded empty agent_id: %s", logs.String())
	}
}

func TestRotateIdentity(t *testing.T) {
	server, reef := setupTestServer(t)

	resp, err := http.Post(server.URL+"/v1/identity/rotate", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}

	var identity IdentityResponse
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Generation != 2 {
		t.Errorf("want generation 2, got %d", identity.Generation)
	}

	publics, _ := reef.PublicKeys()
	if publics.Generation != 2 {
		t.Errorf("want live generation 2, got %d", publics.Generation)
	}
}
