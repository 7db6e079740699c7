package usecase

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"secure-reef/internal/domain"
)

// PeerRepository は信頼済みピアの永続化インターフェース。
type PeerRepository interface {
	Save(ctx context.Context, entry *domain.PeerEntry) error
	UpdateStatus(ctx context.Context, agentID string, status domain.PeerStatus) error
	FindAll(ctx context.Context) ([]*domain.PeerEntry, error)
}

// KeyRegistry はピア公開鍵のトラストストア。
// エントリは不変な値として丸ごと置き換えるため、読み取り側が
// 書きかけのエントリを観測することはない。参照はsync.Mapにより
// 複数の受信ループから並行して行える。
type KeyRegistry struct {
	entries sync.Map // agentID -> *domain.PeerEntry
	repo    PeerRepository

	mu sync.Mutex // 書き込み（Register/Revoke）の直列化
}

// NewKeyRegistry は新しいKeyRegistryを生成する。
// repoがnilの場合はメモリのみで動作する。
func NewKeyRegistry(repo PeerRepository) *KeyRegistry {
	return &KeyRegistry{repo: repo}
}

// Hydrate は永続化済みのピアエントリをメモリへ読み込む。起動時に呼び出す。
func (r *KeyRegistry) Hydrate(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	entries, err := r.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("hydrating registry: %w", err)
	}
	for _, e := range entries {
		r.entries.Store(e.AgentID, e)
	}
	return nil
}

// Register は指定エージェントのエントリを登録または置き換える。
// 失効済みでないエントリの置き換えはピア主導のローテーションとして許可される。
func (r *KeyRegistry) Register(ctx context.Context, agentID string, encryptionPub, signingPub []byte) error {
	if agentID == "" {
		return domain.ErrInvalidAgentID
	}
	if len(encryptionPub) != domain.PublicKeySize {
		return fmt.Errorf("%w: encryption key length %d", domain.ErrInvalidPublicKey, len(encryptionPub))
	}
	if len(signingPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key length %d", domain.ErrInvalidPublicKey, len(signingPub))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	registeredAt := now
	if prev, ok := r.entries.Load(agentID); ok {
		registeredAt = prev.(*domain.PeerEntry).RegisteredAt
	}
	entry := &domain.PeerEntry{
		AgentID:             agentID,
		EncryptionPublicKey: append([]byte(nil), encryptionPub...),
		SigningPublicKey:    append([]byte(nil), signingPub...),
		Status:              domain.PeerStatusTrusted,
		RegisteredAt:        registeredAt,
		UpdatedAt:           now,
	}
	r.entries.Store(agentID, entry)

	if r.repo != nil {
		if err := r.repo.Save(ctx, entry); err != nil {
			return fmt.Errorf("persisting peer entry: %w", err)
		}
	}
	return nil
}

// Lookup は指定エージェントの公開鍵エントリを返す。
// 未登録の場合はErrPeerNotFound、失効済みの場合はErrPeerRevokedを返す。
func (r *KeyRegistry) Lookup(agentID string) (*domain.PeerEntry, error) {
	v, ok := r.entries.Load(agentID)
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	entry := v.(*domain.PeerEntry)
	if entry.Status == domain.PeerStatusRevoked {
		return nil, domain.ErrPeerRevoked
	}
	return entry, nil
}

// Revoke は指定エージェントのエントリを失効させる。
// 以降のLookupはErrPeerRevokedを返すが、受理済みメッセージは無効化しない。
func (r *KeyRegistry) Revoke(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries.Load(agentID)
	if !ok {
		return domain.ErrPeerNotFound
	}
	prev := v.(*domain.PeerEntry)
	entry := &domain.PeerEntry{
		AgentID:             prev.AgentID,
		EncryptionPublicKey: prev.EncryptionPublicKey,
		SigningPublicKey:    prev.SigningPublicKey,
		Status:              domain.PeerStatusRevoked,
		RegisteredAt:        prev.RegisteredAt,
		UpdatedAt:           time.Now(),
	}
	r.entries.Store(agentID, entry)

	if r.repo != nil {
		if err := r.repo.UpdateStatus(ctx, agentID, domain.PeerStatusRevoked); err != nil {
			return fmt.Errorf("persisting revocation: %w", err)
		}
	}
	return nil
}

// List は全ピアエントリを返す（失効済みを含む）。
func (r *KeyRegistry) List() []*domain.PeerEntry {
	var entries []*domain.PeerEntry
	r.entries.Range(func(_, v any) bool {
		entries = append(entries, v.(*domain.PeerEntry))
		return true
	})
	return entries
}

// seedEntry はシードファイル内の1ピアを表す。公開鍵はbase64エンコード。
type seedEntry struct {
	AgentID             string `json:"agent_id"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	SigningPublicKey    string `json:"signing_public_key"`
}

// LoadSeedFile はJSONシードファイルから初期信頼ピアを登録し、登録件数を返す。
func (r *KeyRegistry) LoadSeedFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}
	var seeds []seedEntry
	if err := json.Unmarshal(data, &seeds); err != nil {
		return 0, fmt.Errorf("parsing seed file: %w", err)
	}

	count := 0
	for _, s := range seeds {
		encPub, err := base64.StdEncoding.DecodeString(s.EncryptionPublicKey)
		if err != nil {
			return count, fmt.Errorf("seed entry %q: decoding encryption key: %w", s.AgentID, err)
		}
		signPub, err := base64.StdEncoding.DecodeString(s.SigningPublicKey)
		if err != nil {
			return count, fmt.Errorf("seed entry %q: decoding signing key: %w", s.AgentID, err)
		}
		if err := r.Register(ctx, s.AgentID, encPub, signPub); err != nil {
			return count, fmt.Errorf("seed entry %q: %w", s.AgentID, err)
		}
		slog.InfoContext(ctx, "registered seed peer", "agent_id", s.AgentID)
		count++
	}
	return count, nil
}
