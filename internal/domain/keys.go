package domain

import "time"

// PeerStatus は信頼済みピアエントリのステータスを表す。
type PeerStatus string

const (
	// PeerStatusTrusted は信頼中のピアを表す。
	PeerStatusTrusted PeerStatus = "trusted"
	// PeerStatusRevoked は失効済みのピアを表す。
	PeerStatusRevoked PeerStatus = "revoked"
)

// PeerEntry はキーレジストリに登録されたピアの公開鍵エントリを表す。
// 登録・失効の呼び出しによってのみ置き換えられ、部分更新はされない。
type PeerEntry struct {
	AgentID             string
	EncryptionPublicKey []byte
	SigningPublicKey    []byte
	Status              PeerStatus
	RegisteredAt        time.Time
	UpdatedAt           time.Time
}

// AgentPublicKeys は自エージェントが配布する公開鍵の組を表す。
type AgentPublicKeys struct {
	AgentID             string
	Generation          uint
	EncryptionPublicKey []byte
	SigningPublicKey    []byte
}

// AgentIdentity は永続化されるエージェント鍵の1世代を表す。
// 秘密鍵はキーラッパーで暗号化された状態でのみ保持される。
type AgentIdentity struct {
	ID                   string
	AgentID              string
	Generation           uint
	EncryptionPublicKey  []byte
	SigningPublicKey     []byte
	WrappedEncryptionKey []byte
	WrappedSigningKey    []byte
	CreatedAt            time.Time
}
