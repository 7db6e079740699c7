// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// MessageKind はスポアのペイロード種別を表す。
type MessageKind string

const (
	// KindRequest はリクエストメッセージを表す。
	KindRequest MessageKind = "request"
	// KindResponse はレスポンスメッセージを表す。
	KindResponse MessageKind = "response"
	// KindBroadcast は全エージェント向けメッセージを表す。
	KindBroadcast MessageKind = "broadcast"
	// KindError はエラー通知メッセージを表す。
	KindError MessageKind = "error"
	// KindKeyAnnounce は鍵ローテーション通知メッセージを表す。
	KindKeyAnnounce MessageKind = "key-announce"
)

// 暗号プリミティブの固定長。NonceSizeはnacl/box、SignatureSizeはed25519に従う。
const (
	NonceSize     = 24
	PublicKeySize = 32
	SignatureSize = 64
)

// Knowledge はエージェント間で交換される構造化ペイロードを表す。
type Knowledge map[string]any

// SecureSpore はエージェント間通信の単位を表す。
// ルーティング用メタデータは平文、ペイロードは暗号化・署名済み。
// 構築後は不変として扱う。
type SecureSpore struct {
	ID               string
	Kind             MessageKind
	FromAgent        string
	ToAgent          string // 空文字列はブロードキャスト
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	Priority         uint8
	Nonce            []byte // NonceSize バイト
	SenderPublicKey  []byte // 送信者の暗号化公開鍵（PublicKeySize バイト）
	EncryptedPayload []byte
	PayloadSignature []byte // SignatureSize バイト
}

// IsBroadcast は宛先未指定のブロードキャストスポアかどうかを返す。
func (s *SecureSpore) IsBroadcast() bool {
	return s.ToAgent == ""
}

// Expired は指定時刻においてスポアが失効しているかどうかを返す。
// ExpiresAtが未設定の場合は失効しない。
func (s *SecureSpore) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
