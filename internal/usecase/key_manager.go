// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"secure-reef/internal/domain"
)

// SealedPayload は単一のEncryptAndSign呼び出しで生成される封緘結果を表す。
// Ciphertext・Nonce・Signatureと送信者公開鍵は常に同一世代の鍵から
// 生成されるため、個別に組み立ててはならない。
type SealedPayload struct {
	Ciphertext                []byte
	Nonce                     []byte
	Signature                 []byte
	SenderEncryptionPublicKey []byte
	SenderSigningPublicKey    []byte
	Generation                uint
}

// agentKeyPair は暗号化鍵ペアと署名鍵ペアの1世代を表す。
type agentKeyPair struct {
	generation uint
	encPub     *[32]byte
	encPriv    *[32]byte
	signPub    ed25519.PublicKey
	signPriv   ed25519.PrivateKey
	createdAt  time.Time
}

// KeyManager は一つのエージェントの全暗号操作を担う。
// 秘密鍵はこの構造体の外へ出ない（永続化時はSnapshot経由でラップ前提）。
// 暗号化・復号はactiveペアの読み取りロックを取り、ローテーションは
// 書き込みロックを取るため、半端な鍵状態でメッセージが作られることはない。
type KeyManager struct {
	agentID     string
	gracePeriod time.Duration

	mu     sync.RWMutex
	active *agentKeyPair

	retMu       sync.RWMutex
	retiring    *agentKeyPair
	retireUntil time.Time
}

// NewKeyManager は新しいKeyManagerを生成する。鍵はまだ持たない。
func NewKeyManager(agentID string, gracePeriod time.Duration) *KeyManager {
	return &KeyManager{
		agentID:     agentID,
		gracePeriod: gracePeriod,
	}
}

// newAgentKeyPair は暗号化鍵ペアと署名鍵ペアを新規生成する。
func newAgentKeyPair(generation uint) (*agentKeyPair, error) {
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating encryption key pair: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key pair: %w", err)
	}
	return &agentKeyPair{
		generation: generation,
		encPub:     encPub,
		encPriv:    encPriv,
		signPub:    signPub,
		signPriv:   signPriv,
		createdAt:  time.Now(),
	}, nil
}

// GenerateKeys は暗号化鍵ペアと署名鍵ペアを生成し、アクティブな識別鍵とする。
// 起動時に一度呼び出す。以降の世代交代はRotateKeysで行う。
func (m *KeyManager) GenerateKeys() error {
	pair, err := newAgentKeyPair(1)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.active = pair
	m.mu.Unlock()
	return nil
}

// LoadKeys は永続化されていた秘密鍵からアクティブな識別鍵を復元する。
func (m *KeyManager) LoadKeys(encPriv, signPriv []byte, generation uint) error {
	if len(encPriv) != 32 {
		return fmt.Errorf("%w: encryption private key length %d", domain.ErrInvalidPublicKey, len(encPriv))
	}
	if len(signPriv) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: signing private key length %d", domain.ErrInvalidPublicKey, len(signPriv))
	}

	var priv, pub [32]byte
	copy(priv[:], encPriv)
	encPubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("deriving encryption public key: %w", err)
	}
	copy(pub[:], encPubBytes)

	signKey := append(ed25519.PrivateKey(nil), signPriv...)
	pair := &agentKeyPair{
		generation: generation,
		encPub:     &pub,
		encPriv:    &priv,
		signPub:    signKey.Public().(ed25519.PublicKey),
		signPriv:   signKey,
		createdAt:  time.Now(),
	}

	m.mu.Lock()
	m.active = pair
	m.mu.Unlock()
	return nil
}

// PublicKeys は現在アクティブな公開鍵の組を返す。
func (m *KeyManager) PublicKeys() (domain.AgentPublicKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return domain.AgentPublicKeys{}, fmt.Errorf("%w: keys not generated", domain.ErrNotConnected)
	}
	return domain.AgentPublicKeys{
		AgentID:             m.agentID,
		Generation:          m.active.generation,
		EncryptionPublicKey: append([]byte(nil), m.active.encPub[:]...),
		SigningPublicKey:    append([]byte(nil), m.active.signPub...),
	}, nil
}

// Snapshot は永続化用に秘密鍵のコピーを返す。呼び出し側は
// 必ずキーラッパーで暗号化してから保存すること。
func (m *KeyManager) Snapshot() (encPriv, signPriv []byte, generation uint, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, nil, 0, fmt.Errorf("%w: keys not generated", domain.ErrNotConnected)
	}
	encPriv = append([]byte(nil), m.active.encPriv[:]...)
	signPriv = append([]byte(nil), m.active.signPriv...)
	return encPriv, signPriv, m.active.generation, nil
}

// EncryptAndSign はknowledgeをシリアライズし、受信者公開鍵との認証付き
// 暗号化で封緘した上で ciphertext||nonce に署名する。
// 失敗時は部分結果を返さない。
func (m *KeyManager) EncryptAndSign(knowledge domain.Knowledge, recipientEncryptionPub []byte) (*SealedPayload, error) {
	if len(recipientEncryptionPub) != domain.PublicKeySize {
		return nil, fmt.Errorf("%w: recipient key length %d", domain.ErrEncryptionFailed, len(recipientEncryptionPub))
	}

	plaintext, err := json.Marshal(knowledge)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing knowledge: %v", domain.ErrEncryptionFailed, err)
	}

	var recipientPub [32]byte
	copy(recipientPub[:], recipientEncryptionPub)

	var nonce [domain.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", domain.ErrEncryptionFailed, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, fmt.Errorf("%w: keys not generated", domain.ErrEncryptionFailed)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientPub, m.active.encPriv)
	signature := ed25519.Sign(m.active.signPriv, signedMessage(ciphertext, nonce[:]))

	return &SealedPayload{
		Ciphertext:                ciphertext,
		Nonce:                     nonce[:],
		Signature:                 signature,
		SenderEncryptionPublicKey: append([]byte(nil), m.active.encPub[:]...),
		SenderSigningPublicKey:    append([]byte(nil), m.active.signPub...),
		Generation:                m.active.generation,
	}, nil
}

// SignOnly はknowledgeを暗号化せず署名のみで封緘する。
// ブロードキャストは受信者集合が事前に確定しないため、署名付き平文として送る。
func (m *KeyManager) SignOnly(knowledge domain.Knowledge) (*SealedPayload, error) {
	return m.signPlaintext(knowledge, false)
}

// SignAnnounce は鍵ローテーション通知を封緘する。ピアが現在信頼している
// 鍵で検証できるよう、廃棄猶予中の旧署名鍵があればそれで署名する。
func (m *KeyManager) SignAnnounce(knowledge domain.Knowledge) (*SealedPayload, error) {
	return m.signPlaintext(knowledge, true)
}

func (m *KeyManager) signPlaintext(knowledge domain.Knowledge, preferRetiring bool) (*SealedPayload, error) {
	plaintext, err := json.Marshal(knowledge)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing knowledge: %v", domain.ErrEncryptionFailed, err)
	}

	var nonce [domain.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", domain.ErrEncryptionFailed, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, fmt.Errorf("%w: keys not generated", domain.ErrEncryptionFailed)
	}

	signPriv := m.active.signPriv
	if preferRetiring {
		m.retMu.RLock()
		if m.retiring != nil && time.Now().Before(m.retireUntil) {
			signPriv = m.retiring.signPriv
		}
		m.retMu.RUnlock()
	}

	signature := ed25519.Sign(signPriv, signedMessage(plaintext, nonce[:]))
	return &SealedPayload{
		Ciphertext:                plaintext,
		Nonce:                     nonce[:],
		Signature:                 signature,
		SenderEncryptionPublicKey: append([]byte(nil), m.active.encPub[:]...),
		SenderSigningPublicKey:    append([]byte(nil), m.active.signPub...),
		Generation:                m.active.generation,
	}, nil
}

// DecryptAndVerify は署名を検証してから復号する。検証に失敗した場合は
// 復号を一切行わずErrSignatureInvalidを返す（選択暗号文攻撃の探りを防ぐ）。
// 署名が正当でも復号に失敗した場合はErrDecryptionFailedを返す。
// アクティブ鍵で開封できない場合、猶予期間内の旧鍵で再試行する。
func (m *KeyManager) DecryptAndVerify(ciphertext, nonceBytes, signature, senderSigningPub, senderEncryptionPub []byte) (domain.Knowledge, error) {
	if err := verifySignature(ciphertext, nonceBytes, signature, senderSigningPub); err != nil {
		return nil, err
	}
	if len(senderEncryptionPub) != domain.PublicKeySize {
		return nil, fmt.Errorf("%w: sender encryption key length %d", domain.ErrDecryptionFailed, len(senderEncryptionPub))
	}

	var nonce [domain.NonceSize]byte
	copy(nonce[:], nonceBytes)
	var senderPub [32]byte
	copy(senderPub[:], senderEncryptionPub)

	// 開封中の鍵がCloseやRotateKeysでゼロ化されないよう、
	// box.Openの間は読み取りロックを保持する
	m.mu.RLock()
	if m.active == nil {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: keys not generated", domain.ErrDecryptionFailed)
	}
	plaintext, ok := box.Open(nil, ciphertext, &nonce, &senderPub, m.active.encPriv)
	m.mu.RUnlock()
	if !ok {
		plaintext, ok = m.openWithRetiring(ciphertext, &nonce, &senderPub)
	}
	if !ok {
		return nil, fmt.Errorf("%w: payload does not open with active or retiring key", domain.ErrDecryptionFailed)
	}

	var knowledge domain.Knowledge
	if err := json.Unmarshal(plaintext, &knowledge); err != nil {
		return nil, fmt.Errorf("%w: deserializing knowledge: %v", domain.ErrDecryptionFailed, err)
	}
	return knowledge, nil
}

// VerifyOnly は署名付き平文ペイロード（ブロードキャスト）を検証して復元する。
func (m *KeyManager) VerifyOnly(payload, nonceBytes, signature, senderSigningPub []byte) (domain.Knowledge, error) {
	if err := verifySignature(payload, nonceBytes, signature, senderSigningPub); err != nil {
		return nil, err
	}
	var knowledge domain.Knowledge
	if err := json.Unmarshal(payload, &knowledge); err != nil {
		return nil, fmt.Errorf("%w: deserializing knowledge: %v", domain.ErrDecryptionFailed, err)
	}
	return knowledge, nil
}

// openWithRetiring は廃棄猶予中の旧鍵での開封を試みる。
// 猶予期限を過ぎていた場合は旧鍵を破棄して失敗を返す。
func (m *KeyManager) openWithRetiring(ciphertext []byte, nonce *[domain.NonceSize]byte, senderPub *[32]byte) ([]byte, bool) {
	m.retMu.RLock()
	if m.retiring == nil {
		m.retMu.RUnlock()
		return nil, false
	}
	if time.Now().After(m.retireUntil) {
		m.retMu.RUnlock()
		m.discardRetiring()
		return nil, false
	}
	// 旧鍵もゼロ化と並行して読まないよう、開封の間ロックを保持する
	plaintext, ok := box.Open(nil, ciphertext, nonce, senderPub, m.retiring.encPriv)
	m.retMu.RUnlock()
	return plaintext, ok
}

// RotateKeys は新しい鍵ペアを生成してアクティブにし、旧ペアを猶予期間付きの
// retiringスロットへ移す。返り値の公開鍵をピアへ再配布すること。
func (m *KeyManager) RotateKeys() (domain.AgentPublicKeys, error) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return domain.AgentPublicKeys{}, fmt.Errorf("%w: keys not generated", domain.ErrNotConnected)
	}
	pair, err := newAgentKeyPair(m.active.generation + 1)
	if err != nil {
		m.mu.Unlock()
		return domain.AgentPublicKeys{}, fmt.Errorf("rotating keys: %w", err)
	}
	previous := m.active
	m.active = pair
	m.mu.Unlock()

	m.retMu.Lock()
	if m.retiring != nil {
		zeroPair(m.retiring)
	}
	m.retiring = previous
	m.retireUntil = time.Now().Add(m.gracePeriod)
	m.retMu.Unlock()

	return domain.AgentPublicKeys{
		AgentID:             m.agentID,
		Generation:          pair.generation,
		EncryptionPublicKey: append([]byte(nil), pair.encPub[:]...),
		SigningPublicKey:    append([]byte(nil), pair.signPub...),
	}, nil
}

// discardRetiring は猶予期限切れの旧鍵をゼロ化して破棄する。
func (m *KeyManager) discardRetiring() {
	m.retMu.Lock()
	defer m.retMu.Unlock()
	if m.retiring != nil && time.Now().After(m.retireUntil) {
		zeroPair(m.retiring)
		m.retiring = nil
	}
}

// Close は保持している全鍵材料をゼロ化する。シャットダウン時に呼び出す。
func (m *KeyManager) Close() {
	m.mu.Lock()
	if m.active != nil {
		zeroPair(m.active)
		m.active = nil
	}
	m.mu.Unlock()

	m.retMu.Lock()
	if m.retiring != nil {
		zeroPair(m.retiring)
		m.retiring = nil
	}
	m.retMu.Unlock()
}

// signedMessage は署名対象のバイト列 ciphertext||nonce を構築する。
func signedMessage(ciphertext, nonce []byte) []byte {
	msg := make([]byte, 0, len(ciphertext)+len(nonce))
	msg = append(msg, ciphertext...)
	msg = append(msg, nonce...)
	return msg
}

func verifySignature(payload, nonce, signature, signingPub []byte) error {
	if len(signingPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key length %d", domain.ErrSignatureInvalid, len(signingPub))
	}
	if len(signature) != domain.SignatureSize {
		return fmt.Errorf("%w: signature length %d", domain.ErrSignatureInvalid, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(signingPub), signedMessage(payload, nonce), signature) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func zeroPair(p *agentKeyPair) {
	for i := range p.encPriv {
		p.encPriv[i] = 0
	}
	for i := range p.signPriv {
		p.signPriv[i] = 0
	}
}
