package infra

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const localNonceSize = 24

// LocalWrapper は設定シークレットから導出した対称鍵で識別鍵を
// ラップする。KMSが使えない開発・検証環境向け。
type LocalWrapper struct {
	key [32]byte
}

// NewLocalWrapper はシークレット文字列からLocalWrapperを生成する。
func NewLocalWrapper(secret string) (*LocalWrapper, error) {
	if secret == "" {
		return nil, fmt.Errorf("wrap secret is required")
	}
	return &LocalWrapper{key: sha256.Sum256([]byte(secret))}, nil
}

// Wrap は秘密鍵材料をsecretboxで封緘する。ノンスは出力の先頭に置く。
func (w *LocalWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	var nonce [localNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &w.key), nil
}

// Unwrap はWrapの出力を開封する。
func (w *LocalWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) < localNonceSize {
		return nil, fmt.Errorf("wrapped material too short")
	}
	var nonce [localNonceSize]byte
	copy(nonce[:], wrapped[:localNonceSize])
	plaintext, ok := secretbox.Open(nil, wrapped[localNonceSize:], &nonce, &w.key)
	if !ok {
		return nil, fmt.Errorf("opening wrapped material failed")
	}
	return plaintext, nil
}
