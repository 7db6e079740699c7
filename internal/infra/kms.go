package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSWrapper はCloud KMSで識別鍵の秘密部をラップ/アンラップする。
type KMSWrapper struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSWrapper は指定されたKMSキー名でKMSWrapperを生成する。
func NewKMSWrapper(ctx context.Context, keyName string) (*KMSWrapper, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &KMSWrapper{
		client:  client,
		keyName: keyName,
	}, nil
}

// Wrap は秘密鍵材料をCloud KMSで暗号化する。
func (w *KMSWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      w.keyName,
		Plaintext: plaintext,
	}
	resp, err := w.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}
	return resp.Ciphertext, nil
}

// Unwrap はラップ済みの秘密鍵材料をCloud KMSで復号する。
func (w *KMSWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       w.keyName,
		Ciphertext: wrapped,
	}
	resp, err := w.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key material: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (w *KMSWrapper) Close() error {
	return w.client.Close()
}
