package domain

import "errors"

var (
	// ErrUnknownRecipient は宛先エージェントがレジストリに存在しない場合のエラー。
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrUnknownSender は送信元エージェントがレジストリに存在しない場合のエラー。
	ErrUnknownSender = errors.New("unknown sender")

	// ErrPeerNotFound は指定されたピアエントリが存在しない場合のエラー。
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerRevoked は指定されたピアエントリが失効済みの場合のエラー。
	ErrPeerRevoked = errors.New("peer is revoked")

	// ErrEncryptionFailed はペイロードの暗号化に失敗した場合のエラー。
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed は署名検証後の復号に失敗した場合のエラー。
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSignatureInvalid はペイロード署名の検証に失敗した場合のエラー。
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrMalformedSpore はスポアのデシリアライズに失敗した場合のエラー。
	ErrMalformedSpore = errors.New("malformed spore")

	// ErrSporeExpired は失効時刻を過ぎたスポアを受信した場合のエラー。
	ErrSporeExpired = errors.New("spore expired")

	// ErrTransportUnavailable はトランスポート接続またはTLSハンドシェイクに失敗した場合のエラー。
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrPlaintextEndpoint は非ループバックエンドポイントへの平文接続が設定された場合のエラー。
	ErrPlaintextEndpoint = errors.New("plaintext endpoint is not allowed")

	// ErrNotConnected は未接続状態で操作が呼び出された場合のエラー。
	ErrNotConnected = errors.New("reef is not connected")

	// ErrClosed はシャットダウン後に操作が呼び出された場合のエラー。
	ErrClosed = errors.New("reef is closed")

	// ErrInvalidAgentID はエージェントIDの形式が不正な場合のエラー。
	ErrInvalidAgentID = errors.New("invalid agent ID")

	// ErrInvalidPublicKey は公開鍵の形式または長さが不正な場合のエラー。
	ErrInvalidPublicKey = errors.New("invalid public key")
)
