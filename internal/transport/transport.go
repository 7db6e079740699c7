// Package transport はワイヤプロトコルごとのパブリッシュ/サブスクライブ
// アダプタを提供する。アダプタは不透明なバイト列の配送のみを担い、
// スポアの内容には関知しない。
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"secure-reef/internal/domain"
)

// Topic はトランスポート非依存の論理トピックを表す。
// 宛先付きトピックは (recipient, kind)、ブロードキャストは (kind) のみを持つ。
// 購読パターンではKindにKindAnyを指定できる。
type Topic struct {
	Broadcast bool
	Recipient string
	Kind      string
}

// KindAny は購読パターンで全メッセージ種別に一致するワイルドカード。
const KindAny = "*"

// AgentTopic は特定エージェント宛の論理トピックを返す。
func AgentTopic(recipient string, kind domain.MessageKind) Topic {
	return Topic{Recipient: recipient, Kind: string(kind)}
}

// BroadcastTopic はブロードキャストの論理トピックを返す。
func BroadcastTopic(kind domain.MessageKind) Topic {
	return Topic{Broadcast: true, Kind: string(kind)}
}

// AgentPattern は特定エージェント宛の全種別に一致する購読パターンを返す。
func AgentPattern(recipient string) Topic {
	return Topic{Recipient: recipient, Kind: KindAny}
}

// BroadcastPattern はブロードキャストの全種別に一致する購読パターンを返す。
func BroadcastPattern() Topic {
	return Topic{Broadcast: true, Kind: KindAny}
}

// Handler は受信ペイロードごとに一度呼び出されるコールバック。
// トランスポートのI/Oループ上で実行されるため、速やかに制御を返すこと。
type Handler func(payload []byte)

// Config はアダプタの接続設定を表す。
type Config struct {
	// URL はブローカーの接続先（スキームはプロトコル依存）。
	URL string
	// Username / Password はブローカー認証情報。
	Username string
	Password string
	// TLS はトランスポート暗号化設定。非ループバック接続では必須。
	TLS *tls.Config
	// ConnectTimeout は接続確立のタイムアウト。
	ConnectTimeout time.Duration
	// ClientID はプロトコルがクライアント識別子を要求する場合に使う。
	ClientID string
}

// Adapter は各ワイヤプロトコル実装が満たすインターフェース。
// Connectはアダプタの生存期間中一度だけ呼び出す。
type Adapter interface {
	// Connect はTLSで保護された接続を確立する。
	// 失敗時はErrTransportUnavailableでラップして返す。
	Connect(ctx context.Context) error
	// Publish は不透明なバイト列をトピックへ配送する。
	// priorityとttlのプロトコル固有マッピングは各アダプタに文書化される。
	Publish(ctx context.Context, topic Topic, payload []byte, priority uint8, ttl time.Duration) error
	// Subscribe はパターンに一致する受信メッセージごとにhandlerを呼び出す。
	Subscribe(ctx context.Context, pattern Topic, handler Handler) error
	// Disconnect は全リソースを解放する。Publish受理済みのメッセージは
	// 配送を完了するかエラーを返す。
	Disconnect(ctx context.Context) error
}

// NewTLSConfig は証明書ファイルからtls.Configを構築する。
// caFileが空の場合はシステムのルート証明書を使う。
func NewTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
	}
	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// validateEndpoint は平文スキームでの非ループバック接続を設定エラーとして拒否する。
func validateEndpoint(rawURL string, secureSchemes map[string]bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing broker URL: %v", domain.ErrTransportUnavailable, err)
	}
	if secureSchemes[u.Scheme] {
		return u, nil
	}
	host := u.Hostname()
	if host == "localhost" {
		return u, nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return u, nil
	}
	return nil, fmt.Errorf("%w: scheme %q to host %q", domain.ErrPlaintextEndpoint, u.Scheme, host)
}
