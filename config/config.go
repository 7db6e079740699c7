// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	// AgentID はこのプロセスが担うエージェントの識別子。
	AgentID string
	// AdminPort は管理APIの待受ポート。
	AdminPort string
	// DatabaseURL はレジストリ・識別鍵永続化用のDSN（空なら永続化なし）。
	DatabaseURL string

	// Transport は使用するアダプタ（amqp / mqtt / stomp）。
	Transport string
	// BrokerURL はブローカーの接続先URL。
	BrokerURL string
	// BrokerUsername / BrokerPassword はブローカー認証情報。
	BrokerUsername string
	BrokerPassword string
	// TLSCAFile / TLSCertFile / TLSKeyFile はトランスポートTLSの証明書パス。
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	// ConnectTimeout はトランスポート接続のタイムアウト。
	ConnectTimeout time.Duration

	// DefaultTTL はスポアの既定有効期間（0で無期限）。
	DefaultTTL time.Duration
	// RotationInterval は自動鍵ローテーションの間隔（0で無効）。
	RotationInterval time.Duration
	// RetireGracePeriod はローテーション後に旧鍵で復号を許す猶予期間。
	RetireGracePeriod time.Duration
	// RegistrySeedFile は初期信頼ピアのJSONシードファイルパス。
	RegistrySeedFile string

	// KMSKeyName はCloud KMSのキー名（設定時はKMSで鍵をラップ）。
	KMSKeyName string
	// LocalWrapSecret はKMS未使用時のローカルラップ用シークレット。
	LocalWrapSecret string

	// DispatchWorkers / DispatchQueue は受信ディスパッチの設定。
	DispatchWorkers int
	DispatchQueue   int

	LogLevel string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		AgentID:     os.Getenv("REEF_AGENT_ID"),
		AdminPort:   getEnv("ADMIN_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		Transport:      getEnv("TRANSPORT", "amqp"),
		BrokerURL:      os.Getenv("BROKER_URL"),
		BrokerUsername: os.Getenv("BROKER_USERNAME"),
		BrokerPassword: os.Getenv("BROKER_PASSWORD"),
		TLSCAFile:      os.Getenv("TLS_CA_FILE"),
		TLSCertFile:    os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:     os.Getenv("TLS_KEY_FILE"),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),

		DefaultTTL:        getEnvDuration("DEFAULT_TTL", 5*time.Minute),
		RotationInterval:  getEnvDuration("ROTATION_INTERVAL", 0),
		RetireGracePeriod: getEnvDuration("RETIRE_GRACE_PERIOD", 2*time.Minute),
		RegistrySeedFile:  os.Getenv("REGISTRY_SEED_FILE"),

		KMSKeyName:      os.Getenv("KMS_KEY_NAME"),
		LocalWrapSecret: os.Getenv("LOCAL_WRAP_SECRET"),

		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 4),
		DispatchQueue:   getEnvInt("DISPATCH_QUEUE", 256),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "secure-reef"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
