package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"secure-reef/internal/domain"
)

// MQTTAdapter はMQTT 3.1.1ブローカー向けのアダプタ。
//
// QoSマッピング: priority 0〜3はQoS 0、4〜7はQoS 1、8以上はQoS 2に
// 対応する（優先度が上がって配送保証が下がることはない）。MQTT 3.1.1には
// メッセージ単位の有効期限がないためttlはプロトコルへ写像されず、失効は
// スポア自身のexpires_atで受信側が強制する。
//
// トピック: spores/agent/<recipient>/<kind> / spores/broadcast/<kind>。
// 購読パターンのKindAnyは単一レベルワイルドカード "+" に変換される。
type MQTTAdapter struct {
	cfg Config

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
}

// NewMQTTAdapter は新しいMQTTAdapterを生成する。
func NewMQTTAdapter(cfg Config) *MQTTAdapter {
	return &MQTTAdapter{cfg: cfg}
}

// Connect はブローカーへ接続する。
func (a *MQTTAdapter) Connect(ctx context.Context) error {
	if _, err := validateEndpoint(a.cfg.URL, map[string]bool{"ssl": true, "tls": true, "tcps": true, "wss": true}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.URL).
		SetClientID(a.cfg.ClientID).
		SetConnectTimeout(a.cfg.ConnectTimeout).
		SetCleanSession(false).
		SetOrderMatters(false)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	if a.cfg.TLS != nil {
		opts.SetTLSConfig(a.cfg.TLS)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(a.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: MQTT connect timed out after %s", domain.ErrTransportUnavailable, a.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: connecting to MQTT broker: %v", domain.ErrTransportUnavailable, err)
	}

	a.client = client
	a.connected = true
	return nil
}

// Publish はペイロードをトピックへ発行する。
func (a *MQTTAdapter) Publish(ctx context.Context, topic Topic, payload []byte, priority uint8, ttl time.Duration) error {
	a.mu.Lock()
	client := a.client
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return domain.ErrTransportUnavailable
	}

	token := client.Publish(mqttTopic(topic), mqttQoS(priority), false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: publishing to %s: %v", domain.ErrTransportUnavailable, mqttTopic(topic), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: publishing to %s: %v", domain.ErrTransportUnavailable, mqttTopic(topic), ctx.Err())
	}
}

// Subscribe はパターンに一致するメッセージの受信を開始する。
func (a *MQTTAdapter) Subscribe(ctx context.Context, pattern Topic, handler Handler) error {
	a.mu.Lock()
	client := a.client
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return domain.ErrTransportUnavailable
	}

	token := client.Subscribe(mqttTopic(pattern), 1, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Payload())
	})
	if !token.WaitTimeout(a.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: MQTT subscribe timed out", domain.ErrTransportUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: subscribing to %s: %v", domain.ErrTransportUnavailable, mqttTopic(pattern), err)
	}
	return nil
}

// Disconnect は未送信メッセージの送出を待ってから切断する。
func (a *MQTTAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	// quiesce時間内にin-flightメッセージの送出を完了させる
	a.client.Disconnect(uint(250))
	a.connected = false
	return nil
}

// mqttTopic は論理トピックをMQTTトピックへ変換する。
func mqttTopic(t Topic) string {
	kind := t.Kind
	if kind == KindAny {
		kind = "+"
	}
	if t.Broadcast {
		return "spores/broadcast/" + kind
	}
	return "spores/agent/" + t.Recipient + "/" + kind
}

// mqttQoS はスポア優先度をQoSレベルへ写像する。
func mqttQoS(priority uint8) byte {
	switch {
	case priority >= 8:
		return 2
	case priority >= 4:
		return 1
	default:
		return 0
	}
}
