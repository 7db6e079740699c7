package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"secure-reef/internal/domain"
)

// sporeExchange はスポア配送用のトピックエクスチェンジ名。
const sporeExchange = "spores"

// AMQPAdapter はAMQP 0-9-1ブローカー向けのアダプタ。
//
// QoSマッピング: priorityはAMQPメッセージ優先度0〜9にクランプされ、
// ttlはメッセージ単位のexpirationヘッダ（ミリ秒）になる。メッセージは
// persistentで発行され、購読キューからのat-least-once配送となる
// （ハンドラ完了後に個別ACK）。
//
// ルーティングキー: agent.<recipient>.<kind> / broadcast.<kind>。
// 購読パターンのKindAnyは単一ワードワイルドカード "*" に変換される。
type AMQPAdapter struct {
	cfg Config

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool
	closed    bool
	wg        sync.WaitGroup
}

// NewAMQPAdapter は新しいAMQPAdapterを生成する。
func NewAMQPAdapter(cfg Config) *AMQPAdapter {
	return &AMQPAdapter{cfg: cfg}
}

// Connect はブローカーへ接続しトピックエクスチェンジを宣言する。
func (a *AMQPAdapter) Connect(ctx context.Context) error {
	if _, err := validateEndpoint(a.cfg.URL, map[string]bool{"amqps": true}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	amqpCfg := amqp.Config{
		TLSClientConfig: a.cfg.TLS,
		Dial:            amqp.DefaultDial(a.cfg.ConnectTimeout),
	}
	if a.cfg.Username != "" {
		amqpCfg.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		}}
	}

	conn, err := amqp.DialConfig(a.cfg.URL, amqpCfg)
	if err != nil {
		return fmt.Errorf("%w: dialing AMQP broker: %v", domain.ErrTransportUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: opening channel: %v", domain.ErrTransportUnavailable, err)
	}
	if err := ch.ExchangeDeclare(sporeExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("%w: declaring exchange: %v", domain.ErrTransportUnavailable, err)
	}

	a.conn = conn
	a.ch = ch
	a.connected = true
	return nil
}

// Publish はペイロードをエクスチェンジへ発行する。
func (a *AMQPAdapter) Publish(ctx context.Context, topic Topic, payload []byte, priority uint8, ttl time.Duration) error {
	a.mu.Lock()
	ch := a.ch
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return domain.ErrTransportUnavailable
	}

	pub := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(priority),
		Timestamp:    time.Now(),
		Body:         payload,
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, sporeExchange, amqpRoutingKey(topic), false, false, pub); err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", domain.ErrTransportUnavailable, amqpRoutingKey(topic), err)
	}
	return nil
}

// Subscribe はパターンに束縛した専用キューからの消費を開始する。
func (a *AMQPAdapter) Subscribe(ctx context.Context, pattern Topic, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return domain.ErrTransportUnavailable
	}

	q, err := a.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("%w: declaring queue: %v", domain.ErrTransportUnavailable, err)
	}
	key := amqpRoutingKey(pattern)
	if err := a.ch.QueueBind(q.Name, key, sporeExchange, false, nil); err != nil {
		return fmt.Errorf("%w: binding queue to %s: %v", domain.ErrTransportUnavailable, key, err)
	}
	deliveries, err := a.ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consuming from %s: %v", domain.ErrTransportUnavailable, q.Name, err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for d := range deliveries {
			handler(d.Body)
			if err := d.Ack(false); err != nil {
				slog.Error("failed to ack delivery", "routing_key", d.RoutingKey, "error", err)
			}
		}
	}()
	return nil
}

// Disconnect はチャネルと接続を閉じ、消費ループの終了を待つ。
func (a *AMQPAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ch := a.ch
	conn := a.conn
	a.mu.Unlock()

	var firstErr error
	if err := ch.Close(); err != nil {
		firstErr = fmt.Errorf("closing channel: %w", err)
	}
	if err := conn.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing connection: %w", err)
	}
	a.wg.Wait()

	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return firstErr
}

// amqpRoutingKey は論理トピックをAMQPルーティングキーへ変換する。
func amqpRoutingKey(t Topic) string {
	kind := t.Kind
	if kind == KindAny {
		kind = "*"
	}
	if t.Broadcast {
		return "broadcast." + kind
	}
	return "agent." + t.Recipient + "." + kind
}

// amqpPriority はスポア優先度をAMQP優先度0〜9にクランプする。
func amqpPriority(p uint8) uint8 {
	if p > 9 {
		return 9
	}
	return p
}
