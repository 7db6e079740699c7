package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"secure-reef/internal/domain"
)

// STOMPAdapter はSTOMP 1.2ブローカー向けのアダプタ。
//
// QoSマッピング: priorityは "priority" ヘッダ、ttlは "expires" ヘッダ
// （エポックミリ秒、ActiveMQ系の慣習）として送られる。購読は自動ACKの
// トピック購読であり、配送保証はブローカー依存となる。
//
// デスティネーション: /topic/spores.agent.<recipient>.<kind> /
// /topic/spores.broadcast.<kind>。KindAnyのワイルドカード解釈は
// ブローカー依存（ActiveMQでは "*"）。
type STOMPAdapter struct {
	cfg Config

	mu        sync.Mutex
	netConn   net.Conn
	conn      *stomp.Conn
	subs      []*stomp.Subscription
	connected bool
	wg        sync.WaitGroup
}

// NewSTOMPAdapter は新しいSTOMPAdapterを生成する。
func NewSTOMPAdapter(cfg Config) *STOMPAdapter {
	return &STOMPAdapter{cfg: cfg}
}

// Connect はTLSソケット上でSTOMPセッションを確立する。
func (a *STOMPAdapter) Connect(ctx context.Context) error {
	u, err := validateEndpoint(a.cfg.URL, map[string]bool{"stomp+ssl": true, "stomps": true})
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	dialer := &net.Dialer{Timeout: a.cfg.ConnectTimeout}
	var netConn net.Conn
	if a.cfg.TLS != nil {
		netConn, err = tls.DialWithDialer(dialer, "tcp", u.Host, a.cfg.TLS)
	} else {
		// validateEndpointによりループバックのみ到達する
		netConn, err = dialer.Dial("tcp", u.Host)
	}
	if err != nil {
		return fmt.Errorf("%w: dialing STOMP broker: %v", domain.ErrTransportUnavailable, err)
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}
	if a.cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(a.cfg.Username, a.cfg.Password))
	}
	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("%w: STOMP handshake: %v", domain.ErrTransportUnavailable, err)
	}

	a.netConn = netConn
	a.conn = conn
	a.connected = true
	return nil
}

// Publish はペイロードをデスティネーションへ送信する。
func (a *STOMPAdapter) Publish(ctx context.Context, topic Topic, payload []byte, priority uint8, ttl time.Duration) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return domain.ErrTransportUnavailable
	}

	dest := stompDestination(topic)
	sendOpts := []func(*frame.Frame) error{
		stomp.SendOpt.Header("priority", strconv.Itoa(int(priority))),
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl).UnixMilli()
		sendOpts = append(sendOpts, stomp.SendOpt.Header("expires", strconv.FormatInt(expires, 10)))
	}

	if err := conn.Send(dest, "application/octet-stream", payload, sendOpts...); err != nil {
		return fmt.Errorf("%w: sending to %s: %v", domain.ErrTransportUnavailable, dest, err)
	}
	return nil
}

// Subscribe はデスティネーションの購読を開始する。
func (a *STOMPAdapter) Subscribe(ctx context.Context, pattern Topic, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return domain.ErrTransportUnavailable
	}

	dest := stompDestination(pattern)
	sub, err := a.conn.Subscribe(dest, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("%w: subscribing to %s: %v", domain.ErrTransportUnavailable, dest, err)
	}
	a.subs = append(a.subs, sub)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for msg := range sub.C {
			if msg.Err != nil {
				slog.Error("STOMP subscription error", "destination", dest, "error", msg.Err)
				continue
			}
			handler(msg.Body)
		}
	}()
	return nil
}

// Disconnect は購読を解除しセッションを正常切断する。
func (a *STOMPAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	subs := a.subs
	conn := a.conn
	netConn := a.netConn
	a.connected = false
	a.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "error", err)
		}
	}
	var firstErr error
	if err := conn.Disconnect(); err != nil {
		firstErr = fmt.Errorf("disconnecting STOMP session: %w", err)
		netConn.Close()
	}
	a.wg.Wait()
	return firstErr
}

// stompDestination は論理トピックをSTOMPデスティネーションへ変換する。
func stompDestination(t Topic) string {
	kind := t.Kind
	if kind == KindAny {
		kind = "*"
	}
	if t.Broadcast {
		return "/topic/spores.broadcast." + kind
	}
	return "/topic/spores.agent." + t.Recipient + "." + kind
}
