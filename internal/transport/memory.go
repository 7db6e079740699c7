package transport

import (
	"context"
	"sync"
	"time"

	"secure-reef/internal/domain"
)

// MemoryBroker は複数のMemoryAdapterを結ぶインプロセスブローカー。
// テストおよび単一プロセス構成用で、ワイヤプロトコルを介さない。
type MemoryBroker struct {
	mu        sync.Mutex
	subs      []*memorySub
	published int
}

type memorySub struct {
	pattern Topic
	handler Handler
}

// NewMemoryBroker は新しいMemoryBrokerを生成する。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// PublishedCount はこれまでにブローカーへ発行されたメッセージ数を返す。
func (b *MemoryBroker) PublishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

func (b *MemoryBroker) dispatch(topic Topic, payload []byte) {
	b.mu.Lock()
	b.published++
	subs := append([]*memorySub(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		if topicMatches(sub.pattern, topic) {
			sub.handler(payload)
		}
	}
}

func (b *MemoryBroker) add(sub *memorySub) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

func (b *MemoryBroker) removeOwned(owned []*memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, sub := range b.subs {
		mine := false
		for _, o := range owned {
			if sub == o {
				mine = true
				break
			}
		}
		if !mine {
			kept = append(kept, sub)
		}
	}
	b.subs = kept
}

// topicMatches は購読パターンと発行トピックの一致を判定する。
func topicMatches(pattern, topic Topic) bool {
	if pattern.Broadcast != topic.Broadcast {
		return false
	}
	if !pattern.Broadcast && pattern.Recipient != topic.Recipient {
		return false
	}
	return pattern.Kind == KindAny || pattern.Kind == topic.Kind
}

// MemoryAdapter はMemoryBroker上で動くAdapter実装。
// 配送は発行側のゴルーチンで同期的に行われる。
type MemoryAdapter struct {
	broker *MemoryBroker

	mu        sync.Mutex
	owned     []*memorySub
	connected bool
}

// NewAdapter はこのブローカーに接続するアダプタを生成する。
func (b *MemoryBroker) NewAdapter() *MemoryAdapter {
	return &MemoryAdapter{broker: b}
}

// Connect は接続済み状態にする。
func (a *MemoryAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Publish はペイロードをブローカーへ配送する。
func (a *MemoryAdapter) Publish(ctx context.Context, topic Topic, payload []byte, priority uint8, ttl time.Duration) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return domain.ErrTransportUnavailable
	}
	a.broker.dispatch(topic, payload)
	return nil
}

// Subscribe はパターンの購読を登録する。
func (a *MemoryAdapter) Subscribe(ctx context.Context, pattern Topic, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return domain.ErrTransportUnavailable
	}
	sub := &memorySub{pattern: pattern, handler: handler}
	a.owned = append(a.owned, sub)
	a.broker.add(sub)
	return nil
}

// Disconnect は自分の購読をブローカーから取り除く。
func (a *MemoryAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	owned := a.owned
	a.owned = nil
	a.connected = false
	a.mu.Unlock()
	a.broker.removeOwned(owned)
	return nil
}
