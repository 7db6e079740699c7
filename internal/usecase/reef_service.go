package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"secure-reef/internal/domain"
	"secure-reef/internal/sporewire"
	"secure-reef/internal/transport"
)

// reefState はReefServiceの状態遷移 Uninitialized → Connected → Closed を表す。
const (
	stateUninitialized int32 = iota
	stateConnected
	stateClosed
)

// MessageHandler は検証・復号済みメッセージごとに呼び出されるコールバック。
// ディスパッチワーカー上で実行されるため速やかに制御を返すこと。
// 長い処理は呼び出し側のワーカープールへ引き渡す。
type MessageHandler func(kind domain.MessageKind, fromAgent string, knowledge domain.Knowledge)

// KeyWrapper は秘密鍵の保存時暗号化インターフェース。
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// IdentityRepository はエージェント鍵の永続化インターフェース。
type IdentityRepository interface {
	FindLatest(ctx context.Context, agentID string) (*domain.AgentIdentity, error)
	Save(ctx context.Context, identity *domain.AgentIdentity) error
}

// ReefConfig はReefServiceの動作設定。
type ReefConfig struct {
	// DefaultTTL はSendでttl未指定（0）の場合に使う既定の有効期間。
	// 0の場合スポアは失効しない。
	DefaultTTL time.Duration
	// DispatchWorkers は受信ディスパッチのワーカー数。
	DispatchWorkers int
	// DispatchQueue は受信キューの容量。満杯時の受信メッセージは破棄される。
	DispatchQueue int
}

// ReefService はKeyManager・KeyRegistry・Transport Adapterを束ね、
// 暗号化・ルーティング・配送を単一のSend/Receive APIにまとめる。
type ReefService struct {
	agentID    string
	keys       *KeyManager
	registry   *KeyRegistry
	adapter    transport.Adapter
	identities IdentityRepository
	wrapper    KeyWrapper
	cfg        ReefConfig
	tracer     trace.Tracer

	state atomic.Int32

	handlerMu sync.RWMutex
	handler   MessageHandler

	inMu      sync.RWMutex
	inClosed  bool
	inboundCh chan []byte
	wg        sync.WaitGroup
}

// NewReefService は新しいReefServiceを生成する。
// identitiesとwrapperがnilの場合、鍵は毎回生成され永続化されない。
func NewReefService(agentID string, keys *KeyManager, registry *KeyRegistry, adapter transport.Adapter, identities IdentityRepository, wrapper KeyWrapper, cfg ReefConfig) *ReefService {
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 4
	}
	if cfg.DispatchQueue <= 0 {
		cfg.DispatchQueue = 256
	}
	return &ReefService{
		agentID:    agentID,
		keys:       keys,
		registry:   registry,
		adapter:    adapter,
		identities: identities,
		wrapper:    wrapper,
		cfg:        cfg,
		tracer:     otel.Tracer("secure-reef/usecase"),
	}
}

// OnMessage は受信メッセージのディスパッチ先を登録する。
func (r *ReefService) OnMessage(handler MessageHandler) {
	r.handlerMu.Lock()
	r.handler = handler
	r.handlerMu.Unlock()
}

// Initialize は鍵を生成または読み込み、トランスポートへ接続して
// 自エージェント宛とブロードキャストの購読を開始する。
func (r *ReefService) Initialize(ctx context.Context) error {
	if !r.state.CompareAndSwap(stateUninitialized, stateConnected) {
		if r.state.Load() == stateClosed {
			return domain.ErrClosed
		}
		return nil
	}

	if err := r.loadOrGenerateKeys(ctx); err != nil {
		r.state.Store(stateUninitialized)
		return err
	}

	if err := r.adapter.Connect(ctx); err != nil {
		r.state.Store(stateUninitialized)
		return err
	}

	ch := make(chan []byte, r.cfg.DispatchQueue)
	r.inMu.Lock()
	r.inClosed = false
	r.inboundCh = ch
	r.inMu.Unlock()
	for i := 0; i < r.cfg.DispatchWorkers; i++ {
		r.wg.Add(1)
		go r.dispatchLoop(ch)
	}

	if err := r.adapter.Subscribe(ctx, transport.AgentPattern(r.agentID), r.onInbound); err != nil {
		r.rollbackConnect(ctx)
		return err
	}
	if err := r.adapter.Subscribe(ctx, transport.BroadcastPattern(), r.onInbound); err != nil {
		r.rollbackConnect(ctx)
		return err
	}

	slog.InfoContext(ctx, "reef connected", "agent_id", r.agentID)
	return nil
}

// loadOrGenerateKeys は永続化済み識別鍵の復元または新規生成を行う。
func (r *ReefService) loadOrGenerateKeys(ctx context.Context) error {
	if r.identities == nil || r.wrapper == nil {
		return r.keys.GenerateKeys()
	}

	record, err := r.identities.FindLatest(ctx, r.agentID)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	if record != nil {
		encPriv, err := r.wrapper.Unwrap(ctx, record.WrappedEncryptionKey)
		if err != nil {
			return fmt.Errorf("unwrapping encryption key: %w", err)
		}
		signPriv, err := r.wrapper.Unwrap(ctx, record.WrappedSigningKey)
		if err != nil {
			return fmt.Errorf("unwrapping signing key: %w", err)
		}
		return r.keys.LoadKeys(encPriv, signPriv, record.Generation)
	}

	if err := r.keys.GenerateKeys(); err != nil {
		return err
	}
	return r.persistIdentity(ctx)
}

// persistIdentity は現在のアクティブ鍵をラップして保存する。
func (r *ReefService) persistIdentity(ctx context.Context) error {
	encPriv, signPriv, generation, err := r.keys.Snapshot()
	if err != nil {
		return err
	}
	wrappedEnc, err := r.wrapper.Wrap(ctx, encPriv)
	if err != nil {
		return fmt.Errorf("wrapping encryption key: %w", err)
	}
	wrappedSign, err := r.wrapper.Wrap(ctx, signPriv)
	if err != nil {
		return fmt.Errorf("wrapping signing key: %w", err)
	}
	publics, err := r.keys.PublicKeys()
	if err != nil {
		return err
	}
	identity := &domain.AgentIdentity{
		AgentID:              r.agentID,
		Generation:           generation,
		EncryptionPublicKey:  publics.EncryptionPublicKey,
		SigningPublicKey:     publics.SigningPublicKey,
		WrappedEncryptionKey: wrappedEnc,
		WrappedSigningKey:    wrappedSign,
	}
	if err := r.identities.Save(ctx, identity); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}
	return nil
}

// PublicKeys は自エージェントの現在の公開鍵を返す。
func (r *ReefService) PublicKeys() (domain.AgentPublicKeys, error) {
	return r.keys.PublicKeys()
}

// AgentID は自エージェントの識別子を返す。
func (r *ReefService) AgentID() string {
	return r.agentID
}

// Registry はこのリーフのキーレジストリを返す。
func (r *ReefService) Registry() *KeyRegistry {
	return r.registry
}

// Send はknowledgeを封緘してtoAgent宛に発行する。toAgentが空の場合は
// 署名付き平文のブロードキャストになる。ttlが0の場合はDefaultTTLを使う。
// 宛先がレジストリに存在しないか失効済みの場合はErrUnknownRecipientを返す。
func (r *ReefService) Send(ctx context.Context, toAgent string, knowledge domain.Knowledge, kind domain.MessageKind, priority uint8, ttl time.Duration) error {
	switch r.state.Load() {
	case stateConnected:
	case stateClosed:
		return domain.ErrClosed
	default:
		return domain.ErrNotConnected
	}

	ctx, span := r.tracer.Start(ctx, "reef.send", trace.WithAttributes(
		attribute.String("spore.kind", string(kind)),
		attribute.String("spore.to_agent", toAgent),
	))
	defer span.End()

	var sealed *SealedPayload
	var err error
	if toAgent == "" {
		sealed, err = r.keys.SignOnly(knowledge)
	} else {
		entry, lookupErr := r.registry.Lookup(toAgent)
		if lookupErr != nil {
			return fmt.Errorf("%w: agent %q: %v", domain.ErrUnknownRecipient, toAgent, lookupErr)
		}
		sealed, err = r.keys.EncryptAndSign(knowledge, entry.EncryptionPublicKey)
	}
	if err != nil {
		return err
	}

	if ttl == 0 {
		ttl = r.cfg.DefaultTTL
	}
	now := time.Now().UTC()
	spore := &domain.SecureSpore{
		ID:               uuid.NewString(),
		Kind:             kind,
		FromAgent:        r.agentID,
		ToAgent:          toAgent,
		CreatedAt:        now,
		Priority:         priority,
		Nonce:            sealed.Nonce,
		SenderPublicKey:  sealed.SenderEncryptionPublicKey,
		EncryptedPayload: sealed.Ciphertext,
		PayloadSignature: sealed.Signature,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		spore.ExpiresAt = &expiresAt
	}

	data, err := sporewire.Encode(spore)
	if err != nil {
		return err
	}

	topic := transport.AgentTopic(toAgent, kind)
	if spore.IsBroadcast() {
		topic = transport.BroadcastTopic(kind)
	}
	if err := r.adapter.Publish(ctx, topic, data, priority, ttl); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("spore.id", spore.ID))
	return nil
}

// RotateKeys は鍵を世代交代し、新しい公開鍵をブロードキャストで再配布する。
// 永続化や再配布に失敗してもローカルのローテーションは巻き戻さない。
// その場合、新しい公開鍵と併せてエラーを返す。
func (r *ReefService) RotateKeys(ctx context.Context) (domain.AgentPublicKeys, error) {
	if r.state.Load() != stateConnected {
		return domain.AgentPublicKeys{}, domain.ErrNotConnected
	}

	publics, err := r.keys.RotateKeys()
	if err != nil {
		return domain.AgentPublicKeys{}, err
	}
	slog.InfoContext(ctx, "rotated keys", "agent_id", r.agentID, "generation", publics.Generation)

	var errs []error
	if r.identities != nil && r.wrapper != nil {
		if err := r.persistIdentity(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.announceKeys(ctx, publics); err != nil {
		errs = append(errs, err)
	}
	return publics, errors.Join(errs...)
}

// announceKeys は鍵ローテーション通知を発行する。ピアが現在信頼している
// 旧署名鍵で署名されるため、受信側は既存エントリで検証した上で再登録できる。
func (r *ReefService) announceKeys(ctx context.Context, publics domain.AgentPublicKeys) error {
	knowledge := domain.Knowledge{
		"agent_id":              publics.AgentID,
		"generation":            publics.Generation,
		"encryption_public_key": base64.StdEncoding.EncodeToString(publics.EncryptionPublicKey),
		"signing_public_key":    base64.StdEncoding.EncodeToString(publics.SigningPublicKey),
	}
	sealed, err := r.keys.SignAnnounce(knowledge)
	if err != nil {
		return fmt.Errorf("sealing key announce: %w", err)
	}

	now := time.Now().UTC()
	spore := &domain.SecureSpore{
		ID:               uuid.NewString(),
		Kind:             domain.KindKeyAnnounce,
		FromAgent:        r.agentID,
		CreatedAt:        now,
		Priority:         9,
		Nonce:            sealed.Nonce,
		SenderPublicKey:  sealed.SenderEncryptionPublicKey,
		EncryptedPayload: sealed.Ciphertext,
		PayloadSignature: sealed.Signature,
	}
	data, err := sporewire.Encode(spore)
	if err != nil {
		return err
	}
	if err := r.adapter.Publish(ctx, transport.BroadcastTopic(domain.KindKeyAnnounce), data, spore.Priority, 0); err != nil {
		return fmt.Errorf("announcing rotated keys: %w", err)
	}
	return nil
}

// rollbackConnect は購読確立に失敗した接続を巻き戻す。
// ディスパッチワーカーを止め、状態を未初期化へ戻す。
func (r *ReefService) rollbackConnect(ctx context.Context) {
	if err := r.adapter.Disconnect(ctx); err != nil {
		slog.WarnContext(ctx, "disconnect during rollback failed", "agent_id", r.agentID, "error", err)
	}
	r.stopDispatch()
	r.state.Store(stateUninitialized)
}

// stopDispatch は受信キューを閉じてディスパッチワーカーの終了を待つ。
func (r *ReefService) stopDispatch() {
	r.inMu.Lock()
	r.inClosed = true
	if r.inboundCh != nil {
		close(r.inboundCh)
		r.inboundCh = nil
	}
	r.inMu.Unlock()
	r.wg.Wait()
}

// onInbound はトランスポートのI/Oループから呼ばれる受信コールバック。
// キューへの引き渡しのみを行い、I/Oループをブロックしない。
func (r *ReefService) onInbound(payload []byte) {
	r.inMu.RLock()
	defer r.inMu.RUnlock()
	if r.inClosed || r.inboundCh == nil {
		return
	}
	select {
	case r.inboundCh <- payload:
	default:
		slog.Warn("inbound queue full, dropping message", "agent_id", r.agentID)
	}
}

func (r *ReefService) dispatchLoop(ch <-chan []byte) {
	defer r.wg.Done()
	for payload := range ch {
		r.processInbound(context.Background(), payload)
	}
}

/// processInbound は受信経路を処理する: デシリアライズ → 失効チェック →
// 送信者参照 → 検証・復号 → ディスパッチ。いかなる失敗もログに残して
// そのメッセージ限りで破棄し、受信ループへは伝播させない。
func (r *ReefService) processInbound(ctx context.Context, payload []byte) {
	ctx, span := r.tracer.Start(ctx, "reef.receive")
	defer span.End()

	spore, err := sporewire.Decode(payload)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed spore", "agent_id", r.agentID, "error", err)
		return
	}
	span.SetAttributes(
		attribute.String("spore.id", spore.ID),
		attribute.String("spore.kind", string(spore.Kind)),
		attribute.String("spore.from_agent", spore.FromAgent),
	)

	// 失効チェックは暗号処理より先に行う
	if spore.Expired(time.Now()) {
		slog.WarnContext(ctx, "dropping expired spore",
			"agent_id", r.agentID, "spore_id", spore.ID, "from_agent", spore.FromAgent,
			"error", domain.ErrSporeExpired)
		return
	}

	// 自分が発行したブロードキャストの折り返しは無視する
	if spore.FromAgent == r.agentID {
		return
	}

	entry, err := r.registry.Lookup(spore.FromAgent)
	if err != nil {
		slog.WarnContext(ctx, "dropping spore from unknown sender",
			"agent_id", r.agentID, "spore_id", spore.ID, "from_agent", spore.FromAgent,
			"error", fmt.Errorf("%w: %v", domain.ErrUnknownSender, err))
		return
	}

	var knowledge domain.Knowledge
	if spore.IsBroadcast() {
		knowledge, err = r.keys.VerifyOnly(spore.EncryptedPayload, spore.Nonce, spore.PayloadSignature, entry.SigningPublicKey)
	} else {
		knowledge, err = r.keys.DecryptAndVerify(spore.EncryptedPayload, spore.Nonce, spore.PayloadSignature, entry.SigningPublicKey, spore.SenderPublicKey)
	}
	if err != nil {
		slog.WarnContext(ctx, "dropping unverifiable spore",
			"agent_id", r.agentID, "spore_id", spore.ID, "from_agent", spore.FromAgent, "error", err)
		return
	}

	if spore.Kind == domain.KindKeyAnnounce {
		if err := r.handleKeyAnnounce(ctx, spore.FromAgent, knowledge); err != nil {
			slog.WarnContext(ctx, "dropping invalid key announce",
				"agent_id", r.agentID, "spore_id", spore.ID, "from_agent", spore.FromAgent, "error", err)
		}
		return
	}

	r.handlerMu.RLock()
	handler := r.handler
	r.handlerMu.RUnlock()
	if handler != nil {
		handler(spore.Kind, spore.FromAgent, knowledge)
	}
}

// handleKeyAnnounce は検証済みの鍵ローテーション通知でレジストリを更新する。
func (r *ReefService) handleKeyAnnounce(ctx context.Context, fromAgent string, knowledge domain.Knowledge) error {
	agentID, _ := knowledge["agent_id"].(string)
	if agentID != fromAgent {
		return fmt.Errorf("announce agent_id %q does not match sender %q", agentID, fromAgent)
	}
	encB64, _ := knowledge["encryption_public_key"].(string)
	signB64, _ := knowledge["signing_public_key"].(string)
	encPub, err := base64.StdEncoding.DecodeString(encB64)
	if err != nil {
		return fmt.Errorf("decoding announced encryption key: %w", err)
	}
	signPub, err := base64.StdEncoding.DecodeString(signB64)
	if err != nil {
		return fmt.Errorf("decoding announced signing key: %w", err)
	}
	if err := r.registry.Register(ctx, fromAgent, encPub, signPub); err != nil {
		return err
	}
	slog.InfoContext(ctx, "re-registered rotated peer keys", "agent_id", r.agentID, "peer", fromAgent)
	return nil
}

// Shutdown はトランスポートを切断し、ディスパッチワーカーを止め、
// メモリ上の鍵材料を破棄する。進行中のSend・受信処理と並行して呼んでも安全。
func (r *ReefService) Shutdown(ctx context.Context) error {
	if !r.state.CompareAndSwap(stateConnected, stateClosed) {
		if r.state.Load() == stateClosed {
			return nil
		}
		return domain.ErrNotConnected
	}

	err := r.adapter.Disconnect(ctx)
	r.stopDispatch()
	r.keys.Close()
	slog.InfoContext(ctx, "reef closed", "agent_id", r.agentID)
	return err
}
