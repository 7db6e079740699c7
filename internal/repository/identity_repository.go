package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secure-reef/internal/domain"
)

// AgentIdentityModel はgorm用のエージェント識別鍵モデル定義。
// 秘密鍵カラムはキーラッパーで暗号化済みの値のみを保持する。
type AgentIdentityModel struct {
	ID                   string    `gorm:"type:char(36);primaryKey"`
	AgentID              string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_agent_generation;index:idx_identity_agent_id"`
	Generation           uint      `gorm:"not null;uniqueIndex:uk_agent_generation"`
	EncryptionPublicKey  []byte    `gorm:"type:blob;not null"`
	SigningPublicKey     []byte    `gorm:"type:blob;not null"`
	WrappedEncryptionKey []byte    `gorm:"type:blob;not null"`
	WrappedSigningKey    []byte    `gorm:"type:blob;not null"`
	CreatedAt            time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (AgentIdentityModel) TableName() string {
	return "agent_identities"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *AgentIdentityModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *AgentIdentityModel) toDomain() *domain.AgentIdentity {
	return &domain.AgentIdentity{
		ID:                   m.ID,
		AgentID:              m.AgentID,
		Generation:           m.Generation,
		EncryptionPublicKey:  m.EncryptionPublicKey,
		SigningPublicKey:     m.SigningPublicKey,
		WrappedEncryptionKey: m.WrappedEncryptionKey,
		WrappedSigningKey:    m.WrappedSigningKey,
		CreatedAt:            m.CreatedAt,
	}
}

// IdentityRepository はエージェント識別鍵のデータアクセスを提供する。
type IdentityRepository struct {
	db *gorm.DB
}

// NewIdentityRepository は新しいIdentityRepositoryを生成する。
func NewIdentityRepository(db *gorm.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// FindLatest は指定エージェントの最新世代の識別鍵を取得する。
// 存在しない場合は (nil, nil) を返す。
func (r *IdentityRepository) FindLatest(ctx context.Context, agentID string) (*domain.AgentIdentity, error) {
	var model AgentIdentityModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find identity",
			"operation", "find_latest",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Save は識別鍵の1世代を保存する。
func (r *IdentityRepository) Save(ctx context.Context, identity *domain.AgentIdentity) error {
	model := &AgentIdentityModel{
		ID:                   identity.ID,
		AgentID:              identity.AgentID,
		Generation:           identity.Generation,
		EncryptionPublicKey:  identity.EncryptionPublicKey,
		SigningPublicKey:     identity.SigningPublicKey,
		WrappedEncryptionKey: identity.WrappedEncryptionKey,
		WrappedSigningKey:    identity.WrappedSigningKey,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save identity",
			"operation", "save",
			"agent_id", identity.AgentID,
			"generation", identity.Generation,
			"error", err,
		)
		return err
	}
	identity.ID = model.ID
	identity.CreatedAt = model.CreatedAt
	return nil
}
