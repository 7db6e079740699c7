// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"secure-reef/internal/domain"
)

// TrustedPeerModel はgorm用の信頼済みピアモデル定義。
type TrustedPeerModel struct {
	ID                  string    `gorm:"type:char(36);primaryKey"`
	AgentID             string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_agent_id"`
	EncryptionPublicKey []byte    `gorm:"type:blob;not null"`
	SigningPublicKey    []byte    `gorm:"type:blob;not null"`
	Status              string    `gorm:"type:varchar(16);not null;default:'trusted'"`
	CreatedAt           time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (TrustedPeerModel) TableName() string {
	return "trusted_peers"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *TrustedPeerModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *TrustedPeerModel) toDomain() *domain.PeerEntry {
	return &domain.PeerEntry{
		AgentID:             m.AgentID,
		EncryptionPublicKey: m.EncryptionPublicKey,
		SigningPublicKey:    m.SigningPublicKey,
		Status:              domain.PeerStatus(m.Status),
		RegisteredAt:        m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// PeerRepository は信頼済みピアのデータアクセスを提供する。
type PeerRepository struct {
	db *gorm.DB
}

// NewPeerRepository は新しいPeerRepositoryを生成する。
func NewPeerRepository(db *gorm.DB) *PeerRepository {
	return &PeerRepository{db: db}
}

// Save はピアエントリを登録または置き換える（agent_id単位のupsert）。
func (r *PeerRepository) Save(ctx context.Context, entry *domain.PeerEntry) error {
	model := &TrustedPeerModel{
		AgentID:             entry.AgentID,
		EncryptionPublicKey: entry.EncryptionPublicKey,
		SigningPublicKey:    entry.SigningPublicKey,
		Status:              string(entry.Status),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"encryption_public_key", "signing_public_key", "status", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to save peer entry",
			"operation", "save",
			"peer", entry.AgentID,
			"error", err,
		)
		return err
	}
	return nil
}

// UpdateStatus は指定エージェントのステータスを更新する。
func (r *PeerRepository) UpdateStatus(ctx context.Context, agentID string, status domain.PeerStatus) error {
	err := r.db.WithContext(ctx).
		Model(&TrustedPeerModel{}).
		Where("agent_id = ?", agentID).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update peer status",
			"operation", "update_status",
			"peer", agentID,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// FindAll は全ピアエントリを取得する。
func (r *PeerRepository) FindAll(ctx context.Context) ([]*domain.PeerEntry, error) {
	var models []TrustedPeerModel
	err := r.db.WithContext(ctx).
		Order("agent_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find peer entries",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.PeerEntry, len(models))
	for i, m := range models {
		entries[i] = m.toDomain()
	}
	return entries, nil
}
