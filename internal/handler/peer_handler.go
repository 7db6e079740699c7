// Package handler は管理APIのHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"secure-reef/internal/domain"
	"secure-reef/internal/middleware"
	"secure-reef/internal/usecase"
	"secure-reef/pkg/httputil"
)

var agentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// PeerHandler はレジストリと識別鍵の管理APIハンドラ。
type PeerHandler struct {
	reef *usecase.ReefService
}

// NewPeerHandler は新しいPeerHandlerを生成する。
func NewPeerHandler(reef *usecase.ReefService) *PeerHandler {
	return &PeerHandler{reef: reef}
}

func validateAgentID(agentID string) error {
	if agentID == "" || len(agentID) > 64 {
		return domain.ErrInvalidAgentID
	}
	if !agentIDRegex.MatchString(agentID) {
		return domain.ErrInvalidAgentID
	}
	return nil
}

// PeerResponse はピアエントリのレスポンス形式。
type PeerResponse struct {
	AgentID             string `json:"agent_id"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	SigningPublicKey    string `json:"signing_public_key"`
	Status              string `json:"status"`
	RegisteredAt        string `json:"registered_at"`
}

// PeerListResponse はピア一覧のレスポンス形式。
type PeerListResponse struct {
	Peers []PeerResponse `json:"peers"`
}

// RegisterPeerRequest はピア登録のリクエスト形式。公開鍵はbase64エンコード。
type RegisterPeerRequest struct {
	AgentID             string `json:"agent_id"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	SigningPublicKey    string `json:"signing_public_key"`
}

// IdentityResponse は自エージェント公開鍵のレスポンス形式。
type IdentityResponse struct {
	AgentID             string `json:"agent_id"`
	Generation          uint   `json:"generation"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	SigningPublicKey    string `json:"signing_public_key"`
}

func toPeerResponse(e *domain.PeerEntry) PeerResponse {
	return PeerResponse{
		AgentID:             e.AgentID,
		EncryptionPublicKey: base64.StdEncoding.EncodeToString(e.EncryptionPublicKey),
		SigningPublicKey:    base64.StdEncoding.EncodeToString(e.SigningPublicKey),
		Status:              string(e.Status),
		RegisteredAt:        e.RegisteredAt.Format(time.RFC3339),
	}
}

// ListPeers はレジストリの全ピアエントリを返す。
func (h *PeerHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	entries := h.reef.Registry().List()
	resp := PeerListResponse{Peers: make([]PeerResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Peers = append(resp.Peers, toPeerResponse(e))
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// RegisterPeer はピアの公開鍵を登録または置き換える。
func (h *PeerHandler) RegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req RegisterPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateAgentID(req.AgentID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid agent ID format")
		return
	}
	encPub, err := base64.StdEncoding.DecodeString(req.EncryptionPublicKey)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PUBLIC_KEY", "encryption public key is not valid base64")
		return
	}
	signPub, err := base64.StdEncoding.DecodeString(req.SigningPublicKey)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PUBLIC_KEY", "signing public key is not valid base64")
		return
	}

	if err := h.reef.Registry().Register(r.Context(), req.AgentID, encPub, signPub); err != nil {
		if errors.Is(err, domain.ErrInvalidPublicKey) || errors.Is(err, domain.ErrInvalidAgentID) {
			middleware.WriteAuditLog(r.Context(), "REGISTER_PEER", req.AgentID, "FAILED")
			httputil.Error(w, http.StatusBadRequest, "INVALID_PUBLIC_KEY", "public key has wrong length")
			return
		}
		middleware.WriteAuditLog(r.Context(), "REGISTER_PEER", req.AgentID, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "REGISTER_PEER", req.AgentID, "SUCCESS")
	entry, err := h.reef.Registry().Lookup(req.AgentID)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	httputil.JSON(w, http.StatusCreated, toPeerResponse(entry))
}

// RevokePeer はピアエントリを失効させる。
func (h *PeerHandler) RevokePeer(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	if err := validateAgentID(agentID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid agent ID format")
		return
	}

	if err := h.reef.Registry().Revoke(r.Context(), agentID); err != nil {
		if errors.Is(err, domain.ErrPeerNotFound) {
			middleware.WriteAuditLog(r.Context(), "REVOKE_PEER", agentID, "FAILED")
			httputil.Error(w, http.StatusNotFound, "PEER_NOT_FOUND", "peer not found")
			return
		}
		middleware.WriteAuditLog(r.Context(), "REVOKE_PEER", agentID, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "REVOKE_PEER", agentID, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// GetIdentity は自エージェントの現在の公開鍵を返す。
func (h *PeerHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	publics, err := h.reef.PublicKeys()
	if err != nil {
		httputil.Error(w, http.StatusServiceUnavailable, "NOT_INITIALIZED", "keys are not generated yet")
		return
	}
	httputil.JSON(w, http.StatusOK, IdentityResponse{
		AgentID:             publics.AgentID,
		Generation:          publics.Generation,
		EncryptionPublicKey: base64.StdEncoding.EncodeToString(publics.EncryptionPublicKey),
		SigningPublicKey:    base64.StdEncoding.EncodeToString(publics.SigningPublicKey),
	})
}

// RotateIdentity は鍵ローテーションを実行し、新しい公開鍵を返す。
// 再配布が失敗してもローテーション自体は成立するため、その場合は
// 新しい鍵と併せて207を返す。
func (h *PeerHandler) RotateIdentity(w http.ResponseWriter, r *http.Request) {
	publics, err := h.reef.RotateKeys(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			// 未接続時のpublicsはゼロ値のため、自エージェントIDを記録する
			middleware.WriteAuditLog(r.Context(), "ROTATE_KEYS", h.reef.AgentID(), "FAILED")
			httputil.Error(w, http.StatusServiceUnavailable, "NOT_CONNECTED", "reef is not connected")
			return
		}
		// ローカルのローテーション自体は成立している
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEYS", publics.AgentID, "PARTIAL")
		httputil.JSON(w, http.StatusMultiStatus, IdentityResponse{
			AgentID:             publics.AgentID,
			Generation:          publics.Generation,
			EncryptionPublicKey: base64.StdEncoding.EncodeToString(publics.EncryptionPublicKey),
			SigningPublicKey:    base64.StdEncoding.EncodeToString(publics.SigningPublicKey),
		})
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEYS", publics.AgentID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, IdentityResponse{
		AgentID:             publics.AgentID,
		Generation:          publics.Generation,
		EncryptionPublicKey: base64.StdEncoding.EncodeToString(publics.EncryptionPublicKey),
		SigningPublicKey:    base64.StdEncoding.EncodeToString(publics.SigningPublicKey),
	})
}

// Healthz は死活確認エンドポイント。
func (h *PeerHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
