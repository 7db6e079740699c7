package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter は管理APIのルーターを生成する。
func NewRouter(h *PeerHandler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Get("/healthz", h.Healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/peers", func(r chi.Router) {
			r.Get("/", h.ListPeers)
			r.Post("/", h.RegisterPeer)
			r.Delete("/{agent_id}", h.RevokePeer)
		})
		r.Route("/identity", func(r chi.Router) {
			r.Get("/", h.GetIdentity)
			r.Post("/rotate", h.RotateIdentity)
		})
	})

	return otelhttp.NewHandler(r, "admin-api")
}
