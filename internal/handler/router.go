package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(pools *KeyPoolHandler, orders *OrderHandler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// 販売者向けルート
	r.Route("/v1/offers/{offer_id}", func(r chi.Router) {
		r.Post("/pool", pools.CreatePool)
		r.Post("/publish", pools.PublishOffer)
	})
	r.Route("/v1/pools/{pool_id}/keys", func(r chi.Router) {
		r.Post("/", pools.UploadKeys)
		r.Get("/", pools.ListKeys)
		r.Get("/counts", pools.GetCounts)
		r.Patch("/{key_id}", pools.EditKey)
		r.Post("/{key_id}/reveal", pools.RevealKey)
		r.Delete("/{key_id}", pools.InvalidateKey)
	})

	// 購入者・決済向けルート
	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", orders.CreateOrder)
		r.Post("/{order_id}/pay", orders.MarkPaid)
		r.Post("/{order_id}/fulfill", orders.Fulfill)
		r.Get("/{order_id}/delivery", orders.GetDelivery)
	})

	return r
}
