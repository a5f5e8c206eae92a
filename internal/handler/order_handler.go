package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KouroshBhl/market-sub000/internal/usecase"
	"github.com/KouroshBhl/market-sub000/pkg/httputil"
)

// buyerIDHeader は認証境界が設定する購入者IDヘッダ。
const buyerIDHeader = "X-Buyer-ID"

// OrderHandler は注文と納品のHTTPハンドラを提供する。
type OrderHandler struct {
	service *usecase.FulfillmentService
}

// NewOrderHandler は新しいOrderHandlerを生成する。
func NewOrderHandler(service *usecase.FulfillmentService) *OrderHandler {
	return &OrderHandler{service: service}
}

func buyerID(r *http.Request) string {
	return r.Header.Get(buyerIDHeader)
}

// OrderResponse は注文のレスポンス形式。
type OrderResponse struct {
	ID        string `json:"id"`
	OfferID   string `json:"offer_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// FulfillmentResponse は納品結果のレスポンス形式。
type FulfillmentResponse struct {
	OrderID          string `json:"order_id"`
	DeliveryType     string `json:"delivery_type"`
	Value            string `json:"value"`
	AlreadyFulfilled bool   `json:"already_fulfilled"`
}

// CreateOrder は注文を作成する。
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	buyer := buyerID(r)
	if buyer == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing buyer identity")
		return
	}

	var req struct {
		OfferID string `json:"offer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OfferID == "" {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "offer_id is required")
		return
	}

	order, err := h.service.CreateOrder(r.Context(), buyer, req.OfferID)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, OrderResponse{
		ID:        order.ID,
		OfferID:   order.OfferID,
		Status:    string(order.Status),
		CreatedAt: order.CreatedAt.Format(time.RFC3339),
	})
}

// MarkPaid は決済確認を受け付ける（シミュレーション）。冪等。
func (h *OrderHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	if err := h.service.MarkPaid(r.Context(), orderID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Fulfill は注文を納品する。webhookの重複配送や購入者の再試行を想定し、
// 何度呼ばれても同じ結果を返す。
func (h *OrderHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	result, err := h.service.Fulfill(r.Context(), orderID)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, FulfillmentResponse{
		OrderID:          result.OrderID,
		DeliveryType:     string(result.DeliveryType),
		Value:            result.Value,
		AlreadyFulfilled: result.AlreadyFulfilled,
	})
}

// GetDelivery は購入者が納品物を取得する。
func (h *OrderHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	buyer := buyerID(r)
	if buyer == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing buyer identity")
		return
	}
	orderID := chi.URLParam(r, "order_id")

	value, err := h.service.GetDelivery(r.Context(), buyer, orderID)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"value": value})
}
