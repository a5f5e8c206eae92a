// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KouroshBhl/market-sub000/internal/domain"
	"github.com/KouroshBhl/market-sub000/internal/usecase"
	"github.com/KouroshBhl/market-sub000/pkg/httputil"
)

// sellerIDHeader は認証境界が設定する販売者IDヘッダ。
// 認証・認可そのものは本コアの対象外（上位で実施済み）。
const sellerIDHeader = "X-Seller-ID"

// KeyPoolHandler はキープール操作のHTTPハンドラを提供する。
type KeyPoolHandler struct {
	service *usecase.KeyPoolService
}

// NewKeyPoolHandler は新しいKeyPoolHandlerを生成する。
func NewKeyPoolHandler(service *usecase.KeyPoolService) *KeyPoolHandler {
	return &KeyPoolHandler{service: service}
}

// respondError はドメインエラーを安定したエラーコードへ変換する。
// 内部エラーの詳細は信頼できない呼び出し元へは返さない。
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPoolNotFound),
		errors.Is(err, domain.ErrKeyNotFound),
		errors.Is(err, domain.ErrOfferNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		httputil.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrNotPoolOwner),
		errors.Is(err, domain.ErrNotOfferOwner),
		errors.Is(err, domain.ErrNotOrderBuyer):
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domain.ErrPoolExists),
		errors.Is(err, domain.ErrDuplicateKey):
		httputil.Error(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrOutOfStock):
		httputil.Error(w, http.StatusConflict, "OUT_OF_STOCK", err.Error())
	case errors.Is(err, domain.ErrNotAutoDelivery),
		errors.Is(err, domain.ErrKeyNotEditable),
		errors.Is(err, domain.ErrKeyNotRevealable),
		errors.Is(err, domain.ErrInvalidKeyCode),
		errors.Is(err, domain.ErrOfferNotPublished),
		errors.Is(err, domain.ErrOrderNotPayable),
		errors.Is(err, domain.ErrOrderNotFulfilled):
		httputil.Error(w, http.StatusUnprocessableEntity, "INVALID_STATE", err.Error())
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func sellerID(r *http.Request) string {
	return r.Header.Get(sellerIDHeader)
}

// PoolResponse はキープールのレスポンス形式。
type PoolResponse struct {
	ID        string `json:"id"`
	OfferID   string `json:"offer_id"`
	SellerID  string `json:"seller_id"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// UploadRequest はキー一括登録のリクエスト形式。
type UploadRequest struct {
	Keys []string `json:"keys"`
}

// UploadResponse はキー一括登録のレスポンス形式。
type UploadResponse struct {
	Added          int   `json:"added"`
	Duplicates     int   `json:"duplicates"`
	Invalid        int   `json:"invalid"`
	TotalAvailable int64 `json:"total_available"`
}

// MaskedKeyResponse はマスク済みキーのレスポンス形式。
type MaskedKeyResponse struct {
	ID         string `json:"id"`
	MaskedCode string `json:"masked_code"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// KeyListResponse はキー一覧のレスポンス形式。
type KeyListResponse struct {
	Keys     []MaskedKeyResponse `json:"keys"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// CountsResponse はステータス別集計のレスポンス形式。
type CountsResponse struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Delivered int64 `json:"delivered"`
	Invalid   int64 `json:"invalid"`
	Total     int64 `json:"total"`
}

// CreatePool はオファーに対するキープールを作成する。
func (h *KeyPoolHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	offerID := chi.URLParam(r, "offer_id")

	pool, err := h.service.CreatePool(r.Context(), seller, offerID)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, PoolResponse{
		ID:        pool.ID,
		OfferID:   pool.OfferID,
		SellerID:  pool.SellerID,
		Active:    pool.Active,
		CreatedAt: pool.CreatedAt.Format(time.RFC3339),
	})
}

// PublishOffer はオファーを公開する。
func (h *KeyPoolHandler) PublishOffer(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	offerID := chi.URLParam(r, "offer_id")

	if err := h.service.PublishOffer(r.Context(), seller, offerID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadKeys はキーを一括登録する。
func (h *KeyPoolHandler) UploadKeys(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	poolID := chi.URLParam(r, "pool_id")

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if len(req.Keys) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keys must not be empty")
		return
	}

	report, err := h.service.UploadKeys(r.Context(), seller, poolID, req.Keys)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, UploadResponse{
		Added:          report.Added,
		Duplicates:     report.Duplicates,
		Invalid:        report.Invalid,
		TotalAvailable: report.TotalAvailable,
	})
}

// ListKeys はマスク済みキー一覧を取得する。
func (h *KeyPoolHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	poolID := chi.URLParam(r, "pool_id")

	var status *domain.KeyStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.KeyStatus(raw)
		switch s {
		case domain.KeyStatusAvailable, domain.KeyStatusReserved, domain.KeyStatusDelivered, domain.KeyStatusInvalid:
			status = &s
		default:
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid status filter")
			return
		}
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}

	keys, err := h.service.ListKeys(r.Context(), seller, poolID, status, page, pageSize)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := KeyListResponse{
		Keys:     make([]MaskedKeyResponse, len(keys)),
		Page:     page,
		PageSize: pageSize,
	}
	for i, k := range keys {
		resp.Keys[i] = MaskedKeyResponse{
			ID:         k.ID,
			MaskedCode: k.MaskedCode,
			Status:     string(k.Status),
			CreatedAt:  k.CreatedAt.Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetCounts はステータス別集計を取得する。
func (h *KeyPoolHandler) GetCounts(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	poolID := chi.URLParam(r, "pool_id")

	counts, err := h.service.GetCounts(r.Context(), seller, poolID)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, CountsResponse{
		Available: counts.Available,
		Reserved:  counts.Reserved,
		Delivered: counts.Delivered,
		Invalid:   counts.Invalid,
		Total:     counts.Total,
	})
}

// EditKey はキーのコードを差し替える。
func (h *KeyPoolHandler) EditKey(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	poolID := chi.URLParam(r, "pool_id")
	keyID := chi.URLParam(r, "key_id")

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	if err := h.service.EditKey(r.Context(), seller, poolID, keyID, req.Code); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevealKey はキーの平文を開示する。
func (h *KeyPoolHandler) RevealKey(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	poolID := chi.URLParam(r, "pool_id")
	keyID := chi.URLParam(r, "key_id")

	plaintext, err := h.service.RevealKey(r.Context(), seller, poolID, keyID)
	if err != nil {
		respondError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"code": plaintext})
}

// InvalidateKey はキーを無効化する。
func (h *KeyPoolHandler) InvalidateKey(w http.ResponseWriter, r *http.Request) {
	seller := sellerID(r)
	if seller == "" {
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "missing seller identity")
		return
	}
	poolID := chi.URLParam(r, "pool_id")
	keyID := chi.URLParam(r, "key_id")

	if err := h.service.InvalidateKey(r.Context(), seller, poolID, keyID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
