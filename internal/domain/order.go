package domain

import "time"

// DeliveryType はオファーの納品方式を表す。
type DeliveryType string

const (
	// DeliveryTypeAutoKey はキープールからの自動納品を表す。
	DeliveryTypeAutoKey DeliveryType = "AUTO_KEY"
	// DeliveryTypeManual は販売者の案内文による手動納品を表す。
	DeliveryTypeManual DeliveryType = "MANUAL"
)

// OrderStatus は注文のステータスを表す。
type OrderStatus string

const (
	// OrderStatusPending は支払い待ちの注文を表す。
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid は支払い済み・納品待ちの注文を表す。
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusFulfilled は納品完了の注文を表す（終端状態）。
	OrderStatusFulfilled OrderStatus = "FULFILLED"
	// OrderStatusCancelled はキャンセル済みの注文を表す（終端状態）。
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusExpired は期限切れの注文を表す（終端状態）。
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// Offer は販売オファーを表す。価格・カタログ情報は注文管理側が所有するため
// 本コアは納品に必要な属性のみ保持する。
type Offer struct {
	ID                   string
	SellerID             string
	Title                string
	DeliveryType         DeliveryType
	DeliveryInstructions string // MANUALオファーの納品案内文
	Published            bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Order は注文を表す。DeliveredValueは納品完了時に一度だけ書き込まれ、
// 以後不変（購入者が再取得可能）。
type Order struct {
	ID             string
	OfferID        string
	BuyerID        string
	Status         OrderStatus
	DeliveredValue *string
	CreatedAt      time.Time
	PaidAt         *time.Time
	FulfilledAt    *time.Time
}

// FulfillmentResult は納品処理の結果を表す。
type FulfillmentResult struct {
	OrderID          string
	DeliveryType     DeliveryType
	Value            string
	AlreadyFulfilled bool
}
