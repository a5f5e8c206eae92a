// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus はキーのステータスを表す。
type KeyStatus string

const (
	// KeyStatusAvailable は未割当のキーを表す。
	KeyStatusAvailable KeyStatus = "AVAILABLE"
	// KeyStatusReserved は注文への割当中のキーを表す。
	KeyStatusReserved KeyStatus = "RESERVED"
	// KeyStatusDelivered は購入者へ引き渡し済みのキーを表す（終端状態）。
	KeyStatusDelivered KeyStatus = "DELIVERED"
	// KeyStatusInvalid は販売者によって無効化されたキーを表す（終端状態）。
	KeyStatusInvalid KeyStatus = "INVALID"
)

// KeyPool はAUTO_KEYオファーごとのキー在庫プールを表す。オファーとは1:1。
type KeyPool struct {
	ID        string
	OfferID   string
	SellerID  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key は単一の引き換えコードを表す。平文は保持せず、暗号化エンベロープと
// 重複検出用のコンテンツハッシュのみを持つ。
type Key struct {
	ID          string
	PoolID      string
	Ciphertext  string // nonce.tag.ciphertext 形式のエンベロープ
	ContentHash string
	Status      KeyStatus
	OrderID     *string
	CreatedAt   time.Time
	ReservedAt  *time.Time
	DeliveredAt *time.Time
}

// MaskedKey は一覧表示用のキー情報を表す。平文は末尾4文字のみ可視。
type MaskedKey struct {
	ID         string
	MaskedCode string
	Status     KeyStatus
	CreatedAt  time.Time
}

// UploadReport は一括アップロードの結果集計を表す。
// どのキーが重複したかは意図的に含めない（他販売者の在庫内容の漏洩防止）。
type UploadReport struct {
	Added          int
	Duplicates     int
	Invalid        int
	TotalAvailable int64
}

// KeyCounts はプール内キーのステータス別集計を表す。
type KeyCounts struct {
	Available int64
	Reserved  int64
	Delivered int64
	Invalid   int64
	Total     int64
}
