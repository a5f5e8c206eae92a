package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KouroshBhl/market-sub000/internal/domain"
)

// OfferModel はgorm用のオファーモデル定義。本コアが必要とする納品属性のみ。
type OfferModel struct {
	ID                   string    `gorm:"type:char(36);primaryKey"`
	SellerID             string    `gorm:"type:char(36);not null;index:idx_offer_seller"`
	Title                string    `gorm:"type:varchar(255);not null"`
	DeliveryType         string    `gorm:"type:enum('AUTO_KEY','MANUAL');not null"`
	DeliveryInstructions string    `gorm:"type:text"`
	Published            bool      `gorm:"not null;default:false"`
	CreatedAt            time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt            time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (OfferModel) TableName() string {
	return "offers"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (o *OfferModel) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (o *OfferModel) toDomain() *domain.Offer {
	return &domain.Offer{
		ID:                   o.ID,
		SellerID:             o.SellerID,
		Title:                o.Title,
		DeliveryType:         domain.DeliveryType(o.DeliveryType),
		DeliveryInstructions: o.DeliveryInstructions,
		Published:            o.Published,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
}

// OrderModel はgorm用の注文モデル定義。本コアは納品関連の列のみを更新する。
type OrderModel struct {
	ID             string     `gorm:"type:char(36);primaryKey"`
	OfferID        string     `gorm:"type:char(36);not null;index:idx_order_offer"`
	BuyerID        string     `gorm:"type:char(36);not null;index:idx_order_buyer"`
	Status         string     `gorm:"type:enum('PENDING','PAID','FULFILLED','CANCELLED','EXPIRED');not null;default:'PENDING'"`
	DeliveredValue *string    `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
	PaidAt         *time.Time `gorm:"type:datetime(6)"`
	FulfilledAt    *time.Time `gorm:"type:datetime(6)"`
}

// TableName はテーブル名を返す。
func (OrderModel) TableName() string {
	return "orders"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (o *OrderModel) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (o *OrderModel) toDomain() *domain.Order {
	return &domain.Order{
		ID:             o.ID,
		OfferID:        o.OfferID,
		BuyerID:        o.BuyerID,
		Status:         domain.OrderStatus(o.Status),
		DeliveredValue: o.DeliveredValue,
		CreatedAt:      o.CreatedAt,
		PaidAt:         o.PaidAt,
		FulfilledAt:    o.FulfilledAt,
	}
}

// OrderRepository はオファーと注文のデータアクセスを提供する。
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository は新しいOrderRepositoryを生成する。
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// WithTx はトランザクションに束縛されたリポジトリを返す。
func (r *OrderRepository) WithTx(tx *gorm.DB) *OrderRepository {
	return &OrderRepository{db: tx}
}

// CreateOffer は新しいオファーを保存する。
func (r *OrderRepository) CreateOffer(ctx context.Context, offer *domain.Offer) error {
	model := &OfferModel{
		ID:                   offer.ID,
		SellerID:             offer.SellerID,
		Title:                offer.Title,
		DeliveryType:         string(offer.DeliveryType),
		DeliveryInstructions: offer.DeliveryInstructions,
		Published:            offer.Published,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create offer",
			"operation", "create_offer",
			"seller_id", offer.SellerID,
			"error", err,
		)
		return err
	}
	offer.ID = model.ID
	offer.CreatedAt = model.CreatedAt
	offer.UpdatedAt = model.UpdatedAt
	return nil
}

// FindOfferByID は指定されたオファーを取得する。存在しない場合はnilを返す。
func (r *OrderRepository) FindOfferByID(ctx context.Context, offerID string) (*domain.Offer, error) {
	var model OfferModel
	err := r.db.WithContext(ctx).Where("id = ?", offerID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find offer",
			"operation", "find_offer_by_id",
			"offer_id", offerID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// PublishOffer はオファーを公開状態にする。
func (r *OrderRepository) PublishOffer(ctx context.Context, offerID string) error {
	err := r.db.WithContext(ctx).
		Model(&OfferModel{}).
		Where("id = ?", offerID).
		Update("published", true).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to publish offer",
			"operation", "publish_offer",
			"offer_id", offerID,
			"error", err,
		)
		return err
	}
	return nil
}

// CreateOrder は新しい注文を保存する。
func (r *OrderRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	model := &OrderModel{
		ID:      order.ID,
		OfferID: order.OfferID,
		BuyerID: order.BuyerID,
		Status:  string(order.Status),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create order",
			"operation", "create_order",
			"offer_id", order.OfferID,
			"error", err,
		)
		return err
	}
	order.ID = model.ID
	order.CreatedAt = model.CreatedAt
	return nil
}

// FindOrderByID は指定された注文を取得する。存在しない場合はnilを返す。
func (r *OrderRepository) FindOrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	return r.findOrder(ctx, orderID, false)
}

// FindOrderByIDForUpdate は指定された注文を排他ロック付きで取得する。
// 同一注文への並行納品を直列化するために使う。予約候補の選択と異なり
// ここではSKIP LOCKEDを使わない（後続はロック解放を待った上で
// FULFILLED済みを観測すべきであって、読み飛ばしてはならない）。
func (r *OrderRepository) FindOrderByIDForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	return r.findOrder(ctx, orderID, true)
}

func (r *OrderRepository) findOrder(ctx context.Context, orderID string, forUpdate bool) (*domain.Order, error) {
	q := r.db.WithContext(ctx).Where("id = ?", orderID)
	if forUpdate && r.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var model OrderModel
	err := q.First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find order",
			"operation", "find_order_by_id",
			"order_id", orderID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// MarkOrderPaid はPENDINGの注文をPAIDに遷移させる。
// 遷移できなかった場合はfalseを返す。
func (r *OrderRepository) MarkOrderPaid(ctx context.Context, orderID string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("id = ? AND status = ?", orderID, string(domain.OrderStatusPending)).
		Updates(map[string]interface{}{
			"status":  string(domain.OrderStatusPaid),
			"paid_at": now,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to mark order paid",
			"operation", "mark_order_paid",
			"order_id", orderID,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkOrderFulfilled はPAIDの注文をFULFILLEDに遷移させ、納品物を書き込む。
// DeliveredValueはここで一度だけ設定され、以後変更されない。
func (r *OrderRepository) MarkOrderFulfilled(ctx context.Context, orderID, deliveredValue string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("id = ? AND status = ?", orderID, string(domain.OrderStatusPaid)).
		Updates(map[string]interface{}{
			"status":          string(domain.OrderStatusFulfilled),
			"delivered_value": deliveredValue,
			"fulfilled_at":    now,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to mark order fulfilled",
			"operation", "mark_order_fulfilled",
			"order_id", orderID,
			"error", res.Error,
		)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrOrderNotPayable
	}
	return nil
}
