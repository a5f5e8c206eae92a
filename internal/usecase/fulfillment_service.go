package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/KouroshBhl/market-sub000/internal/domain"
	"github.com/KouroshBhl/market-sub000/internal/middleware"
	"github.com/KouroshBhl/market-sub000/internal/repository"
)

// FulfillmentService は注文の納品処理を提供する。キーの予約・引き渡しと
// 注文の更新を単一トランザクションで実行するため、リポジトリの
// インターフェースではなく具象型とDBハンドルを保持する
// （MigrationServiceと同じ構成）。
type FulfillmentService struct {
	db     *gorm.DB
	pools  *repository.KeyPoolRepository
	orders *repository.OrderRepository
	cipher KeyCipher
}

// NewFulfillmentService は新しいFulfillmentServiceを生成する。
func NewFulfillmentService(db *gorm.DB, pools *repository.KeyPoolRepository, orders *repository.OrderRepository, cipher KeyCipher) *FulfillmentService {
	return &FulfillmentService{
		db:     db,
		pools:  pools,
		orders: orders,
		cipher: cipher,
	}
}

// CreateOrder は公開済みオファーに対する注文をPENDINGで作成する。
func (s *FulfillmentService) CreateOrder(ctx context.Context, buyerID, offerID string) (*domain.Order, error) {
	offer, err := s.orders.FindOfferByID(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("finding offer: %w", err)
	}
	if offer == nil {
		return nil, domain.ErrOfferNotFound
	}
	if !offer.Published {
		return nil, domain.ErrOfferNotPublished
	}

	order := &domain.Order{
		OfferID: offerID,
		BuyerID: buyerID,
		Status:  domain.OrderStatusPending,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}
	return order, nil
}

// MarkPaid は注文をPENDINGからPAIDに遷移させる。決済は本コアの対象外で
// あり、これは決済確認（webhook相当）のシミュレーション入口。
// 既にPAIDの注文に対しては冪等に成功する。
func (s *FulfillmentService) MarkPaid(ctx context.Context, orderID string) error {
	order, err := s.orders.FindOrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("finding order: %w", err)
	}
	if order == nil {
		return domain.ErrOrderNotFound
	}

	switch order.Status {
	case domain.OrderStatusPending:
		ok, err := s.orders.MarkOrderPaid(ctx, orderID)
		if err != nil {
			return fmt.Errorf("marking order paid: %w", err)
		}
		if !ok {
			// 並行する支払い確認が先行した。PAIDに到達していれば成功扱い
			current, err := s.orders.FindOrderByID(ctx, orderID)
			if err != nil {
				return fmt.Errorf("re-checking order: %w", err)
			}
			if current == nil || current.Status != domain.OrderStatusPaid {
				return domain.ErrOrderNotPayable
			}
		}
		return nil
	case domain.OrderStatusPaid:
		return nil
	default:
		return domain.ErrOrderNotPayable
	}
}

// Fulfill は支払い済み注文を納品する。注文IDに対して冪等であり、
// 納品済みの注文に対する再呼び出しは保存済みの納品物を返す。
//
// AUTO_KEYオファーではキーの予約（RESERVED）、引き渡し（DELIVERED）、
// 注文への平文書き込みを単一トランザクションで行う。途中で失敗した場合は
// 全体がロールバックし、予約されたキーはAVAILABLEに戻る。キーが
// RESERVEDのまま取り残されることはない。
func (s *FulfillmentService) Fulfill(ctx context.Context, orderID string) (*domain.FulfillmentResult, error) {
	var result *domain.FulfillmentResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orders := s.orders.WithTx(tx)
		pools := s.pools.WithTx(tx)

		// 同一注文への並行納品は注文行の排他ロックで直列化する。
		// 後続はロック解放後にFULFILLED済みを観測し、再割当せずに返る
		order, err := orders.FindOrderByIDForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("finding order: %w", err)
		}
		if order == nil {
			return domain.ErrOrderNotFound
		}

		offer, err := orders.FindOfferByID(ctx, order.OfferID)
		if err != nil {
			return fmt.Errorf("finding offer: %w", err)
		}
		if offer == nil {
			return domain.ErrOfferNotFound
		}

		if order.Status == domain.OrderStatusFulfilled {
			if order.DeliveredValue == nil {
				// 不変条件違反。納品済み注文には必ず納品物がある
				return fmt.Errorf("fulfilled order %s has no delivered value", orderID)
			}
			result = &domain.FulfillmentResult{
				OrderID:          orderID,
				DeliveryType:     offer.DeliveryType,
				Value:            *order.DeliveredValue,
				AlreadyFulfilled: true,
			}
			return nil
		}
		if order.Status != domain.OrderStatusPaid {
			return domain.ErrOrderNotPayable
		}

		var value string
		switch offer.DeliveryType {
		case domain.DeliveryTypeAutoKey:
			pool, err := pools.FindPoolByOfferID(ctx, offer.ID)
			if err != nil {
				return fmt.Errorf("finding pool: %w", err)
			}
			if pool == nil {
				// プール未作成は在庫ゼロと同義
				return domain.ErrOutOfStock
			}

			key, err := pools.ReserveOne(ctx, pool.ID, orderID)
			if err != nil {
				return fmt.Errorf("reserving key: %w", err)
			}
			if key == nil {
				return domain.ErrOutOfStock
			}

			plaintext, err := s.cipher.Decrypt(key.Ciphertext)
			if err != nil {
				// 復号失敗はセキュリティインシデント。ロールバックにより
				// キーはAVAILABLEに戻る
				slog.ErrorContext(ctx, "failed to decrypt reserved key",
					"operation", "fulfill",
					"order_id", orderID,
					"key_id", key.ID,
					"error", err,
				)
				middleware.WriteAuditLog(ctx, "FULFILL_ORDER", order.BuyerID, orderID, "INTEGRITY_FAILURE")
				return fmt.Errorf("decrypting reserved key: %w", err)
			}

			if err := pools.MarkKeyDelivered(ctx, key.ID); err != nil {
				return fmt.Errorf("marking key delivered: %w", err)
			}
			value = plaintext

		case domain.DeliveryTypeManual:
			// 手動納品は共有リソースを消費しないため予約は不要
			value = offer.DeliveryInstructions

		default:
			return fmt.Errorf("unknown delivery type %q for offer %s", offer.DeliveryType, offer.ID)
		}

		if err := orders.MarkOrderFulfilled(ctx, orderID, value); err != nil {
			return fmt.Errorf("marking order fulfilled: %w", err)
		}

		result = &domain.FulfillmentResult{
			OrderID:      orderID,
			DeliveryType: offer.DeliveryType,
			Value:        value,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyFulfilled {
		middleware.WriteAuditLog(ctx, "FULFILL_ORDER", "", orderID, "SUCCESS")
	}
	return result, nil
}

// GetDelivery は購入者が納品物を再取得するための参照操作。
func (s *FulfillmentService) GetDelivery(ctx context.Context, buyerID, orderID string) (string, error) {
	order, err := s.orders.FindOrderByID(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("finding order: %w", err)
	}
	if order == nil {
		return "", domain.ErrOrderNotFound
	}
	if order.BuyerID != buyerID {
		return "", domain.ErrNotOrderBuyer
	}
	if order.Status != domain.OrderStatusFulfilled || order.DeliveredValue == nil {
		return "", domain.ErrOrderNotFulfilled
	}
	return *order.DeliveredValue, nil
}
