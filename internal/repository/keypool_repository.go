// Package repository はデータアクセス層の実装を提供する。
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

// KeyPoolModel はgorm用のキープールモデル定義。オファーとは1:1。
type KeyPoolModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	OfferID   string    `gorm:"type:char(36);not null;uniqueIndex:uk_pool_offer"`
	SellerID  string    `gorm:"type:char(36);not null;index:idx_pool_seller"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyPoolModel) TableName() string {
	return "key_pools"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (p *KeyPoolModel) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (p *KeyPoolModel) toDomain() *domain.KeyPool {
	return &domain.KeyPool{
		ID:        p.ID,
		OfferID:   p.OfferID,
		SellerID:  p.SellerID,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// KeyModel はgorm用のキーモデル定義。平文は保持しない。
// content_hashはストア全体で一意（販売者間でも同一コードの重複登録を防ぐ）。
type KeyModel struct {
	ID          string     `gorm:"type:char(36);primaryKey"`
	PoolID      string     `gorm:"type:char(36);not null;index:idx_key_pool_status"`
	Ciphertext  string     `gorm:"type:text;not null"`
	ContentHash string     `gorm:"type:char(64);not null;uniqueIndex:uk_key_content_hash"`
	Status      string     `gorm:"type:enum('AVAILABLE','RESERVED','DELIVERED','INVALID');not null;default:'AVAILABLE';index:idx_key_pool_status"`
	OrderID     *string    `gorm:"type:char(36);index:idx_key_order"`
	CreatedAt   time.Time  `gorm:"type:datetime(6);not null;autoCreateTime;index:idx_key_created"`
	UpdatedAt   time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
	ReservedAt  *time.Time `gorm:"type:datetime(6)"`
	DeliveredAt *time.Time `gorm:"type:datetime(6)"`
}

// TableName はテーブル名を返す。
func (KeyModel) TableName() string {
	return "license_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (k *KeyModel) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (k *KeyModel) toDomain() *domain.Key {
	return &domain.Key{
		ID:          k.ID,
		PoolID:      k.PoolID,
		Ciphertext:  k.Ciphertext,
		ContentHash: k.ContentHash,
		Status:      domain.KeyStatus(k.Status),
		OrderID:     k.OrderID,
		CreatedAt:   k.CreatedAt,
		ReservedAt:  k.ReservedAt,
		DeliveredAt: k.DeliveredAt,
	}
}

// KeyPoolRepository はキープールとキーのデータアクセスを提供する。
type KeyPoolRepository struct {
	db *gorm.DB
}

// NewKeyPoolRepository は新しいKeyPoolRepositoryを生成する。
func NewKeyPoolRepository(db *gorm.DB) *KeyPoolRepository {
	return &KeyPoolRepository{db: db}
}

// WithTx はトランザクションに束縛されたリポジトリを返す。
func (r *KeyPoolRepository) WithTx(tx *gorm.DB) *KeyPoolRepository {
	return &KeyPoolRepository{db: tx}
}

// CreatePool は新しいキープールを保存する。
func (r *KeyPoolRepository) CreatePool(ctx context.Context, pool *domain.KeyPool) error {
	model := &KeyPoolModel{
		ID:       pool.ID,
		OfferID:  pool.OfferID,
		SellerID: pool.SellerID,
		Active:   pool.Active,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key pool",
			"operation", "create_pool",
			"offer_id", pool.OfferID,
			"error", err,
		)
		return err
	}
	pool.ID = model.ID
	pool.CreatedAt = model.CreatedAt
	pool.UpdatedAt = model.UpdatedAt
	return nil
}

// FindPoolByID は指定されたIDのプールを取得する。存在しない場合はnilを返す。
func (r *KeyPoolRepository) FindPoolByID(ctx context.Context, poolID string) (*domain.KeyPool, error) {
	var model KeyPoolModel
	err := r.db.WithContext(ctx).Where("id = ?", poolID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key pool",
			"operation", "find_pool_by_id",
			"pool_id", poolID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindPoolByOfferID は指定されたオファーのプールを取得する。存在しない場合はnilを返す。
func (r *KeyPoolRepository) FindPoolByOfferID(ctx context.Context, offerID string) (*domain.KeyPool, error) {
	var model KeyPoolModel
	err := r.db.WithContext(ctx).Where("offer_id = ?", offerID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key pool by offer",
			"operation", "find_pool_by_offer_id",
			"offer_id", offerID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// BulkInsertKeys はキーを一括挿入し、実際に追加された件数を返す。
// content_hashの一意制約と衝突した行は黙って読み飛ばされるため、
// 同一バッチの再実行やアップロード間の競合に対して安全。
func (r *KeyPoolRepository) BulkInsertKeys(ctx context.Context, keys []*domain.Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	models := make([]*KeyModel, len(keys))
	for i, k := range keys {
		models[i] = &KeyModel{
			PoolID:      k.PoolID,
			Ciphertext:  k.Ciphertext,
			ContentHash: k.ContentHash,
			Status:      string(domain.KeyStatusAvailable),
		}
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_hash"}},
			DoNothing: true,
		}).
		Create(&models)
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to bulk insert keys",
			"operation", "bulk_insert_keys",
			"pool_id", keys[0].PoolID,
			"count", len(keys),
			"error", res.Error,
		)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ExistingHashes は与えられたハッシュのうちストアに既に存在するものを返す。
// プールを跨いだストア全体の照会（重複検出はグローバル制約）。
func (r *KeyPoolRepository) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}

	var found []string
	err := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("content_hash IN ?", hashes).
		Pluck("content_hash", &found).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to query existing hashes",
			"operation", "existing_hashes",
			"count", len(hashes),
			"error", err,
		)
		return nil, err
	}

	existing := make(map[string]bool, len(found))
	for _, h := range found {
		existing[h] = true
	}
	return existing, nil
}

// FindKeyByID は指定されたプール内のキーを取得する。存在しない場合はnilを返す。
func (r *KeyPoolRepository) FindKeyByID(ctx context.Context, poolID, keyID string) (*domain.Key, error) {
	var model KeyModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND pool_id = ?", keyID, poolID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_key_by_id",
			"pool_id", poolID,
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// ListKeys は指定されたプールのキーを作成順に取得する。
func (r *KeyPoolRepository) ListKeys(ctx context.Context, poolID string, status *domain.KeyStatus, offset, limit int) ([]*domain.Key, error) {
	q := r.db.WithContext(ctx).Where("pool_id = ?", poolID)
	if status != nil {
		q = q.Where("status = ?", string(*status))
	}

	var models []KeyModel
	err := q.Order("created_at ASC, id ASC").Offset(offset).Limit(limit).Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list keys",
			"operation", "list_keys",
			"pool_id", poolID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.Key, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// CountByStatus は指定されたプールのキーをステータス別に集計する。
func (r *KeyPoolRepository) CountByStatus(ctx context.Context, poolID string) (*domain.KeyCounts, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Select("status, COUNT(*) AS count").
		Where("pool_id = ?", poolID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count keys",
			"operation", "count_by_status",
			"pool_id", poolID,
			"error", err,
		)
		return nil, err
	}

	counts := &domain.KeyCounts{}
	for _, row := range rows {
		switch domain.KeyStatus(row.Status) {
		case domain.KeyStatusAvailable:
			counts.Available = row.Count
		case domain.KeyStatusReserved:
			counts.Reserved = row.Count
		case domain.KeyStatusDelivered:
			counts.Delivered = row.Count
		case domain.KeyStatusInvalid:
			counts.Invalid = row.Count
		}
		counts.Total += row.Count
	}
	return counts, nil
}

// UpdateKeyCode はAVAILABLEかつ未割当のキーの暗号文とハッシュを差し替える。
// 条件を満たす行がなかった場合はfalseを返す。
func (r *KeyPoolRepository) UpdateKeyCode(ctx context.Context, poolID, keyID, ciphertext, contentHash string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("id = ? AND pool_id = ? AND status = ? AND order_id IS NULL",
			keyID, poolID, string(domain.KeyStatusAvailable)).
		Updates(map[string]interface{}{
			"ciphertext":   ciphertext,
			"content_hash": contentHash,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to update key code",
			"operation", "update_key_code",
			"pool_id", poolID,
			"key_id", keyID,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TransitionKeyStatus はキーのステータスをfromからtoへ遷移させる。
// fromに一致しなかった場合はfalseを返す（状態機械のガード）。
func (r *KeyPoolRepository) TransitionKeyStatus(ctx context.Context, poolID, keyID string, from, to domain.KeyStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("id = ? AND pool_id = ? AND status = ?", keyID, poolID, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to transition key status",
			"operation", "transition_key_status",
			"pool_id", poolID,
			"key_id", keyID,
			"from", from,
			"to", to,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReserveOne はプール内の最も古いAVAILABLEキーを1件だけRESERVEDに遷移させ、
// 注文に束縛する。割当可能なキーがない場合はnilを返す（再試行はしない）。
//
// 候補の選択はSKIP LOCKED付きの行ロックで行い、他トランザクションが
// ロック中の行は待たずに読み飛ばす。続くUPDATEはstatusを条件に含む
// compare-and-swapになっており、行ロックを持たないエンジン（テスト用の
// SQLite）でも同一キーの二重払い出しは起きない。
// 呼び出し側のトランザクション内で実行すること。
func (r *KeyPoolRepository) ReserveOne(ctx context.Context, poolID, orderID string) (*domain.Key, error) {
	q := r.db.WithContext(ctx).
		Where("pool_id = ? AND status = ?", poolID, string(domain.KeyStatusAvailable)).
		Order("created_at ASC, id ASC")
	if r.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var model KeyModel
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 在庫切れ、または全候補が他の予約処理にロックされている。
			// どちらも「割当不可」として同じ扱いにする
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to select reservation candidate",
			"operation", "reserve_one",
			"pool_id", poolID,
			"order_id", orderID,
			"error", err,
		)
		return nil, err
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("id = ? AND status = ?", model.ID, string(domain.KeyStatusAvailable)).
		Updates(map[string]interface{}{
			"status":      string(domain.KeyStatusReserved),
			"order_id":    orderID,
			"reserved_at": now,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to reserve key",
			"operation", "reserve_one",
			"pool_id", poolID,
			"key_id", model.ID,
			"order_id", orderID,
			"error", res.Error,
		)
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// CASに敗れた（行ロックなしのエンジンで他の予約が先行した）。
		// 在庫切れと同じ扱いにする
		return nil, nil
	}

	model.Status = string(domain.KeyStatusReserved)
	model.OrderID = &orderID
	model.ReservedAt = &now
	return model.toDomain(), nil
}

// MarkKeyDelivered はRESERVEDのキーをDELIVEREDに遷移させる。
// 予約と同一トランザクション内で実行すること。
func (r *KeyPoolRepository) MarkKeyDelivered(ctx context.Context, keyID string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("id = ? AND status = ?", keyID, string(domain.KeyStatusReserved)).
		Updates(map[string]interface{}{
			"status":       string(domain.KeyStatusDelivered),
			"delivered_at": now,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to mark key delivered",
			"operation", "mark_key_delivered",
			"key_id", keyID,
			"error", res.Error,
		)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}
