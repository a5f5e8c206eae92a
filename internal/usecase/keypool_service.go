// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/KouroshBhl/market-sub000/internal/crypto"
	"github.com/KouroshBhl/market-sub000/internal/domain"
	"github.com/KouroshBhl/market-sub000/internal/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// PoolStore はキープールとキーのデータアクセスのインターフェース。
type PoolStore interface {
	CreatePool(ctx context.Context, pool *domain.KeyPool) error
	FindPoolByID(ctx context.Context, poolID string) (*domain.KeyPool, error)
	FindPoolByOfferID(ctx context.Context, offerID string) (*domain.KeyPool, error)
	BulkInsertKeys(ctx context.Context, keys []*domain.Key) (int64, error)
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
	FindKeyByID(ctx context.Context, poolID, keyID string) (*domain.Key, error)
	ListKeys(ctx context.Context, poolID string, status *domain.KeyStatus, offset, limit int) ([]*domain.Key, error)
	CountByStatus(ctx context.Context, poolID string) (*domain.KeyCounts, error)
	UpdateKeyCode(ctx context.Context, poolID, keyID, ciphertext, contentHash string) (bool, error)
	TransitionKeyStatus(ctx context.Context, poolID, keyID string, from, to domain.KeyStatus) (bool, error)
}

// OfferStore はオファーのデータアクセスのインターフェース。
type OfferStore interface {
	FindOfferByID(ctx context.Context, offerID string) (*domain.Offer, error)
	PublishOffer(ctx context.Context, offerID string) error
}

// KeyCipher はキーの暗号化・復号のインターフェース。
type KeyCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// KeyPoolService はキープールの在庫管理に関するビジネスロジックを提供する。
type KeyPoolService struct {
	pools  PoolStore
	offers OfferStore
	cipher KeyCipher
}

// NewKeyPoolService は新しいKeyPoolServiceを生成する。
func NewKeyPoolService(pools PoolStore, offers OfferStore, cipher KeyCipher) *KeyPoolService {
	return &KeyPoolService{
		pools:  pools,
		offers: offers,
		cipher: cipher,
	}
}

// loadOwnedPool はプールを取得し、呼び出し元の所有権を検証する。
// 認可境界は上位レイヤで実施済みだが、多層防御として再検証する。
func (s *KeyPoolService) loadOwnedPool(ctx context.Context, sellerID, poolID string) (*domain.KeyPool, error) {
	pool, err := s.pools.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("finding pool: %w", err)
	}
	if pool == nil {
		return nil, domain.ErrPoolNotFound
	}
	if pool.SellerID != sellerID {
		return nil, domain.ErrNotPoolOwner
	}
	return pool, nil
}

// CreatePool は自動納品オファーに対するキープールを作成する。
func (s *KeyPoolService) CreatePool(ctx context.Context, sellerID, offerID string) (*domain.KeyPool, error) {
	offer, err := s.offers.FindOfferByID(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("finding offer: %w", err)
	}
	if offer == nil {
		return nil, domain.ErrOfferNotFound
	}
	if offer.SellerID != sellerID {
		return nil, domain.ErrNotOfferOwner
	}
	if offer.DeliveryType != domain.DeliveryTypeAutoKey {
		return nil, domain.ErrNotAutoDelivery
	}

	existing, err := s.pools.FindPoolByOfferID(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("checking existing pool: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrPoolExists
	}

	pool := &domain.KeyPool{
		OfferID:  offerID,
		SellerID: sellerID,
		Active:   true,
	}
	if err := s.pools.CreatePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	return pool, nil
}

// PublishOffer はオファーを公開する。自動納品オファーでプールが未作成の
// 場合はここで作成する。在庫ゼロでの公開は許可する（購入者には在庫切れと
// して表示される想定）。
func (s *KeyPoolService) PublishOffer(ctx context.Context, sellerID, offerID string) error {
	offer, err := s.offers.FindOfferByID(ctx, offerID)
	if err != nil {
		return fmt.Errorf("finding offer: %w", err)
	}
	if offer == nil {
		return domain.ErrOfferNotFound
	}
	if offer.SellerID != sellerID {
		return domain.ErrNotOfferOwner
	}

	if offer.DeliveryType == domain.DeliveryTypeAutoKey {
		pool, err := s.pools.FindPoolByOfferID(ctx, offerID)
		if err != nil {
			return fmt.Errorf("checking existing pool: %w", err)
		}
		if pool == nil {
			if err := s.pools.CreatePool(ctx, &domain.KeyPool{
				OfferID:  offerID,
				SellerID: sellerID,
				Active:   true,
			}); err != nil {
				return fmt.Errorf("creating pool: %w", err)
			}
		}
	}

	if err := s.offers.PublishOffer(ctx, offerID); err != nil {
		return fmt.Errorf("publishing offer: %w", err)
	}
	return nil
}

// UploadKeys はキーを一括登録する。空白トリム後の空文字はinvalid、
// ハッシュが既存キー（同一バッチ内を含む）と一致するものはduplicateとして
// 除外し、残りを暗号化してAVAILABLEで保存する。同一入力での再実行は
// 冪等（2回目はすべてduplicateになる）。
func (s *KeyPoolService) UploadKeys(ctx context.Context, sellerID, poolID string, rawKeys []string) (*domain.UploadReport, error) {
	pool, err := s.loadOwnedPool(ctx, sellerID, poolID)
	if err != nil {
		return nil, err
	}

	report := &domain.UploadReport{}

	// バッチ内の正規化と重複排除
	type candidate struct {
		code string
		hash string
	}
	var candidates []candidate
	seen := make(map[string]bool)
	for _, raw := range rawKeys {
		code := strings.TrimSpace(raw)
		if code == "" {
			report.Invalid++
			continue
		}
		hash := crypto.Hash(code)
		if seen[hash] {
			report.Duplicates++
			continue
		}
		seen[hash] = true
		candidates = append(candidates, candidate{code: code, hash: hash})
	}

	// ストア全体との重複照会。どのキーが一致したかは呼び出し元に返さない
	hashes := make([]string, len(candidates))
	for i, c := range candidates {
		hashes[i] = c.hash
	}
	existing, err := s.pools.ExistingHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("checking existing hashes: %w", err)
	}

	var survivors []*domain.Key
	for _, c := range candidates {
		if existing[c.hash] {
			report.Duplicates++
			continue
		}
		ciphertext, err := s.cipher.Encrypt(c.code)
		if err != nil {
			return nil, fmt.Errorf("encrypting key: %w", err)
		}
		survivors = append(survivors, &domain.Key{
			PoolID:      pool.ID,
			Ciphertext:  ciphertext,
			ContentHash: c.hash,
			Status:      domain.KeyStatusAvailable,
		})
	}

	added, err := s.pools.BulkInsertKeys(ctx, survivors)
	if err != nil {
		return nil, fmt.Errorf("inserting keys: %w", err)
	}
	report.Added = int(added)
	// 照会と挿入の間に並行アップロードが先行した分は一意制約で弾かれる
	report.Duplicates += len(survivors) - int(added)

	counts, err := s.pools.CountByStatus(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("counting keys: %w", err)
	}
	report.TotalAvailable = counts.Available

	return report, nil
}

// ListKeys はプール内のキーをマスク済みコード付きで一覧する。
// 生のコードはこの操作からは決して返らない。
func (s *KeyPoolService) ListKeys(ctx context.Context, sellerID, poolID string, status *domain.KeyStatus, page, pageSize int) ([]*domain.MaskedKey, error) {
	pool, err := s.loadOwnedPool(ctx, sellerID, poolID)
	if err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	keys, err := s.pools.ListKeys(ctx, pool.ID, status, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	masked := make([]*domain.MaskedKey, len(keys))
	for i, k := range keys {
		plaintext, err := s.cipher.Decrypt(k.Ciphertext)
		if err != nil {
			middleware.WriteAuditLog(ctx, "LIST_KEYS_DECRYPT", sellerID, k.ID, "INTEGRITY_FAILURE")
			return nil, fmt.Errorf("decrypting key %s: %w", k.ID, err)
		}
		masked[i] = &domain.MaskedKey{
			ID:         k.ID,
			MaskedCode: maskCode(plaintext),
			Status:     k.Status,
			CreatedAt:  k.CreatedAt,
		}
	}
	return masked, nil
}

// maskCode は末尾4文字以外を伏せ字にする。4文字以下は全文字を伏せる。
func maskCode(code string) string {
	runes := []rune(code)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

// GetCounts はプール内キーのステータス別集計を返す。
func (s *KeyPoolService) GetCounts(ctx context.Context, sellerID, poolID string) (*domain.KeyCounts, error) {
	pool, err := s.loadOwnedPool(ctx, sellerID, poolID)
	if err != nil {
		return nil, err
	}
	counts, err := s.pools.CountByStatus(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("counting keys: %w", err)
	}
	return counts, nil
}

// EditKey はAVAILABLEかつ未割当のキーのコードを差し替える。
func (s *KeyPoolService) EditKey(ctx context.Context, sellerID, poolID, keyID, newCode string) error {
	pool, err := s.loadOwnedPool(ctx, sellerID, poolID)
	if err != nil {
		return err
	}

	code := strings.TrimSpace(newCode)
	if code == "" {
		return domain.ErrInvalidKeyCode
	}

	key, err := s.pools.FindKeyByID(ctx, pool.ID, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}

	hash := crypto.Hash(code)
	if hash != key.ContentHash {
		existing, err := s.pools.ExistingHashes(ctx, []string{hash})
		if err != nil {
			return fmt.Errorf("checking hash collision: %w", err)
		}
		if existing[hash] {
			return domain.ErrDuplicateKey
		}
	}

	ciphertext, err := s.cipher.Encrypt(code)
	if err != nil {
		return fmt.Errorf("encrypting key: %w", err)
	}

	ok, err := s.pools.UpdateKeyCode(ctx, pool.ID, keyID, ciphertext, hash)
	if err != nil {
		return fmt.Errorf("updating key: %w", err)
	}
	if !ok {
		return domain.ErrKeyNotEditable
	}
	return nil
}

// RevealKey はキーの平文を開示する。AVAILABLEまたはINVALIDのキーに限る
// （RESERVED/DELIVEREDは購入者の所有物であり販売者に再表示してはならない）。
// 呼び出しはすべて監査ログに記録される。
func (s *KeyPoolService) RevealKey(ctx context.Context, sellerID, poolID, keyID string) (string, error) {
	pool, err := s.loadOwnedPool(ctx, sellerID, poolID)
	if err != nil {
		return "", err
	}

	key, err := s.pools.FindKeyByID(ctx, pool.ID, keyID)
	if err != nil {
		return "", fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return "", domain.ErrKeyNotFound
	}
	if key.Status != domain.KeyStatusAvailable && key.Status != domain.KeyStatusInvalid {
		middleware.WriteAuditLog(ctx, "REVEAL_KEY", sellerID, keyID, "DENIED")
		return "", domain.ErrKeyNotRevealable
	}

	plaintext, err := s.cipher.Decrypt(key.Ciphertext)
	if err != nil {
		middleware.WriteAuditLog(ctx, "REVEAL_KEY", sellerID, keyID, "INTEGRITY_FAILURE")
		return "", fmt.Errorf("decrypting key: %w", err)
	}

	middleware.WriteAuditLog(ctx, "REVEAL_KEY", sellerID, keyID, "SUCCESS")
	return plaintext, nil
}

// InvalidateKey はAVAILABLEのキーをINVALIDに遷移させる。
// キーは物理削除しない（監査証跡の保全）。
func (s *KeyPoolService) InvalidateKey(ctx context.Context, sellerID, poolID, keyID string) error {
	pool, err := s.loadOwnedPool(ctx, sellerID, poolID)
	if err != nil {
		return err
	}

	key, err := s.pools.FindKeyByID(ctx, pool.ID, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}

	ok, err := s.pools.TransitionKeyStatus(ctx, pool.ID, keyID, domain.KeyStatusAvailable, domain.KeyStatusInvalid)
	if err != nil {
		return fmt.Errorf("invalidating key: %w", err)
	}
	if !ok {
		return domain.ErrKeyNotEditable
	}

	middleware.WriteAuditLog(ctx, "INVALIDATE_KEY", sellerID, keyID, "SUCCESS")
	return nil
}
