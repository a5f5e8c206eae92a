package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/KouroshBhl/market-sub000/internal/crypto"
	"github.com/KouroshBhl/market-sub000/internal/domain"
)

// mockPoolStore はテスト用のインメモリPoolStore実装。
type mockPoolStore struct {
	pools  map[string]*domain.KeyPool
	keys   []*domain.Key
	nextID int

	// stolenHashes はExistingHashesの照会後・挿入前に他のアップロードが
	// 先行して挿入したハッシュを模倣する
	stolenHashes map[string]bool
}

func newMockPoolStore() *mockPoolStore {
	return &mockPoolStore{
		pools:        make(map[string]*domain.KeyPool),
		stolenHashes: make(map[string]bool),
	}
}

func (m *mockPoolStore) CreatePool(ctx context.Context, pool *domain.KeyPool) error {
	if pool.ID == "" {
		m.nextID++
		pool.ID = fmt.Sprintf("pool-%d", m.nextID)
	}
	pool.CreatedAt = time.Now()
	m.pools[pool.ID] = pool
	return nil
}

func (m *mockPoolStore) FindPoolByID(ctx context.Context, poolID string) (*domain.KeyPool, error) {
	return m.pools[poolID], nil
}

func (m *mockPoolStore) FindPoolByOfferID(ctx context.Context, offerID string) (*domain.KeyPool, error) {
	for _, p := range m.pools {
		if p.OfferID == offerID {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockPoolStore) BulkInsertKeys(ctx context.Context, keys []*domain.Key) (int64, error) {
	taken := make(map[string]bool)
	for _, k := range m.keys {
		taken[k.ContentHash] = true
	}
	var added int64
	for _, k := range keys {
		if taken[k.ContentHash] || m.stolenHashes[k.ContentHash] {
			continue
		}
		m.nextID++
		stored := *k
		stored.ID = fmt.Sprintf("key-%d", m.nextID)
		stored.CreatedAt = time.Now()
		m.keys = append(m.keys, &stored)
		taken[k.ContentHash] = true
		added++
	}
	return added, nil
}

func (m *mockPoolStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	stored := make(map[string]bool)
	for _, k := range m.keys {
		stored[k.ContentHash] = true
	}
	existing := make(map[string]bool)
	for _, h := range hashes {
		if stored[h] {
			existing[h] = true
		}
	}
	return existing, nil
}

func (m *mockPoolStore) FindKeyByID(ctx context.Context, poolID, keyID string) (*domain.Key, error) {
	for _, k := range m.keys {
		if k.ID == keyID && k.PoolID == poolID {
			return k, nil
		}
	}
	return nil, nil
}

func (m *mockPoolStore) ListKeys(ctx context.Context, poolID string, status *domain.KeyStatus, offset, limit int) ([]*domain.Key, error) {
	var matched []*domain.Key
	for _, k := range m.keys {
		if k.PoolID != poolID {
			continue
		}
		if status != nil && k.Status != *status {
			continue
		}
		matched = append(matched, k)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *mockPoolStore) CountByStatus(ctx context.Context, poolID string) (*domain.KeyCounts, error) {
	counts := &domain.KeyCounts{}
	for _, k := range m.keys {
		if k.PoolID != poolID {
			continue
		}
		switch k.Status {
		case domain.KeyStatusAvailable:
			counts.Available++
		case domain.KeyStatusReserved:
			counts.Reserved++
		case domain.KeyStatusDelivered:
			counts.Delivered++
		case domain.KeyStatusInvalid:
			counts.Invalid++
		}
		counts.Total++
	}
	return counts, nil
}

func (m *mockPoolStore) UpdateKeyCode(ctx context.Context, poolID, keyID, ciphertext, contentHash string) (bool, error) {
	for _, k := range m.keys {
		if k.ID == keyID && k.PoolID == poolID &&
			k.Status == domain.KeyStatusAvailable && k.OrderID == nil {
			k.Ciphertext = ciphertext
			k.ContentHash = contentHash
			return true, nil
		}
	}
	return false, nil
}

func (m *mockPoolStore) TransitionKeyStatus(ctx context.Context, poolID, keyID string, from, to domain.KeyStatus) (bool, error) {
	for _, k := range m.keys {
		if k.ID == keyID && k.PoolID == poolID && k.Status == from {
			k.Status = to
			return true, nil
		}
	}
	return false, nil
}

// mockOfferStore はテスト用のインメモリOfferStore実装。
type mockOfferStore struct {
	offers map[string]*domain.Offer
}

func newMockOfferStore() *mockOfferStore {
	return &mockOfferStore{offers: make(map[string]*domain.Offer)}
}

func (m *mockOfferStore) FindOfferByID(ctx context.Context, offerID string) (*domain.Offer, error) {
	return m.offers[offerID], nil
}

func (m *mockOfferStore) PublishOffer(ctx context.Context, offerID string) error {
	if offer, ok := m.offers[offerID]; ok {
		offer.Published = true
	}
	return nil
}

// fakeCipher は可逆なダミー暗号。復号可能性の検証に本物の暗号は不要。
type fakeCipher struct{}

func (fakeCipher) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (fakeCipher) Decrypt(envelope string) (string, error) {
	if !strings.HasPrefix(envelope, "enc:") {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrIntegrity)
	}
	return strings.TrimPrefix(envelope, "enc:"), nil
}

func newTestKeyPoolService() (*KeyPoolService, *mockPoolStore, *mockOfferStore) {
	pools := newMockPoolStore()
	offers := newMockOfferStore()
	return NewKeyPoolService(pools, offers, fakeCipher{}), pools, offers
}

func TestKeyPoolService_CreatePool(t *testing.T) {
	ctx := context.Background()
	service, _, offers := newTestKeyPoolService()

	offers.offers["offer-1"] = &domain.Offer{
		ID: "offer-1", SellerID: "seller-1", DeliveryType: domain.DeliveryTypeAutoKey,
	}

	pool, err := service.CreatePool(ctx, "seller-1", "offer-1")
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if pool.OfferID != "offer-1" || pool.SellerID != "seller-1" || !pool.Active {
		t.Errorf("unexpected pool: %+v", pool)
	}

	// 同一オファーに2つ目のプールは作れない
	if _, err := service.CreatePool(ctx, "seller-1", "offer-1"); !errors.Is(err, domain.ErrPoolExists) {
		t.Errorf("expected ErrPoolExists, got %v", err)
	}

	if _, err := service.CreatePool(ctx, "seller-1", "no-such-offer"); !errors.Is(err, domain.ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}

	if _, err := service.CreatePool(ctx, "seller-2", "offer-1"); !errors.Is(err, domain.ErrNotOfferOwner) {
		t.Errorf("expected ErrNotOfferOwner, got %v", err)
	}

	offers.offers["offer-2"] = &domain.Offer{
		ID: "offer-2", SellerID: "seller-1", DeliveryType: domain.DeliveryTypeManual,
	}
	if _, err := service.CreatePool(ctx, "seller-1", "offer-2"); !errors.Is(err, domain.ErrNotAutoDelivery) {
		t.Errorf("expected ErrNotAutoDelivery, got %v", err)
	}
}

func TestKeyPoolService_PublishOffer(t *testing.T) {
	ctx := context.Background()
	service, pools, offers := newTestKeyPoolService()

	offers.offers["offer-1"] = &domain.Offer{
		ID: "offer-1", SellerID: "seller-1", DeliveryType: domain.DeliveryTypeAutoKey,
	}

	// 在庫ゼロ・プール未作成でも公開でき、プールは自動作成される
	if err := service.PublishOffer(ctx, "seller-1", "offer-1"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	if !offers.offers["offer-1"].Published {
		t.Error("expected offer to be published")
	}
	pool, _ := pools.FindPoolByOfferID(ctx, "offer-1")
	if pool == nil {
		t.Fatal("expected pool to be auto-created for AUTO_KEY offer")
	}

	// 再公開してもプールは増えない
	if err := service.PublishOffer(ctx, "seller-1", "offer-1"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	if len(pools.pools) != 1 {
		t.Errorf("expected exactly 1 pool, got %d", len(pools.pools))
	}

	// 手動納品オファーにはプールを作らない
	offers.offers["offer-2"] = &domain.Offer{
		ID: "offer-2", SellerID: "seller-1", DeliveryType: domain.DeliveryTypeManual,
	}
	if err := service.PublishOffer(ctx, "seller-1", "offer-2"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	if len(pools.pools) != 1 {
		t.Errorf("manual offer must not get a pool, got %d pools", len(pools.pools))
	}

	if err := service.PublishOffer(ctx, "seller-2", "offer-1"); !errors.Is(err, domain.ErrNotOfferOwner) {
		t.Errorf("expected ErrNotOfferOwner, got %v", err)
	}
}

func setupUploadPool(t *testing.T, pools *mockPoolStore) *domain.KeyPool {
	t.Helper()
	pool := &domain.KeyPool{OfferID: "offer-1", SellerID: "seller-1", Active: true}
	if err := pools.CreatePool(context.Background(), pool); err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	return pool
}

func TestKeyPoolService_UploadKeys_Report(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	// 既存キーをひとつ仕込む
	if _, err := pools.BulkInsertKeys(ctx, []*domain.Key{{
		PoolID: pool.ID, Ciphertext: "enc:OLD-KEY", ContentHash: crypto.Hash("OLD-KEY"),
		Status: domain.KeyStatusAvailable,
	}}); err != nil {
		t.Fatalf("failed to seed key: %v", err)
	}

	// 前後空白はトリム、空行はinvalid、バッチ内重複と既存重複はduplicate
	report, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{
		"NEW-KEY-1",
		"  NEW-KEY-2  ",
		"",
		"   ",
		"NEW-KEY-1",
		"OLD-KEY",
	})
	if err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	if report.Added != 2 {
		t.Errorf("expected 2 added, got %d", report.Added)
	}
	if report.Duplicates != 2 {
		t.Errorf("expected 2 duplicates, got %d", report.Duplicates)
	}
	if report.Invalid != 2 {
		t.Errorf("expected 2 invalid, got %d", report.Invalid)
	}
	if report.TotalAvailable != 3 {
		t.Errorf("expected 3 available, got %d", report.TotalAvailable)
	}

	// 平文がそのまま保存されていないこと
	for _, k := range pools.keys {
		if !strings.HasPrefix(k.Ciphertext, "enc:") {
			t.Errorf("key stored without encryption: %q", k.Ciphertext)
		}
	}
}

func TestKeyPoolService_UploadKeys_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	batch := []string{"KEY-A", "KEY-B", "KEY-C"}
	first, err := service.UploadKeys(ctx, "seller-1", pool.ID, batch)
	if err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	if first.Added != 3 {
		t.Fatalf("expected 3 added on first upload, got %d", first.Added)
	}

	second, err := service.UploadKeys(ctx, "seller-1", pool.ID, batch)
	if err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	if second.Added != 0 || second.Duplicates != 3 {
		t.Errorf("expected rerun to add 0 and report 3 duplicates, got %+v", second)
	}
	if second.TotalAvailable != 3 {
		t.Errorf("expected 3 available after rerun, got %d", second.TotalAvailable)
	}
}

func TestKeyPoolService_UploadKeys_ConcurrentInsertCountedAsDuplicate(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	// 照会と挿入の間に他のアップロードが同一ハッシュを先に挿入した状況
	pools.stolenHashes[crypto.Hash("RACED-KEY")] = true

	report, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{"RACED-KEY", "SAFE-KEY"})
	if err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	if report.Added != 1 {
		t.Errorf("expected 1 added, got %d", report.Added)
	}
	if report.Duplicates != 1 {
		t.Errorf("expected race-lost insert to count as duplicate, got %d", report.Duplicates)
	}
}

func TestKeyPoolService_UploadKeys_Ownership(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	if _, err := service.UploadKeys(ctx, "seller-2", pool.ID, []string{"K"}); !errors.Is(err, domain.ErrNotPoolOwner) {
		t.Errorf("expected ErrNotPoolOwner, got %v", err)
	}
	if _, err := service.UploadKeys(ctx, "seller-1", "no-such-pool", []string{"K"}); !errors.Is(err, domain.ErrPoolNotFound) {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestKeyPoolService_ListKeys_Masking(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	if _, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{"ABCD-EFGH-1234", "AB"}); err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}

	masked, err := service.ListKeys(ctx, "seller-1", pool.ID, nil, 1, 50)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(masked) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(masked))
	}

	got := map[string]bool{}
	for _, k := range masked {
		got[k.MaskedCode] = true
		if k.Status != domain.KeyStatusAvailable {
			t.Errorf("unexpected status: %s", k.Status)
		}
	}
	if !got["**********1234"] {
		t.Errorf("expected masked long code with last 4 visible, got %v", got)
	}
	if !got["**"] {
		t.Errorf("expected short code fully masked, got %v", got)
	}
}

func TestMaskCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ABCDEFGH", "****EFGH"},
		{"ABCDE", "*BCDE"},
		{"ABCD", "****"},
		{"A", "*"},
		{"", ""},
		{"キーコード計八字", "****ド計八字"}, // マルチバイトでもルーン単位で伏せる
	}
	for _, tc := range cases {
		if got := maskCode(tc.in); got != tc.want {
			t.Errorf("maskCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestKeyPoolService_EditKey(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	if _, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{"ORIGINAL", "OTHER"}); err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	var target *domain.Key
	for _, k := range pools.keys {
		if k.ContentHash == crypto.Hash("ORIGINAL") {
			target = k
		}
	}

	if err := service.EditKey(ctx, "seller-1", pool.ID, target.ID, "  "); !errors.Is(err, domain.ErrInvalidKeyCode) {
		t.Errorf("expected ErrInvalidKeyCode, got %v", err)
	}
	if err := service.EditKey(ctx, "seller-1", pool.ID, "no-such-key", "X"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	// 他のキーと同じコードへの変更は拒否
	if err := service.EditKey(ctx, "seller-1", pool.ID, target.ID, "OTHER"); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	// 同一コードの再設定は重複扱いしない（再暗号化のみ）
	if err := service.EditKey(ctx, "seller-1", pool.ID, target.ID, "ORIGINAL"); err != nil {
		t.Errorf("re-saving the same code must succeed, got %v", err)
	}

	if err := service.EditKey(ctx, "seller-1", pool.ID, target.ID, "CORRECTED"); err != nil {
		t.Fatalf("EditKey failed: %v", err)
	}
	if target.ContentHash != crypto.Hash("CORRECTED") {
		t.Error("expected content hash to be updated")
	}

	// DELIVEREDのキーは書き換え不可
	target.Status = domain.KeyStatusDelivered
	if err := service.EditKey(ctx, "seller-1", pool.ID, target.ID, "AGAIN"); !errors.Is(err, domain.ErrKeyNotEditable) {
		t.Errorf("expected ErrKeyNotEditable, got %v", err)
	}
}

func TestKeyPoolService_RevealKey(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	if _, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{"SECRET-CODE"}); err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	keyID := pools.keys[0].ID

	code, err := service.RevealKey(ctx, "seller-1", pool.ID, keyID)
	if err != nil {
		t.Fatalf("RevealKey failed: %v", err)
	}
	if code != "SECRET-CODE" {
		t.Errorf("expected plaintext, got %q", code)
	}

	// INVALIDのキーも開示できる（破棄前の確認用）
	pools.keys[0].Status = domain.KeyStatusInvalid
	if _, err := service.RevealKey(ctx, "seller-1", pool.ID, keyID); err != nil {
		t.Errorf("expected INVALID key to be revealable, got %v", err)
	}

	// 購入者に渡った（渡る予定の）キーは開示不可
	for _, status := range []domain.KeyStatus{domain.KeyStatusReserved, domain.KeyStatusDelivered} {
		pools.keys[0].Status = status
		if _, err := service.RevealKey(ctx, "seller-1", pool.ID, keyID); !errors.Is(err, domain.ErrKeyNotRevealable) {
			t.Errorf("expected ErrKeyNotRevealable for %s key, got %v", status, err)
		}
	}

	// 暗号文の破損は完全性エラーとして伝搬する
	pools.keys[0].Status = domain.KeyStatusAvailable
	pools.keys[0].Ciphertext = "corrupted"
	if _, err := service.RevealKey(ctx, "seller-1", pool.ID, keyID); !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestKeyPoolService_InvalidateKey(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	if _, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{"TO-INVALIDATE"}); err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	keyID := pools.keys[0].ID

	if err := service.InvalidateKey(ctx, "seller-1", pool.ID, keyID); err != nil {
		t.Fatalf("InvalidateKey failed: %v", err)
	}
	if pools.keys[0].Status != domain.KeyStatusInvalid {
		t.Errorf("expected INVALID, got %s", pools.keys[0].Status)
	}

	// 既にINVALIDなので再実行は不発
	if err := service.InvalidateKey(ctx, "seller-1", pool.ID, keyID); !errors.Is(err, domain.ErrKeyNotEditable) {
		t.Errorf("expected ErrKeyNotEditable, got %v", err)
	}

	if err := service.InvalidateKey(ctx, "seller-1", pool.ID, "no-such-key"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyPoolService_GetCounts(t *testing.T) {
	ctx := context.Background()
	service, pools, _ := newTestKeyPoolService()
	pool := setupUploadPool(t, pools)

	if _, err := service.UploadKeys(ctx, "seller-1", pool.ID, []string{"A1", "A2", "A3"}); err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	pools.keys[0].Status = domain.KeyStatusDelivered
	pools.keys[1].Status = domain.KeyStatusInvalid

	counts, err := service.GetCounts(ctx, "seller-1", pool.ID)
	if err != nil {
		t.Fatalf("GetCounts failed: %v", err)
	}
	if counts.Available != 1 || counts.Delivered != 1 || counts.Invalid != 1 || counts.Total != 3 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	if _, err := service.GetCounts(ctx, "seller-2", pool.ID); !errors.Is(err, domain.ErrNotPoolOwner) {
		t.Errorf("expected ErrNotPoolOwner, got %v", err)
	}
}
