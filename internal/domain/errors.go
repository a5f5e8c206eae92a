package domain

import "errors"

var (
	// ErrPoolNotFound は指定されたキープールが存在しない場合のエラー。
	ErrPoolNotFound = errors.New("key pool not found")

	// ErrPoolExists は対象オファーに既にキープールが存在する場合のエラー。
	ErrPoolExists = errors.New("key pool already exists for this offer")

	// ErrNotPoolOwner は呼び出し元がプールの所有販売者でない場合のエラー。
	ErrNotPoolOwner = errors.New("caller does not own this key pool")

	// ErrNotAutoDelivery はオファーの納品方式が自動納品でない場合のエラー。
	ErrNotAutoDelivery = errors.New("offer delivery type is not auto key")

	// ErrKeyNotFound は指定されたキーがプール内に存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrDuplicateKey は新しいコードのハッシュが既存キーと衝突する場合のエラー。
	ErrDuplicateKey = errors.New("key code already exists")

	// ErrInvalidKeyCode はトリム後に空になるキーコードのエラー。
	ErrInvalidKeyCode = errors.New("key code is empty")

	// ErrKeyNotEditable はAVAILABLE以外のキーを編集・無効化しようとした場合のエラー。
	ErrKeyNotEditable = errors.New("key is not in an editable state")

	// ErrKeyNotRevealable はRESERVED/DELIVERED状態のキーを開示しようとした場合のエラー。
	ErrKeyNotRevealable = errors.New("key is not in a revealable state")

	// ErrOfferNotFound は指定されたオファーが存在しない場合のエラー。
	ErrOfferNotFound = errors.New("offer not found")

	// ErrNotOfferOwner は呼び出し元がオファーの所有販売者でない場合のエラー。
	ErrNotOfferOwner = errors.New("caller does not own this offer")

	// ErrOfferNotPublished は未公開オファーに対する注文作成のエラー。
	ErrOfferNotPublished = errors.New("offer is not published")

	// ErrOrderNotFound は指定された注文が存在しない場合のエラー。
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotOrderBuyer は呼び出し元が注文の購入者でない場合のエラー。
	ErrNotOrderBuyer = errors.New("caller is not the buyer of this order")

	// ErrOrderNotPayable はPAID以外の注文を納品、またはPENDING以外の注文を
	// 支払い済みにしようとした場合のエラー。
	ErrOrderNotPayable = errors.New("order is not in a payable state")

	// ErrOrderNotFulfilled は納品前の注文の納品物を取得しようとした場合のエラー。
	ErrOrderNotFulfilled = errors.New("order has not been fulfilled")

	// ErrOutOfStock はプールに割当可能なキーが残っていない場合のエラー。
	// 注文はPAIDのまま残り、在庫補充後に再試行できる。
	ErrOutOfStock = errors.New("no available key in pool")

	// ErrIntegrity は暗号エンベロープの破損または認証タグ検証失敗のエラー。
	// セキュリティインシデントとして扱い、必ずログに残す。
	ErrIntegrity = errors.New("ciphertext integrity check failed")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
