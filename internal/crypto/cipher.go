// Package crypto はキーの保存時暗号化と重複検出用ハッシュを提供する。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/KouroshBhl/market-sub000/internal/domain"
)

const (
	masterKeySize = 32 // AES-256
	nonceSize     = 12
	tagSize       = 16

	// devSecret は開発用のデフォルトシークレット。本番環境では必ず
	// KEY_ENCRYPTION_SECRET を設定すること。
	devSecret = "dev-only-insecure-secret"
)

// argon2idのパラメータ。マスターキー導出は起動時の一度きりなので
// メモリハードな設定でよい。
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// kdfSalt はマスターキー導出用の固定ソルト。シークレットごとに同一の
// マスターキーを再現するため固定値とする。
var kdfSalt = []byte("market-sub000/key-encryption/v1")

// Cipher はAES-256-GCMによる暗号化・復号とSHA-256ハッシュを提供する。
// マスターキーは起動時に一度導出され、以後読み取り専用。
type Cipher struct {
	aead cipher.AEAD
}

// New は運用者シークレットからマスターキーを導出してCipherを生成する。
// シークレットが空の場合は開発用デフォルトを使用し、警告ログを出力する。
func New(secret string) (*Cipher, error) {
	if secret == "" {
		slog.Warn("KEY_ENCRYPTION_SECRET is not set, using insecure development default; never run this configuration in production")
		secret = devSecret
	}

	masterKey := argon2.IDKey([]byte(secret), kdfSalt, kdfTime, kdfMemory, kdfThreads, masterKeySize)

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt は平文を暗号化し、nonce・認証タグ・暗号文の3要素を
// base64で連結したエンベロープ文字列を返す。nonceは呼び出しごとに新規生成する。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	// Sealは暗号文の末尾に認証タグを付加する
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.RawStdEncoding
	return enc.EncodeToString(nonce) + "." + enc.EncodeToString(tag) + "." + enc.EncodeToString(ciphertext), nil
}

// Decrypt はエンベロープ文字列を復号する。エンベロープが不正、または
// 認証タグの検証に失敗した場合はdomain.ErrIntegrityを返す。
func (c *Cipher) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed envelope", domain.ErrIntegrity)
	}

	enc := base64.RawStdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: malformed nonce", domain.ErrIntegrity)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: malformed auth tag", domain.ErrIntegrity)
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", domain.ErrIntegrity)
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrIntegrity)
	}
	return string(plaintext), nil
}

// Hash は重複検出用の決定的ハッシュを返す。大文字小文字を区別する。
// 一方向ダイジェストであり平文の復元には使用できない。
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
