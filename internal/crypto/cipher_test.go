package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/KouroshBhl/market-sub000/internal/domain"
)

// テスト全体で共有するCipher。マスターキー導出はメモリハードなため
// 一度だけ実行する。
var testCipher *Cipher

func TestMain(m *testing.M) {
	c, err := New("test-secret")
	if err != nil {
		panic(err)
	}
	testCipher = c
	m.Run()
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintexts := []string{
		"GAME-KEY-0001",
		"a",
		"キー に 空白 と 日本語",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range plaintexts {
		envelope, err := testCipher.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if strings.Contains(envelope, plaintext) {
			t.Error("envelope must not contain the plaintext")
		}
		if parts := strings.Split(envelope, "."); len(parts) != 3 {
			t.Errorf("expected 3-part envelope, got %d parts", len(parts))
		}

		got, err := testCipher.Decrypt(envelope)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	// 同じ平文でも呼び出しごとに異なるエンベロープになること
	first, err := testCipher.Encrypt("SAME-PLAINTEXT")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := testCipher.Encrypt("SAME-PLAINTEXT")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if first == second {
		t.Error("expected distinct envelopes for repeated encryption of the same plaintext")
	}
}

func TestDecryptRejectsTamperedEnvelope(t *testing.T) {
	envelope, err := testCipher.Encrypt("TAMPER-TARGET")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// 暗号文部分の1文字を差し替える
	parts := strings.Split(envelope, ".")
	ct := []byte(parts[2])
	if ct[0] == 'A' {
		ct[0] = 'B'
	} else {
		ct[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(ct)

	_, err = testCipher.Decrypt(tampered)
	if !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for tampered ciphertext, got %v", err)
	}
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	cases := []struct {
		name     string
		envelope string
	}{
		{"empty", ""},
		{"missing parts", "only-one-part"},
		{"two parts", "abc.def"},
		{"four parts", "a.b.c.d"},
		{"invalid base64", "!!!.###.$$$"},
		{"wrong nonce size", "YWJj.YWJjZGVmZ2hpamtsbW5vcA.YWJj"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := testCipher.Decrypt(tc.envelope)
			if !errors.Is(err, domain.ErrIntegrity) {
				t.Errorf("expected ErrIntegrity, got %v", err)
			}
		})
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	other, err := New("another-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	envelope, err := testCipher.Encrypt("CROSS-KEY")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := other.Decrypt(envelope); !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity when decrypting with a different key, got %v", err)
	}
}

func TestNewWithEmptySecretFallsBackToDevDefault(t *testing.T) {
	// シークレット未設定でも起動は継続する（警告ログのみ）
	c, err := New("")
	if err != nil {
		t.Fatalf("New with empty secret failed: %v", err)
	}

	envelope, err := c.Encrypt("DEV-MODE-KEY")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	got, err := c.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != "DEV-MODE-KEY" {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestHashIsDeterministicAndCaseSensitive(t *testing.T) {
	if Hash("ABC-123") != Hash("ABC-123") {
		t.Error("hash of identical input must be identical")
	}
	if Hash("ABC-123") == Hash("abc-123") {
		t.Error("hash must distinguish letter case")
	}
	if len(Hash("x")) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(Hash("x")))
	}
}
