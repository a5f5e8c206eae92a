package infra

import (
	"context"
	"encoding/base64"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/KouroshBhl/market-sub000/config"
)

// UnwrapMasterSecret はCloud KMSでラップされた運用者シークレットを復号して返す。
// KMS_WRAPPED_SECRET はKMSで暗号化したシークレットのbase64文字列。
// 復号結果がマスターキー導出（argon2id）の入力になる。
func UnwrapMasterSecret(ctx context.Context, cfg *config.Config) (string, error) {
	wrapped, err := base64.StdEncoding.DecodeString(cfg.KMSWrappedSecret)
	if err != nil {
		return "", fmt.Errorf("decoding wrapped secret: %w", err)
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating KMS client: %w", err)
	}
	defer client.Close()

	resp, err := client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       cfg.KMSKeyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return "", fmt.Errorf("unwrapping master secret: %w", err)
	}

	return string(resp.Plaintext), nil
}
