// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL   string
	sellerID string
	buyerID  string
	output   string
	timeout  time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketctl",
		Short: "Marketplace Fulfillment Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("MARKETCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set MARKETCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&sellerID, "seller", "", "Seller ID (sent as X-Seller-ID)")
	rootCmd.PersistentFlags().StringVar(&buyerID, "buyer", "", "Buyer ID (sent as X-Buyer-ID)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(countsCmd())
	rootCmd.AddCommand(revealCmd())
	rootCmd.AddCommand(fulfillCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("marketctl version %s\n", version)
		},
	}
}

// doRequest は共通のリクエスト処理を行う。
func doRequest(method, url string, body io.Reader, wantStatus int) ([]byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sellerID != "" {
		req.Header.Set("X-Seller-ID", sellerID)
	}
	if buyerID != "" {
		req.Header.Set("X-Buyer-ID", buyerID)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// uploadCmd はキーの一括登録コマンド。1行1キーのファイルを読み込む。
func uploadCmd() *cobra.Command {
	var poolID string
	var filePath string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload keys to a pool from a file (one key per line)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set MARKETCTL_API_URL)")
			}
			if sellerID == "" {
				return fmt.Errorf("--seller is required")
			}

			content, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("reading key file: %w", err)
			}
			keys := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

			payload, err := json.Marshal(map[string][]string{"keys": keys})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/pools/%s/keys", apiURL, poolID)
			body, err := doRequest(http.MethodPost, url, bytes.NewReader(payload), http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Added          int   `json:"added"`
					Duplicates     int   `json:"duplicates"`
					Invalid        int   `json:"invalid"`
					TotalAvailable int64 `json:"total_available"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Added %d key(s) (%d duplicate, %d invalid). Pool now has %d available.\n",
					result.Added, result.Duplicates, result.Invalid, result.TotalAvailable)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&poolID, "pool", "", "Key pool ID (required)")
	cmd.Flags().StringVar(&filePath, "file", "", "Path to key file (required)")
	cmd.MarkFlagRequired("pool")
	cmd.MarkFlagRequired("file")
	return cmd
}

// countsCmd はプールのステータス別集計コマンド。
func countsCmd() *cobra.Command {
	var poolID string
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Show key counts for a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set MARKETCTL_API_URL)")
			}
			if sellerID == "" {
				return fmt.Errorf("--seller is required")
			}

			url := fmt.Sprintf("%s/v1/pools/%s/keys/counts", apiURL, poolID)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Available int64 `json:"available"`
					Reserved  int64 `json:"reserved"`
					Delivered int64 `json:"delivered"`
					Invalid   int64 `json:"invalid"`
					Total     int64 `json:"total"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("%-12s %d\n", "AVAILABLE", result.Available)
				fmt.Printf("%-12s %d\n", "RESERVED", result.Reserved)
				fmt.Printf("%-12s %d\n", "DELIVERED", result.Delivered)
				fmt.Printf("%-12s %d\n", "INVALID", result.Invalid)
				fmt.Printf("%-12s %d\n", "TOTAL", result.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&poolID, "pool", "", "Key pool ID (required)")
	cmd.MarkFlagRequired("pool")
	return cmd
}

// revealCmd はキーの平文開示コマンド。サーバー側で監査ログに記録される。
func revealCmd() *cobra.Command {
	var poolID string
	var keyID string
	cmd := &cobra.Command{
		Use:   "reveal",
		Short: "Reveal the plaintext of an available or invalid key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set MARKETCTL_API_URL)")
			}
			if sellerID == "" {
				return fmt.Errorf("--seller is required")
			}

			url := fmt.Sprintf("%s/v1/pools/%s/keys/%s/reveal", apiURL, poolID, keyID)
			body, err := doRequest(http.MethodPost, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]string
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Println(result["code"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&poolID, "pool", "", "Key pool ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("pool")
	cmd.MarkFlagRequired("key")
	return cmd
}

// fulfillCmd は注文の納品コマンド。冪等であり再実行しても安全。
func fulfillCmd() *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "fulfill",
		Short: "Fulfill a paid order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set MARKETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/orders/%s/fulfill", apiURL, orderID)
			body, err := doRequest(http.MethodPost, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					OrderID          string `json:"order_id"`
					DeliveryType     string `json:"delivery_type"`
					Value            string `json:"value"`
					AlreadyFulfilled bool   `json:"already_fulfilled"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				if result.AlreadyFulfilled {
					fmt.Printf("Order %q was already fulfilled.\n", result.OrderID)
				} else {
					fmt.Printf("Fulfilled order %q (%s).\n", result.OrderID, result.DeliveryType)
				}
				fmt.Println(result.Value)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "Order ID (required)")
	cmd.MarkFlagRequired("order")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
