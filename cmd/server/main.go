// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/KouroshBhl/market-sub000/config"
	"github.com/KouroshBhl/market-sub000/internal/crypto"
	"github.com/KouroshBhl/market-sub000/internal/handler"
	"github.com/KouroshBhl/market-sub000/internal/infra"
	"github.com/KouroshBhl/market-sub000/internal/repository"
	"github.com/KouroshBhl/market-sub000/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// マスターシークレットの決定。KMSが設定されていればラップ済み
	// シークレットを復号し、なければ環境変数の値を使う
	secret := cfg.KeyEncryptionSecret
	if cfg.KMSKeyName != "" && cfg.KMSWrappedSecret != "" {
		secret, err = infra.UnwrapMasterSecret(ctx, cfg)
		if err != nil {
			slog.Error("failed to unwrap master secret", "error", err)
			os.Exit(1)
		}
	}

	cipher, err := crypto.New(secret)
	if err != nil {
		slog.Error("failed to init cipher", "error", err)
		os.Exit(1)
	}

	// DI
	poolRepo := repository.NewKeyPoolRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	poolService := usecase.NewKeyPoolService(poolRepo, orderRepo, cipher)
	fulfillService := usecase.NewFulfillmentService(db, poolRepo, orderRepo, cipher)
	router := handler.NewRouter(
		handler.NewKeyPoolHandler(poolService),
		handler.NewOrderHandler(fulfillService),
	)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: otelhttp.NewHandler(router, "market-fulfillment"),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
