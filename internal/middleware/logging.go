// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog はセキュリティ監査ログを出力する。キーの開示・納品・
// 整合性エラーなど、追跡が必要な操作は必ずここを通す。
func WriteAuditLog(ctx context.Context, operation, actorID, entityID, result string) {
	slog.InfoContext(ctx, "sensitive operation completed",
		"operation", operation,
		"actor_id", actorID,
		"entity_id", entityID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
