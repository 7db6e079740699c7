// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog はレジストリ・鍵操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, agentID string, result string) {
	slog.InfoContext(ctx, "admin operation completed",
		"operation", operation,
		"agent_id", agentID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
