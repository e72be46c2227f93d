// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// RoomIDKey 房間 ID 的上下文鍵
	RoomIDKey contextKey = "room_id"
	// PlayerIDKey 玩家 ID 的上下文鍵
	PlayerIDKey contextKey = "player_id"
	// ConnIDKey 連接 ID 的上下文鍵
	ConnIDKey contextKey = "conn_id"
)

// New 建立日誌記錄器
//
// format 為 "json" 時輸出 JSON，其餘一律使用文字格式。
// debug 級別會附帶源碼位置。
func New(level, format string, output io.Writer) *slog.Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRoom 在上下文中記錄房間 ID
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithPlayer 在上下文中記錄玩家 ID
func WithPlayer(ctx context.Context, playerID string) context.Context {
	return context.WithValue(ctx, PlayerIDKey, playerID)
}

// WithConn 在上下文中記錄連接 ID
func WithConn(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{ConnIDKey, PlayerIDKey, RoomIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留上下文處理器包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留上下文處理器包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}
