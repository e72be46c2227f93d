// Package identity 提供帳號註冊、登入與連線 token
//
// 密碼以 bcrypt（含鹽）雜湊保存；登入成功後簽發 HS256 JWT，
// WebSocket 連線時以 token 的 subject 作為玩家 ID。
//
// 帳號可存在本機 YAML 檔（單機）或 Redis（多實例共享）。
package identity

import (
	"context"
	"time"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

// 預定義錯誤
var (
	ErrUserExists         = apperrors.New(apperrors.ErrCodeAlreadyExists, "user already exists")
	ErrUserNotFound       = apperrors.New(apperrors.ErrCodeNotFound, "user not found")
	ErrBadPassword        = apperrors.New(apperrors.ErrCodeUnauthorized, "wrong password")
	ErrInvalidToken       = apperrors.New(apperrors.ErrCodeUnauthorized, "invalid token")
	ErrInvalidCredentials = apperrors.New(apperrors.ErrCodeInvalidInput, "username and password are required")
)

// Credential 一筆帳號紀錄
type Credential struct {
	UserID       string    `yaml:"user_id" json:"userId"`
	Username     string    `yaml:"username" json:"username"`
	PasswordHash string    `yaml:"password_hash" json:"passwordHash"`
	CreatedAt    time.Time `yaml:"created_at" json:"createdAt"`
}

// Store 帳號儲存
//
// Create 必須是原子的「不存在才寫入」，已存在時回傳 ErrUserExists。
type Store interface {
	Get(ctx context.Context, username string) (Credential, error)
	Create(ctx context.Context, cred Credential) error
}
