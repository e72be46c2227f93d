// Package errors 提供應用程式錯誤處理
//
// 所有核心操作（房間、陣營、行動、聊天）回傳 *AppError，
// 由傳輸層轉換成只發給請求者的通知事件，不會跨元件拋出。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 房間、資源點或玩家不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeForbidden 非房主執行房主專屬操作
	ErrCodeForbidden = "FORBIDDEN"
	// ErrCodeCapacityExceeded 房間或陣營已滿
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	// ErrCodeInsufficientResource 士兵、間諜或糧食不足
	ErrCodeInsufficientResource = "INSUFFICIENT_RESOURCE"
	// ErrCodePreconditionFailed 房間不在所需的生命週期狀態
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeUnauthorized 身分驗證失敗
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeRateLimited 請求過於頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 錯誤碼與訊息都相同才視為同一錯誤，
// 需要只比對分類時請用 IsXxx 系列函式。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本
//
// 預定義錯誤是共享的，不能就地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrRoomNotFound   = New(ErrCodeNotFound, "room not found")
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")
	ErrNodeNotFound   = New(ErrCodeNotFound, "resource node not found")

	ErrNotOwner = New(ErrCodeForbidden, "only the room owner can do this")

	ErrRoomFull           = New(ErrCodeCapacityExceeded, "room is full")
	ErrFactionFull        = New(ErrCodeCapacityExceeded, "faction is full")
	ErrCodeSpaceExhausted = New(ErrCodeCapacityExceeded, "no free room code")

	ErrInsufficientSoldiers = New(ErrCodeInsufficientResource, "not enough soldiers")
	ErrInsufficientSpies    = New(ErrCodeInsufficientResource, "no spies available")
	ErrInsufficientFood     = New(ErrCodeInsufficientResource, "not enough food")

	ErrNotEnoughPlayers = New(ErrCodePreconditionFailed, "not enough players to start")
	ErrRoomNotWaiting   = New(ErrCodePreconditionFailed, "room is not waiting")
	ErrGameNotRunning   = New(ErrCodePreconditionFailed, "game is not running")
	ErrRoomClosed       = New(ErrCodePreconditionFailed, "room is closed")

	ErrUnknownAction  = New(ErrCodeInvalidInput, "unknown action")
	ErrUnknownUnit    = New(ErrCodeInvalidInput, "unknown unit kind")
	ErrUnknownChannel = New(ErrCodeInvalidInput, "unknown chat channel")
	ErrInvalidUnits   = New(ErrCodeInvalidInput, "unit count must be positive")
	ErrInvalidFaction = New(ErrCodeInvalidInput, "faction id is required")

	ErrRateLimited = New(ErrCodeRateLimited, "too many requests")
)

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsForbidden 檢查是否為權限錯誤
func IsForbidden(err error) bool {
	return hasCode(err, ErrCodeForbidden)
}

// IsCapacityExceeded 檢查是否為容量超限錯誤
func IsCapacityExceeded(err error) bool {
	return hasCode(err, ErrCodeCapacityExceeded)
}

// IsInsufficientResource 檢查是否為資源不足錯誤
func IsInsufficientResource(err error) bool {
	return hasCode(err, ErrCodeInsufficientResource)
}

// IsPreconditionFailed 檢查是否為狀態前置條件錯誤
func IsPreconditionFailed(err error) bool {
	return hasCode(err, ErrCodePreconditionFailed)
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

// IsUnauthorized 檢查是否為身分驗證錯誤
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool {
	return hasCode(err, ErrCodeRateLimited)
}
