package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試依錯誤碼比對
func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("assign role: %w", apperrors.ErrFactionFull)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrFactionFull))
	// 同分類不同錯誤不應互相匹配
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrRoomFull))
	assert.True(t, apperrors.IsCapacityExceeded(wrapped))
}

// TestAppError_WithDetailsDoesNotMutateShared WithDetails 不修改共用的錯誤值
func TestAppError_WithDetailsDoesNotMutateShared(t *testing.T) {
	detailed := apperrors.ErrNodeNotFound.WithDetails("node-42")

	assert.Equal(t, "node-42", detailed.Details)
	assert.Empty(t, apperrors.ErrNodeNotFound.Details)
	assert.True(t, stderrors.Is(detailed, apperrors.ErrNodeNotFound))
}

// TestCodeOf 測試取出錯誤碼
func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", apperrors.ErrRoomNotFound, apperrors.ErrCodeNotFound},
		{"forbidden", apperrors.ErrNotOwner, apperrors.ErrCodeForbidden},
		{"wrapped", fmt.Errorf("x: %w", apperrors.ErrInsufficientFood), apperrors.ErrCodeInsufficientResource},
		{"rate limited", apperrors.ErrRateLimited, apperrors.ErrCodeRateLimited},
		{"plain error", stderrors.New("boom"), apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.CodeOf(tt.err))
		})
	}
}

// TestAppError_ErrorString 測試錯誤訊息格式
func TestAppError_ErrorString(t *testing.T) {
	err := apperrors.Wrap(stderrors.New("disk full"), apperrors.ErrCodeInternal, "save credentials")
	assert.Equal(t, "[INTERNAL_ERROR] save credentials: disk full", err.Error())
	assert.Equal(t, "[NOT_FOUND] room not found", apperrors.ErrRoomNotFound.Error())
}
