package types

import (
	"errors"
	"fmt"
)

// ErrorCode 最佳化錯誤代碼
type ErrorCode string

const (
	CodeAlgorithmNotFound ErrorCode = "ALGORITHM_NOT_FOUND"
	CodeInvalidSchedule   ErrorCode = "INVALID_SCHEDULE"
	CodeCancelledByUser   ErrorCode = "CANCELLED_BY_USER"
	CodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	CodeTimeLimitExceeded ErrorCode = "TIME_LIMIT_EXCEEDED"
	CodeStorageFailed     ErrorCode = "STORAGE_FAILED"
	CodeJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	CodeVersionNotFound   ErrorCode = "VERSION_NOT_FOUND"
	CodeLockConflict      ErrorCode = "LOCK_CONFLICT"
	CodeLockNotFound      ErrorCode = "LOCK_NOT_FOUND"
)

// OptimizationError 跨越非同步邊界回報給呼叫者的結構化錯誤
type OptimizationError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Details     string    `json:"details,omitempty"`
	Recoverable bool      `json:"recoverable"`
}

func (e *OptimizationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError 建立結構化錯誤
func NewError(code ErrorCode, message string) *OptimizationError {
	return &OptimizationError{Code: code, Message: message}
}

// WrapError 以指定代碼包裝底層錯誤，原始訊息保留在 Details
func WrapError(code ErrorCode, message string, cause error) *OptimizationError {
	e := &OptimizationError{Code: code, Message: message}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// AsOptimizationError 取出錯誤鏈中的 OptimizationError；沒有時以 fallback 代碼包裝
func AsOptimizationError(err error, fallback ErrorCode) *OptimizationError {
	if err == nil {
		return nil
	}
	var oe *OptimizationError
	if errors.As(err, &oe) {
		return oe
	}
	return &OptimizationError{Code: fallback, Message: err.Error()}
}
