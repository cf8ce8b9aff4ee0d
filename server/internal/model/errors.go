package model

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionCompleted   = errors.New("session already completed")
	ErrNoHistoryToUndo    = errors.New("no history to undo")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientTopics = errors.New("insufficient topics")
	// ErrFollowupUnavailable 只在引擎内部流转，触发预设追问兜底，不会返回给调用方。
	ErrFollowupUnavailable = errors.New("followup source unavailable")
	ErrStorage             = errors.New("storage failure")
)

// StorageError 包装持久化失败，errors.Is(err, ErrStorage) 为真。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InvalidInputf 生成一个可被 errors.Is(err, ErrInvalidInput) 识别的错误。
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// 对外暴露的错误码，HTTP 与 WebSocket 共用。
const (
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionCompleted   = "SESSION_COMPLETED"
	CodeNoHistoryToUndo    = "NO_HISTORY_TO_UNDO"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInsufficientTopics = "INSUFFICIENT_TOPICS"
	CodeStorageFailure     = "STORAGE_FAILURE"
	CodeInternal           = "INTERNAL"
)

// Code 把错误映射为稳定的错误码。
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionCompleted):
		return CodeSessionCompleted
	case errors.Is(err, ErrNoHistoryToUndo):
		return CodeNoHistoryToUndo
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrInsufficientTopics):
		return CodeInsufficientTopics
	case errors.Is(err, ErrStorage):
		return CodeStorageFailure
	default:
		return CodeInternal
	}
}
