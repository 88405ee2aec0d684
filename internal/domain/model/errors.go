package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示引用的案件/证据/报告不存在。
	ErrNotFound = errors.New("not found")
	// ErrValidation 表示创建或更新时缺少必填字段或取值非法。
	ErrValidation = errors.New("validation failed")
	// ErrConflict 表示并发修改导致版本号不匹配。
	ErrConflict = errors.New("version conflict")
)

// ValidationError 携带出错字段，errors.Is(err, ErrValidation) 为 true。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid 构造字段校验错误。
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFound 构造带实体类型与 ID 的 not found 错误。
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
