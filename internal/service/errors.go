package service

import "errors"

// 持久层错误，router 与 handler 根据错误类型映射到 ack 或 HTTP 状态码。
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageDeleted   = errors.New("message already deleted")
	ErrDuplicateMessage = errors.New("message id already exists")
	ErrTokenNotFound    = errors.New("notification token not found")
)
