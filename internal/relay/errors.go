package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMissingGroupID   = errors.New("missing group id")
	ErrMissingMessageID = errors.New("missing message id")
	ErrMissingUserID    = errors.New("missing user id")
)

// ack 中返回给客户端的固定错误文案。
const (
	errMissingGroup = "Missing group ID"
	errNotSaved     = "Message not saved"
	errNotUpdated   = "Message not updated"
	errNotDeleted   = "Message not deleted"
)

// ValidationError 表示入站事件载荷不合法，不会触达存储。
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid payload: %s", strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("invalid payload: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError 包装存储失败，Op 为失败的写操作。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// newValidationError 将 validator 的字段错误转换为可读的字段列表。
func newValidationError(err error) *ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Err: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" is "+fe.Tag())
	}
	first := verrs[0].Field()
	var sentinel error = err
	switch first {
	case "group_id", "grpId":
		sentinel = ErrMissingGroupID
	case "message_id":
		sentinel = ErrMissingMessageID
	case "userId", "user_id":
		sentinel = ErrMissingUserID
	}
	return &ValidationError{Fields: fields, Err: sentinel}
}
