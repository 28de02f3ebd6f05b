// Package bizerr 定义对调用方可见的业务错误码。
package bizerr

import (
	"errors"
	"fmt"
)

// Error 是带业务码的错误。Code >= 1000 为业务失败，其余与 HTTP 状态码一致。
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Msg)
}

func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

var (
	ErrInsufficientStock   = New(1001, "insufficient stock")
	ErrDuplicateSubmission = New(1002, "duplicate submission, please retry later")
	ErrOrderStateMismatch  = New(1003, "order state does not allow this operation")
	ErrTimeoutExpired      = New(1004, "payment window expired")
	ErrCouponUnavailable   = New(1005, "coupon unavailable")
	ErrSeckillNotActive    = New(1006, "seckill is not active")
	ErrAlreadyPurchased    = New(1007, "already purchased")

	ErrValidation   = New(400, "invalid request")
	ErrUnauthorized = New(401, "missing user identity")
	ErrNotFound     = New(404, "resource not found")

	// ErrVersionConflict 乐观锁冲突，只在内部流转，不会透出给调用方。
	ErrVersionConflict = New(409, "version conflict")
)

// Validation 返回一个可被 errors.Is(err, ErrValidation) 识别的具体校验错误。
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CodeOf 提取错误链上的业务错误。
func CodeOf(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
