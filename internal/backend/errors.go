package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Business error codes returned by the messaging API.
const (
	CodeInternal         = 1002
	CodeTooManyRequests  = 1006
	CodeNotGroupMember   = 3003
	CodeMessageNotFound  = 4001
	CodeMessageDuplicate = 4002
)

// Error is a response the server actively produced: a non-2xx status or a
// 2xx body with a non-zero business code.
type Error struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("backend: status %d, code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Msg)
}

// IsPermanent reports whether retrying the request cannot help. Transport
// failures, 408, 429 and 5xx are transient whatever the body says, as are the
// internal and rate-limit business codes. Any other server rejection is
// permanent.
func IsPermanent(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return false
	case e.Status >= 500:
		return false
	}
	switch e.Code {
	case 0:
	case CodeInternal, CodeTooManyRequests:
		return false
	default:
		return true
	}
	return e.Status >= 400
}

// IsDuplicate reports whether the server already has a message with the
// same correlation id.
func IsDuplicate(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeMessageDuplicate
}

// IsNotFound reports whether the target group or message does not exist.
func IsNotFound(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == CodeMessageNotFound || (e.Code == 0 && e.Status == http.StatusNotFound)
}
