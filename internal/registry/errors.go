package registry

import (
	"errors"
	"fmt"
)

// Error 包裝註冊中心相關錯誤
type Error struct {
	Op       string // register, heartbeat, deregister
	Instance string
	Code     int // HTTP 狀態碼，連線錯誤時為 0
	Err      error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("registry %s failed for %s: %v (status: %d)", e.Op, e.Instance, e.Err, e.Code)
	}
	return fmt.Sprintf("registry %s failed for %s: %v", e.Op, e.Instance, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrNotRegistered    = errors.New("instance not registered")
)

// Temporary 是否值得重試：連線錯誤或 5xx
func (e *Error) Temporary() bool {
	return e.Code == 0 || e.Code >= 500
}
