package broker

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrNotConnected 表示网关尚未建立连接。
	ErrNotConnected = errors.New("broker not connected")
	// ErrOrderNotFound 表示委托在券商侧已不存在（已成交或已撤销）。
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected 表示委托被券商拒绝（保证金不足等）。
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientMargin 表示 what-if 校验判定保证金不足。
	ErrInsufficientMargin = errors.New("insufficient margin")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrInsufficientMargin) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "too many requests", "rate limit", "connection reset", "temporarily unavailable", "502", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsGone 判断错误是否表示委托已在券商侧消失。
// 对已消失委托的撤单按成功处理，而非错误。
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"order not found", "already filled", "already canceled", "already cancelled", "404"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
