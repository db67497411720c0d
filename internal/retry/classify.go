package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ClassifyError maps transport failures to a retry reason.
func ClassifyError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "dial", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "reset", true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "eof", true
	}
	return "", false
}

func ClassifyStatus(status int, policy Policy) (string, bool) {
	if !policy.RetryOnStatus[status] {
		return "", false
	}
	return fmt.Sprintf("status_%d", status), true
}
