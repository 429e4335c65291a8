package hostd

import (
	"errors"
	"io"
	"net"
	"os"
)

var (
	ErrDaemonProbeTimeout = errors.New("hostd: daemon probe timed out")
)

// IsConnectionError reports whether an error indicates the daemon connection
// is unavailable, as opposed to a request-level failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if os.IsNotExist(err) {
		return true
	}
	return false
}
