//go:build !windows

package hostd

import (
	"os"
	"path/filepath"

	"github.com/renkert/termhostd/internal/appdirs"
)

const (
	socketEnv = "TERMHOSTD_SOCKET"
	pidEnv    = "TERMHOSTD_PID_FILE"
	tokenEnv  = "TERMHOSTD_TOKEN_FILE"
)

// DefaultSocketPath returns the default unix socket path.
func DefaultSocketPath() (string, error) {
	if path := os.Getenv(socketEnv); path != "" {
		return path, nil
	}
	dir, err := appdirs.RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// DefaultPidPath returns the default pid file path.
func DefaultPidPath() (string, error) {
	if path := os.Getenv(pidEnv); path != "" {
		return path, nil
	}
	dir, err := appdirs.RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}

// DefaultTokenPath returns the default auth token file path.
func DefaultTokenPath() (string, error) {
	if path := os.Getenv(tokenEnv); path != "" {
		return path, nil
	}
	dir, err := appdirs.RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "token"), nil
}
