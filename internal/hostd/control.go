package hostd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ReadPidFile returns the daemon pid recorded at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("hostd: invalid pid file %s", path)
	}
	return pid, nil
}

// Running reports whether a daemon answers on the socket.
func Running(ctx context.Context, socketPath, token string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return probeDaemon(probeCtx, socketPath, token) == nil
}

// StopDaemon asks the daemon recorded in the pid file to shut down and waits
// for the socket to disappear.
func StopDaemon(pidPath, socketPath string) error {
	pid, err := ReadPidFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("hostd: daemon not running (no pid file)")
		}
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("hostd: find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			_ = os.Remove(pidPath)
			_ = os.Remove(socketPath)
			return nil
		}
		return fmt.Errorf("hostd: signal daemon: %w", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("hostd: daemon pid %d did not exit in time", pid)
}
