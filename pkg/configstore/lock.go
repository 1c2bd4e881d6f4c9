package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// InstanceLock is an exclusive per-instance-directory lock. The engine is
// command-at-a-time by contract; the lock turns a concurrent second
// invocation into an explicit error instead of silent file races.
type InstanceLock struct {
	path string
}

const lockName = ".vpnadm.lock"

// AcquireLock takes the lock for instanceDir. A lock file left behind by a
// dead process is taken over; a live holder causes an error naming its pid.
func AcquireLock(instanceDir string) (*InstanceLock, error) {
	if err := os.MkdirAll(instanceDir, 0700); err != nil {
		return nil, fmt.Errorf("creating instance dir: %w", err)
	}
	path := filepath.Join(instanceDir, lockName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &InstanceLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		pid, readErr := readLockPID(path)
		if readErr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("instance locked by running process %d", pid)
		}
		// Stale lock: holder is gone, remove and retry once.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("instance lock contended: %s", path)
}

// Release removes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
