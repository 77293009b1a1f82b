package state

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquireLock takes the single-instance PID lock in the state dir. A lock
// held by a live process aborts with an error naming the PID; a stale lock
// (dead process or unreadable content) is silently replaced.
func (s *Store) AcquireLock() error {
	path := s.path(lockFile)
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if processAlive(pid) {
				return fmt.Errorf("another pocketmirror is already running (pid %d)", pid)
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleaseLock removes the PID lock if this process owns it.
func (s *Store) ReleaseLock() {
	path := s.path(lockFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) == strconv.Itoa(os.Getpid()) {
		_ = os.Remove(path)
	}
}

// processAlive probes a PID with signal 0. EPERM still means the process
// exists, just owned by someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
