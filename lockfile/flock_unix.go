//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// flockExclusiveNB attempts a non-blocking exclusive lock on the file.
// It returns false without error when the lock is held elsewhere.
func flockExclusiveNB(f *os.File) (bool, error) {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return false, nil
	}

	return false, err
}

// flockUnlock releases the lock on the file.
func flockUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// processAlive reports whether a process with the given pid exists by
// sending it signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}
