//go:build unix

package vault

import (
	"os"
	"syscall"
)

// flockExclusive takes a non-blocking exclusive advisory lock on the
// vault file. A second session on the same file fails immediately.
func flockExclusive(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// flockRelease drops the advisory lock.
func flockRelease(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
