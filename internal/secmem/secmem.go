// Package secmem owns the process-level secret-memory discipline: the
// session's key material lives in guarded, locked allocations that are
// wiped on free, and the process refuses to produce core dumps. Secrets
// at rest are held sealed in enclaves and only opened into locked
// buffers for the duration of a single engine call.
package secmem

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var initOnce sync.Once

// Init prepares the process for handling secrets: core dumps are
// disabled and an interrupt handler is installed that purges all
// guarded memory before exit. Must be called before any session is
// created; calling it more than once is harmless.
func Init() error {
	var err error
	initOnce.Do(func() {
		if derr := disableCoreDumps(); derr != nil {
			err = fmt.Errorf("disable core dumps: %w", derr)
			return
		}
		memguard.CatchInterrupt()
	})
	return err
}

// Exit wipes every guarded allocation in the process. Call it when the
// application is done with all sessions.
func Exit() {
	memguard.Purge()
}

// Seal moves src into a sealed enclave and wipes src. The enclave's
// contents are encrypted in memory until opened.
func Seal(src []byte) *memguard.Enclave {
	return memguard.NewEnclave(src)
}

// BufferFrom moves src into a locked, guarded buffer and wipes src.
// The caller must Destroy it.
func BufferFrom(src []byte) *memguard.LockedBuffer {
	return memguard.NewBufferFromBytes(src)
}
