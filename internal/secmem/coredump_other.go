//go:build !linux && !darwin

package secmem

// Core dump limits are a POSIX concept; other platforms rely on the
// guarded allocations alone.
func disableCoreDumps() error { return nil }
