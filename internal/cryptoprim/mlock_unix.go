//go:build linux || darwin

package cryptoprim

import "golang.org/x/sys/unix"

// LockMemory pins b so the kernel never swaps it to disk. Best-effort: a
// failure (e.g. RLIMIT_MEMLOCK exhausted) is returned, not panicked on —
// callers already Zero the buffer on the way out regardless.
func LockMemory(b []byte) error   { return unix.Mlock(b) }
func UnlockMemory(b []byte) error { return unix.Munlock(b) }
