//go:build !linux && !darwin

package cryptoprim

// LockMemory/UnlockMemory are no-ops on platforms without mlock(2); the key
// material is still zeroed on the way out, just not pinned against swap.
func LockMemory(b []byte) error   { return nil }
func UnlockMemory(b []byte) error { return nil }
