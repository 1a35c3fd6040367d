//go:build !windows

package registry

import "golang.org/x/sys/unix"

// flockLock acquires an exclusive file lock (Unix implementation using flock).
func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

// flockUnlock releases the file lock (Unix implementation using flock).
func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
