//go:build windows

package hare

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock = 0x00000002
	lockfileFailImmediate = 0x00000001
)

// fileLock is an OS level exclusive lock guarding a column file against
// concurrent opens, implemented with LockFileEx on a ".lock" sidecar.
type fileLock struct {
	file *os.File
}

const lockRetryInterval = 25 * time.Millisecond

// acquireFileLock tries to take the exclusive lock, retrying until timeout.
func acquireFileLock(path string, timeout time.Duration) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		ol := new(syscall.Overlapped)
		r1, _, _ := procLockFileEx.Call(
			f.Fd(),
			uintptr(lockfileExclusiveLock|lockfileFailImmediate),
			0,
			1, 0,
			uintptr(unsafe.Pointer(ol)),
		)
		if r1 != 0 {
			return &fileLock{file: f}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %q held by another process", ErrFileLockTimeout, path)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (fl *fileLock) release() error {
	if fl == nil || fl.file == nil {
		return nil
	}
	ol := new(syscall.Overlapped)
	procUnlockFileEx.Call(
		fl.file.Fd(),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	fl.file = nil
	return err
}
