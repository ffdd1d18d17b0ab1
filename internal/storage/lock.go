package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock serialises writers of one document, inside the process with a
// mutex and across processes with flock on a sibling .lock file.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a lock for the document at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return err
	}
	l.file = f
	return nil
}

// Unlock releases the lock. The .lock file is left in place so a waiting
// process never locks an unlinked inode.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.mu.Unlock()
	return err
}

// With runs fn while holding the lock.
func (l *FileLock) With(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
