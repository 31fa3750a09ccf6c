// Package lockfile guards single-instance jobs (such as the summarizer)
// with an advisory lock on a file under the state directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyLocked indicates the lock is held by another process.
var ErrAlreadyLocked = errors.New("lock already held")

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock without blocking. The holder's pid is written into
// the file so Holder can report it.
func Acquire(path string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			if pid, ok := Holder(path); ok {
				return nil, fmt.Errorf("%w by pid %d", ErrAlreadyLocked, pid)
			}
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// Holder reads the pid recorded by the last holder.
func Holder(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
