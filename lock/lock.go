// Package lock owns the installation directory layout (spec §6.1) and the
// BSD-advisory file-lock discipline over .ref-lock / .repo-lock (spec §4.1).
// No example repo in the corpus does its own file locking, so this package
// is built from stdlib syscalls in the teacher's idiom (named returns,
// fmt.Errorf wrapping, cancellation-polling loops) rather than adapted from
// a specific teacher file.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"apphub/m/v2/apperr"
)

// Mode selects the advisory lock discipline.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// pollInterval bounds how often a blocked acquisition re-checks the
// cancellation token, per spec §4.1 ("periodic (<=200 ms) checks").
const pollInterval = 150 * time.Millisecond

// Handle is an acquired lock. Release is idempotent and safe to call via
// defer on every exit path, including panic recovery, per spec §4.1.
type Handle struct {
	file     *os.File
	released bool
}

// Release drops the advisory lock and closes the backing file descriptor.
// Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	err := syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
	closeErr := h.file.Close()
	if err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "lock.release", err)
	}
	if closeErr != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "lock.release", closeErr)
	}
	return nil
}

// Acquire blocks until the named lock file can be locked in the requested
// mode, or ctx is cancelled. On cancellation, no file descriptor is leaked
// and the returned error is apperr.KindCancelled (spec §5 "Cancellation").
func Acquire(ctx context.Context, path string, mode Mode) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "lock.acquire", fmt.Errorf("creating lock directory: %w", err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "lock.acquire", fmt.Errorf("opening %s: %w", path, err))
	}

	flockMode := syscall.LOCK_EX
	if mode == Shared {
		flockMode = syscall.LOCK_SH
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err := syscall.Flock(int(f.Fd()), flockMode|syscall.LOCK_NB)
		if err == nil {
			return &Handle{file: f}, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			f.Close()
			return nil, apperr.Wrap(apperr.KindIOPermanent, "lock.acquire", fmt.Errorf("flock %s: %w", path, err))
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, apperr.Wrap(apperr.KindCancelled, "lock.acquire", ctx.Err())
		case <-ticker.C:
			// retry
		}
	}
}

// RefLockPath and RepoLockPath name the two lock files of spec §6.1.
func RefLockPath(root string) string  { return filepath.Join(root, ".ref-lock") }
func RepoLockPath(root string) string { return filepath.Join(root, ".repo-lock") }

// TouchChanged advances the mtime of the .changed sentinel file, the signal
// watchers use to detect a mutation (spec §3 Installation, §6.1).
func TouchChanged(root string) error {
	path := filepath.Join(root, ".changed")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindIOPermanent, "lock.touchChanged", err)
		}
		f, createErr := os.Create(path)
		if createErr != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "lock.touchChanged", createErr)
		}
		return f.Close()
	}
	return nil
}
