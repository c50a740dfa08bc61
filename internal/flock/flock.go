// Package flock provides advisory file locking for serialising mutations of
// the cellar on disk.
package flock

import (
	"context"
	"os"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"
)

// Acquire a lock on the given path. If the lock is held by another process,
// retry with backoff until timeout elapses. A timeout of 0 makes a single
// attempt. The returned function releases the lock and removes the lock file.
func Acquire(ctx context.Context, path string, timeout time.Duration) (release func() error, err error) {
	deadline := time.Now().Add(timeout)
	retry := &backoff.Backoff{
		Min:    time.Millisecond * 50,
		Max:    time.Second,
		Jitter: true,
	}
	for {
		release, err := acquire(path)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(err, "lock %s", path)
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "timed out waiting for lock %s", path)
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for lock")
		case <-time.After(retry.Duration()):
		}
	}
}

func acquire(path string) (release func() error, err error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = fd.Close()
		return nil, errors.WithStack(err)
	}
	// The lock file is left in place on release. Removing it would detach
	// the inode a waiter already has open: the waiter's flock would then
	// succeed on the orphaned inode while a fresh Acquire locks a new file
	// at the same path, giving two holders.
	return func() error {
		defer fd.Close() //nolint:errcheck
		return errors.WithStack(unix.Flock(int(fd.Fd()), unix.LOCK_UN))
	}, nil
}
