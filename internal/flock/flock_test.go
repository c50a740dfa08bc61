package flock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"golang.org/x/sys/unix"
)

func TestFlock(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	lockfile := filepath.Join(dir, "lock")
	release, err := Acquire(ctx, lockfile, 0)
	assert.NoError(t, err)

	_, err = Acquire(ctx, lockfile, 0)
	assert.Error(t, err)

	err = release()
	assert.NoError(t, err)

	releaseb, err := Acquire(ctx, lockfile, 0)
	assert.NoError(t, err)
	err = releaseb()
	assert.NoError(t, err)
}

func TestReleaseKeepsLockFile(t *testing.T) {
	ctx := t.Context()
	lockfile := filepath.Join(t.TempDir(), "lock")
	release, err := Acquire(ctx, lockfile, 0)
	assert.NoError(t, err)
	assert.NoError(t, release())

	_, err = os.Stat(lockfile)
	assert.NoError(t, err)
}

func TestWaiterAndFreshAcquireShareInode(t *testing.T) {
	// A waiter that opened the lock file before the holder released must
	// contend on the same inode as any later Acquire. If release unlinked
	// the file, both could hold "the" lock at once.
	ctx := t.Context()
	lockfile := filepath.Join(t.TempDir(), "lock")
	release, err := Acquire(ctx, lockfile, 0)
	assert.NoError(t, err)

	waiter, err := os.OpenFile(lockfile, os.O_RDWR, 0600)
	assert.NoError(t, err)
	defer waiter.Close()

	assert.NoError(t, release())

	// The waiter now takes the lock on its pre-release fd.
	assert.NoError(t, unix.Flock(int(waiter.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	// A fresh Acquire must see the waiter's lock and fail.
	_, err = Acquire(ctx, lockfile, 0)
	assert.Error(t, err)

	assert.NoError(t, unix.Flock(int(waiter.Fd()), unix.LOCK_UN))
	releaseb, err := Acquire(ctx, lockfile, 0)
	assert.NoError(t, err)
	assert.NoError(t, releaseb())
}
