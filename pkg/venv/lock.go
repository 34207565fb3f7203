package venv

import (
	"context"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// LockHeldDelay is how long WithLock waits before retrying a lock held by another process.
var LockHeldDelay = 5 * time.Second

// WithLock runs fn while holding the filesystem lock at path. If another process holds the lock, it
// waits until the lock is released or ctx is cancelled.
func WithLock(ctx context.Context, path string, fn func() error) error {
	logger := zerolog.Ctx(ctx)

	blocker := func() error {
		logger.Info().Str("path", path).Msgf("lock is currently held, retrying in %v", LockHeldDelay)

		timer := time.NewTimer(LockHeldDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	err := fslock.WithBlocking(path, blocker, fn)
	if err != nil && eris.Is(err, fslock.ErrLockHeld) {
		return eris.Wrapf(err, "failed to acquire lock %s", path)
	}
	return err
}
