// Package cache guards a filesystem path against concurrent writers:
// Lock takes a cross-process lock on a path, backing the single-writer
// policy the orchestrator holds over the package cache and per-arch repo
// directories, and Ensure builds on it to run a function that produces a
// target exactly once even when several forge processes call it for the
// same path at the same time.
package cache

import (
	"context"
	"os"
	"time"
)

// IsFresh reports whether target exists and, if ttl is nonzero, was
// modified within ttl of now. A zero ttl means any existing target counts
// as fresh.
func IsFresh(target string, ttl time.Duration) bool {
	info, err := os.Stat(target)
	if err != nil {
		return false
	}
	if ttl == 0 {
		return true
	}
	return time.Since(info.ModTime()) < ttl
}

// Ensure runs fn to produce target if it doesn't already exist, serialized
// across processes by Lock.
func Ensure(ctx context.Context, target string, fn func() error) error {
	return EnsureWithTTL(ctx, target, 0, fn)
}

// EnsureWithTTL is Ensure with an expiry: target is considered stale, and fn
// re-run, once ttl has elapsed since it was last written.
func EnsureWithTTL(ctx context.Context, target string, ttl time.Duration, fn func() error) error {
	if IsFresh(target, ttl) {
		return nil
	}

	unlock, err := Lock(ctx, target)
	if err != nil {
		return err
	}
	defer unlock()

	// target may have been produced by another process while we waited.
	if IsFresh(target, ttl) {
		return nil
	}
	return fn()
}
