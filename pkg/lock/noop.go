package lock

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// NoOpLocker satisfies Locker without excluding anything. Used where the
// caller already holds a broader lock, or in single-session tests.
type NoOpLocker struct{}

func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (l *NoOpLocker) Acquire(ctx context.Context, key digest.Digest) (Lock, error) {
	return &noopLock{}, nil
}

type noopLock struct{}

func (l *noopLock) Release() error {
	return nil
}
