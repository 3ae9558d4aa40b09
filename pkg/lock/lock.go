// Package lock serializes operations that share a host-global name, such as
// firewall chain mutation where two sessions could derive the same chain
// name. Exclusion is structural, keyed by digest, not probabilistic.
package lock

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Locker provides keyed mutual exclusion.
// Acquire blocks until the lock is held or the context is cancelled.
type Locker interface {
	Acquire(ctx context.Context, key digest.Digest) (Lock, error)
}

// Lock represents an acquired lock that must be released.
type Lock interface {
	Release() error
}

// KeyedLocker is an in-process Locker. One lock exists per distinct key;
// entries are dropped once no holder or waiter remains.
type KeyedLocker struct {
	mu   sync.Mutex
	keys map[digest.Digest]*keyState
}

type keyState struct {
	// sem holds at most one token; owning the token means holding the lock.
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{keys: make(map[digest.Digest]*keyState)}
}

func (l *KeyedLocker) Acquire(ctx context.Context, key digest.Digest) (Lock, error) {
	l.mu.Lock()
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{sem: make(chan struct{}, 1)}
		l.keys[key] = st
	}
	st.refs++
	l.mu.Unlock()

	select {
	case st.sem <- struct{}{}:
		return &keyedLock{locker: l, key: key, state: st}, nil
	case <-ctx.Done():
		l.release(key, st, false)
		return nil, ctx.Err()
	}
}

func (l *KeyedLocker) release(key digest.Digest, st *keyState, held bool) {
	if held {
		<-st.sem
	}
	l.mu.Lock()
	st.refs--
	if st.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

type keyedLock struct {
	locker *KeyedLocker
	key    digest.Digest
	state  *keyState
	once   sync.Once
}

func (k *keyedLock) Release() error {
	k.once.Do(func() {
		k.locker.release(k.key, k.state, true)
	})
	return nil
}
