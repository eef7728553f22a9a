// Package keylock serialises operations on the same entity.
package keylock

import (
	"context"
	"fmt"
	"sync"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker grants mutual exclusion per key.
type Locker interface {
	// Lock blocks until key is free or ctx ends, in which case the error wraps domain.ErrBusy.
	Lock(ctx context.Context, key string) (Unlock, error)
	Close() error
}

// ProjectKey is the lock key for a project name.
func ProjectKey(name string) string { return "project/" + name }

// DatabaseKey is the lock key for an owner's database credential.
func DatabaseKey(owner string) string { return "database/" + owner }

type memoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	held chan struct{}
	refs int
}

// NewMemory returns an in-process Locker.
func NewMemory() Locker {
	return &memoryLocker{entries: make(map[string]*memoryEntry)}
}

func (l *memoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, busy(key, err)
	}
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &memoryEntry{held: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.held <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry)
		return nil, busy(key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.held
			l.release(key, entry)
		})
	}, nil
}

func (l *memoryLocker) release(key string, entry *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *memoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *memoryLocker) Close() error { return nil }

func busy(key string, cause error) error {
	return fmt.Errorf("lock %s: %w: %w", key, domain.ErrBusy, cause)
}
