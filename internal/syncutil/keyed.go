// Package syncutil provides keyed locks for serializing work on a single
// deal or cross-chain transaction.
package syncutil

import (
	"context"
	"sync"
	"time"
)

// KeyedLock grants exclusive ownership of individual keys. Distinct keys
// never contend, so a failed TryLock always means the same key is held.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[string]chan struct{})}
}

// TryLock claims key without waiting. ok is false if another holder has it.
func (k *KeyedLock) TryLock(key string) (unlock func(), ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return nil, false
	}
	done := make(chan struct{})
	k.held[key] = done
	return k.releaser(key, done), true
}

// LockContext waits for key until ctx is done.
func (k *KeyedLock) LockContext(ctx context.Context, key string) (func(), error) {
	for {
		k.mu.Lock()
		done, busy := k.held[key]
		if !busy {
			mine := make(chan struct{})
			k.held[key] = mine
			k.mu.Unlock()
			return k.releaser(key, mine), nil
		}
		k.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether key is currently claimed.
func (k *KeyedLock) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, busy := k.held[key]
	return busy
}

func (k *KeyedLock) releaser(key string, done chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
			close(done)
		})
	}
}

// LockTimeout is LockContext bounded by d.
func (k *KeyedLock) LockTimeout(key string, d time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return k.LockContext(ctx, key)
}
