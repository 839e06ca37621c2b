// Package keymutex provides per-key mutual exclusion so work for different
// keys proceeds in parallel while work for the same key is serialized.
package keymutex

import "sync"

// KeyMutex hands out one mutex per key. Entries are kept for the process
// lifetime; the key space here is devices on a home network, which is small
// and bounded.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
