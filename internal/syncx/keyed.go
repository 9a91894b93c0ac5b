// Package syncx holds the per-key locks that serialize state changes on one intent or branch.
package syncx

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex hands out one mutex per key. Entries are dropped when no holder or
// waiter remains, so the map stays bounded by in-flight keys.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = map[string]*keyedEntry{}
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("syncx: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// With runs fn while holding key.
func (k *KeyedMutex) With(key string, fn func() error) error {
	k.Lock(key)
	defer k.Unlock(key)
	return fn()
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
