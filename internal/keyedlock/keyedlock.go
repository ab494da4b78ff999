// Package keyedlock provides per-key mutual exclusion so that operations on
// disjoint keys run fully in parallel while same-key operations serialize.
package keyedlock

import "sync"

// KeyedLock hands out one mutex per distinct key. Locks are created on first
// use and never removed; the key space (resolver paths within one run) is
// bounded, so the table stays small for the process lifetime. A long-lived
// server reusing one instance across many runs would want an eviction policy
// before this table can grow without bound.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty lock table.
func New() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use, and returns the
// matching unlock function.
func (k *KeyedLock) Lock(key string) (unlock func()) {
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

// Len reports the number of distinct keys seen so far.
func (k *KeyedLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
