// Package threadlock implements the process-wide mapping from thread id to a
// mutex that enforces at-most-one in-flight agent run per thread.
//
// Grounded on spec.md §4.5 and backend/app/api.py's get_thread_lock usage
// (acquired both around streaming a run and around thread deletion, so a
// delete cannot race a run).
package threadlock

import "sync"

type entry struct {
	mu  sync.Mutex
	ref int // number of goroutines currently holding a reference
}

// Table is a refcounted registry of per-thread mutexes.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Release unlocks the thread's mutex and reclaims the entry once no other
// goroutine holds a reference to it.
type Release func()

// Acquire blocks until the caller holds the lock for threadID, then returns
// a function to release it. Mutexes are created lazily on first request.
func (t *Table) Acquire(threadID string) Release {
	t.mu.Lock()
	e, ok := t.entries[threadID]
	if !ok {
		e = &entry{}
		t.entries[threadID] = e
	}
	e.ref++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(t.entries, threadID)
		}
		t.mu.Unlock()
	}
}

// Len reports the number of threads with a live entry, for tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
