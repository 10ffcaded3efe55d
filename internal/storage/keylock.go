package storage

import (
	"sort"
	"sync"
)

// keyLocks provides per-key reader-writer locks with writer priority:
// once a writer is waiting, new readers queue behind it so a hot key
// cannot starve updates. Lock entries are reference counted and removed
// when idle.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	cond           *sync.Cond
	readers        int
	writer         bool
	waitingWriters int
	refs           int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (m *keyLocks) entry(key string) *keyLock {
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		l.cond = sync.NewCond(&m.mu)
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *keyLocks) release(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// RLock blocks while a writer holds or awaits the key.
func (m *keyLocks) RLock(key string) {
	m.mu.Lock()
	l := m.entry(key)
	for l.writer || l.waitingWriters > 0 {
		l.cond.Wait()
	}
	l.readers++
	m.mu.Unlock()
}

func (m *keyLocks) RUnlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	m.release(key, l)
	m.mu.Unlock()
}

// Lock blocks until the key has no readers and no writer.
func (m *keyLocks) Lock(key string) {
	m.mu.Lock()
	l := m.entry(key)
	l.waitingWriters++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.waitingWriters--
	l.writer = true
	m.mu.Unlock()
}

func (m *keyLocks) Unlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	l.writer = false
	l.cond.Broadcast()
	m.release(key, l)
	m.mu.Unlock()
}

// LockAll write-locks every key in globally sorted order so that
// overlapping transactions cannot deadlock. Duplicate keys are collapsed.
// The returned function releases the locks in reverse order.
func (m *keyLocks) LockAll(keys []Key) func() {
	paths := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		p := k.String()
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		m.Lock(p)
	}
	return func() {
		for i := len(paths) - 1; i >= 0; i-- {
			m.Unlock(paths[i])
		}
	}
}
