package store

import "sync"

// digestLocks hands out one mutex per digest, dropping it again once nobody
// holds or waits on it.
type digestLocks struct {
	mu    sync.Mutex
	locks map[string]*digestLock
}

type digestLock struct {
	sync.Mutex
	refs int
}

func newDigestLocks() *digestLocks {
	return &digestLocks{locks: make(map[string]*digestLock)}
}

func (d *digestLocks) lock(digest string) (unlock func()) {
	d.mu.Lock()
	l, ok := d.locks[digest]
	if !ok {
		l = &digestLock{}
		d.locks[digest] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, digest)
		}
		d.mu.Unlock()
	}
}

func (d *digestLocks) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
