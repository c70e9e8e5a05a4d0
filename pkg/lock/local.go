package lock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type entry struct {
	held chan struct{}
	refs int
}

// Local is a Locker for a single process.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

var _ Locker = &Local{}

func NewLocal() *Local {
	return &Local{locks: map[string]*entry{}}
}

func (l *Local) WithLock(ctx context.Context, key string, f func() error) error {
	e := l.ref(key)
	defer l.unref(key)

	select {
	case e.held <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for lock %s", key)
	}
	defer func() { <-e.held }()
	return f()
}

func (l *Local) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{held: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
