// Package lock serializes work on a shared key, such as every mutation of one
// recurring appointment series.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

// Unlock releases a held key. Calling it more than once is a no-op.
type Unlock func(ctx context.Context) error

// Locker hands out exclusive holds on keys.
type Locker interface {
	// Lock blocks until key is held, ctx is done, or the locker's wait
	// elapses. Failing to get the key returns an error wrapping
	// ErrLockNotAcquired.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker. It only serializes callers sharing the same
// Local value, so it is suited to single-instance deployments and tests.
type Local struct {
	wait time.Duration

	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns a Local. A non-positive wait means callers wait as long as
// their context allows.
func NewLocal(wait time.Duration) *Local {
	return &Local{wait: wait, keys: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
		return nil
	}, nil
}

// Held reports how many callers hold or wait on key.
func (l *Local) Held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.keys[key]; ok {
		return e.refs
	}
	return 0
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && l.keys[key] == e {
		delete(l.keys, key)
	}
}

// SeriesKey names the lock guarding a recurring series.
func SeriesKey(groupID fmt.Stringer) string {
	return "series:" + groupID.String()
}

// AppointmentKey names the lock guarding a standalone appointment.
func AppointmentKey(id fmt.Stringer) string {
	return "appointment:" + id.String()
}

// ClinicianKey names the lock guarding new bookings for a clinician.
func ClinicianKey(id fmt.Stringer) string {
	return "clinician:" + id.String()
}
