package ports

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// SetupLatch runs a store's index setup once. Concurrent callers share the
// in-flight attempt; a failed attempt is reported to every waiter and the
// next call tries again.
type SetupLatch struct {
	done  atomic.Bool
	group singleflight.Group
}

// Do runs fn unless a previous call succeeded. fn runs detached from the
// caller's cancellation so one impatient caller cannot fail the others.
func (l *SetupLatch) Do(ctx context.Context, fn func(context.Context) error) error {
	if l.done.Load() {
		return nil
	}
	ch := l.group.DoChan("setup", func() (any, error) {
		if l.done.Load() {
			return nil, nil
		}
		if err := fn(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		l.done.Store(true)
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether setup has completed.
func (l *SetupLatch) Done() bool {
	return l.done.Load()
}
