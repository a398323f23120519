package voicelink

import (
	"context"
	"sync"
)

// flag is a waitable, clearable boolean. Setting it releases every
// current and future waiter; clearing it arms a fresh wait channel so
// later waiters block again. The session uses one flag as the
// connected gate and two more as the handshake completion conditions.
type flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newFlag() *flag {
	return &flag{ch: make(chan struct{})}
}

func (f *flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.set = true
		close(f.ch)
	}
}

func (f *flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		f.ch = make(chan struct{})
	}
}

func (f *flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait blocks until the flag is set or the context ends. A flag that
// is cleared and re-set while a waiter is blocked still releases the
// waiter: each Wait iteration snapshots the channel armed at the time.
func (f *flag) Wait(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.set {
			f.mu.Unlock()
			return nil
		}
		ch := f.ch
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
