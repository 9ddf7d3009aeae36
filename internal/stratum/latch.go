package stratum

import "sync"

// readyLatch is a broadcast event that can be re-armed. Waiters block on the
// current generation's channel; Set closes it, Clear installs a fresh one so
// the latch can gate again after a pool reconnect.
type readyLatch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newReadyLatch() *readyLatch {
	return &readyLatch{ch: make(chan struct{})}
}

func (l *readyLatch) Set() {
	l.mu.Lock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
	l.mu.Unlock()
}

func (l *readyLatch) Clear() {
	l.mu.Lock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
	l.mu.Unlock()
}

func (l *readyLatch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Chan returns the channel for the current generation; it is closed once the
// latch is set.
func (l *readyLatch) Chan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}
