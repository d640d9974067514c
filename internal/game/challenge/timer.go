package challenge

import (
	"sync"
	"time"
)

// ExpiryTimer fires a callback after a fixed duration unless stopped.
// It is safe for concurrent use.
type ExpiryTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewExpiryTimer creates and starts a timer that calls onFire after duration.
// onFire is called in a separate goroutine.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: Returns a running ExpiryTimer; onFire will be called unless
// Stop is called first.
func NewExpiryTimer(duration time.Duration, onFire func()) *ExpiryTimer {
	et := &ExpiryTimer{}
	et.timer = time.AfterFunc(duration, func() {
		et.mu.Lock()
		stopped := et.stopped
		et.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return et
}

// Stop prevents the callback from firing. Safe to call multiple times and
// after the timer has already fired.
//
// Postcondition: onFire will not be called after Stop returns.
func (et *ExpiryTimer) Stop() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.stopped = true
	et.timer.Stop()
}
