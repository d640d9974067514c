package challenge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryTimerFires(t *testing.T) {
	var fired atomic.Int32
	NewExpiryTimer(10*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExpiryTimerStopPreventsFire(t *testing.T) {
	var fired atomic.Int32
	et := NewExpiryTimer(20*time.Millisecond, func() { fired.Add(1) })
	et.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestExpiryTimerStopIsIdempotent(t *testing.T) {
	et := NewExpiryTimer(time.Hour, func() {})
	et.Stop()
	et.Stop()

	// Stopping after fire must also be safe.
	var fired atomic.Int32
	et2 := NewExpiryTimer(time.Millisecond, func() { fired.Add(1) })
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	et2.Stop()
}
