package testutil

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Goroutines returns a settled goroutine count to use as a leak baseline.
func Goroutines() int {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	return runtime.NumGoroutine()
}

// AssertNoGoroutineLeaks waits for the goroutine count to come back within
// margin of baseline. On failure every goroutine stack is logged so the
// leaked ones can be identified.
func AssertNoGoroutineLeaks(t testing.TB, baseline, margin int) bool {
	t.Helper()
	settled := assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+margin
	}, 10*time.Second, 100*time.Millisecond,
		"goroutines did not return to baseline %d (margin %d)", baseline, margin)
	if !settled {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Logf("%d goroutines still running:\n%s", runtime.NumGoroutine(), buf[:n])
	}
	return settled
}
