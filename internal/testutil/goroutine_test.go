package testutil

import (
	"testing"
	"time"
)

func TestAssertNoGoroutineLeaksWaitsForExit(t *testing.T) {
	baseline := Goroutines()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-release
	}()
	time.AfterFunc(200*time.Millisecond, func() { close(release) })

	if !AssertNoGoroutineLeaks(t, baseline, 0) {
		t.Fatal("expected the worker goroutine to be counted as finished")
	}
	<-done
}
