package clock

import "time"

// Clock abstracts time so limiter windows and credential expiry can be
// driven by a virtual clock in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the time package.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
