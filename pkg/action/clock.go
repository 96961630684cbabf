package action

import "time"

// Clock is the only place the primitives read time or suspend. Tests swap
// in a virtual clock so loop termination can be checked without real waits.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}
