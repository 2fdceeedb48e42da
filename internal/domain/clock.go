package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// clock is the package time source used to resolve "today" for default date
// ranges. Tests freeze it with SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Clock returns the current package time source.
func Clock() clockwork.Clock { return clock }

// Today is the current calendar day in UTC.
func Today() time.Time { return Day(clock.Now()) }
