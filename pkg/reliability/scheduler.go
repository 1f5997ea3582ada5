package reliability

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

type clockScheduler struct {
	clk clock.Clock
}

// ClockScheduler schedules on the timers of clk.
func ClockScheduler(clk clock.Clock) Scheduler {
	return clockScheduler{clk: clk}
}

func (s clockScheduler) AfterFunc(d time.Duration, f func()) {
	s.clk.AfterFunc(d, f)
}
