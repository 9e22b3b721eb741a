package mqtt

import (
	"sync"
	"time"

	"github.com/lynexus/lynexus-agent/internal/events"
)

// DailyRuns counts run outcomes since local midnight. It is safe for
// concurrent use.
type DailyRuns struct {
	mu        sync.Mutex
	completed int64
	failed    int64
	cancelled int64
	commands  int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// NewDailyRuns creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyRuns(loc *time.Location) *DailyRuns {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyRuns{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe counts an operational event. Events other than run outcomes
// and finished commands are ignored.
func (d *DailyRuns) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindRunComplete:
		d.completed++
	case events.KindRunError:
		d.failed++
	case events.KindRunCancelled:
		d.cancelled++
	case events.KindCommandDone:
		d.commands++
	}
}

// RunCounts is a snapshot of the day's counters.
type RunCounts struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Commands  int64 `json:"commands"`
}

// Snapshot returns the counters after checking for midnight rollover.
func (d *DailyRuns) Snapshot() RunCounts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return RunCounts{
		Completed: d.completed,
		Failed:    d.failed,
		Cancelled: d.cancelled,
		Commands:  d.commands,
	}
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyRuns) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.completed, d.failed, d.cancelled, d.commands = 0, 0, 0, 0
		d.resetDay = today
	}
}
