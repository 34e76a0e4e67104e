package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/usage"
)

// DailySnapshot is a copy of the counters for the current local day.
type DailySnapshot struct {
	Analyses     int64
	Refinements  int64
	Facts        int64
	Failures     int64
	InputTokens  int64
	OutputTokens int64
}

// Daily counts engine activity and token use, resetting at local
// midnight. It is safe for concurrent use. Engine activity comes from
// bus events ([Daily.Run]); token counts come from usage records, so
// Daily satisfies the inference usage recorder interface.
type Daily struct {
	mu       sync.Mutex
	counts   DailySnapshot
	resetDay int // day of year of the last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDaily creates counters that roll over at midnight in loc. If loc is
// nil, [time.Local] is used.
func NewDaily(loc *time.Location) *Daily {
	if loc == nil {
		loc = time.Local
	}
	d := &Daily{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Run counts events from bus until ctx is cancelled.
func (d *Daily) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Observe(ev)
		}
	}
}

// Observe counts one event. Events that are not engine outcomes are
// ignored.
func (d *Daily) Observe(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch ev.Kind {
	case events.KindAnalysisComplete:
		d.counts.Analyses++
	case events.KindRefinementComplete:
		d.counts.Refinements++
	case events.KindFactServed:
		d.counts.Facts++
	case events.KindAnalysisFailed:
		d.counts.Failures++
	}
}

// Record adds the tokens of one inference call. It never fails.
func (d *Daily) Record(_ context.Context, rec usage.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	d.counts.InputTokens += int64(rec.InputTokens)
	d.counts.OutputTokens += int64(rec.OutputTokens)
	return nil
}

// Snapshot returns today's counters.
func (d *Daily) Snapshot() DailySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.counts
}

// maybeReset zeroes the counters when the local day has changed. Caller
// holds d.mu.
func (d *Daily) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.counts = DailySnapshot{}
		d.resetDay = today
	}
}
