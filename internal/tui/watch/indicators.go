package watch

import (
	"fmt"
	"strings"
	"time"
)

// activityBuckets is how many one-second buckets the event sparkline spans.
const activityBuckets = 10

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Activity counts hub events per second over a short sliding window.
type Activity struct {
	buckets   [activityBuckets]int
	head      time.Time // start of the newest bucket
	lastEvent time.Time
}

// Record counts one event at now.
func (a *Activity) Record(now time.Time) {
	a.advance(now)
	a.buckets[activityBuckets-1]++
	a.lastEvent = now
}

// advance shifts the window so the newest bucket covers now.
func (a *Activity) advance(now time.Time) {
	sec := now.Truncate(time.Second)
	if a.head.IsZero() {
		a.head = sec
		return
	}
	shift := int(sec.Sub(a.head) / time.Second)
	if shift <= 0 {
		return
	}
	if shift >= activityBuckets {
		a.buckets = [activityBuckets]int{}
	} else {
		copy(a.buckets[:], a.buckets[shift:])
		clear(a.buckets[activityBuckets-shift:])
	}
	a.head = sec
}

// Tick moves the window forward without recording anything.
func (a *Activity) Tick(now time.Time) { a.advance(now) }

// Total is the event count inside the window.
func (a Activity) Total() int {
	n := 0
	for _, c := range a.buckets {
		n += c
	}
	return n
}

func (a Activity) LastEvent() time.Time { return a.lastEvent }

// Sparkline renders one glyph per bucket scaled to the busiest second.
func (a Activity) Sparkline(theme Theme) string {
	peak := 0
	for _, c := range a.buckets {
		peak = max(peak, c)
	}
	var b strings.Builder
	for _, c := range a.buckets {
		if c == 0 {
			b.WriteString(theme.GaugeEmpty.Render("·"))
			continue
		}
		level := (c*len(sparkLevels) - 1) / peak
		b.WriteString(theme.OK.Render(string(sparkLevels[level])))
	}
	return b.String()
}

// heartbeat shows whether pool snapshots are still arriving on schedule.
func heartbeat(lastCheck, now time.Time, theme Theme) string {
	if lastCheck.IsZero() {
		return theme.Dim.Render("◌")
	}
	age := now.Sub(lastCheck)
	if age > 3*pollInterval {
		return theme.Warn.Render(fmt.Sprintf("◌ stale %s", age.Round(time.Second)))
	}
	return theme.Accent.Render("◉")
}
