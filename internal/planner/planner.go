// Package planner computes the reminder plan for an event: which offsets
// still lie in the future and what each reminder message says.
//
// It is pure: no clock reads, no I/O. Callers pass "now" explicitly.
package planner

import (
	"fmt"
	"time"
)

// Offsets are the fixed reminder lead times, earliest first.
var offsets = []struct {
	lead   time.Duration
	format string
}{
	{15 * time.Minute, "Через 15 минут встреча: %q"},
	{5 * time.Minute, "Через 5 минут встреча: %q"},
	{0, "Встреча началась: %q"},
}

// Entry is one planned reminder: when it fires and what it says.
// Index identifies the offset (0 = 15m before, 1 = 5m before, 2 = at start)
// and is the stable half of the composite job key.
type Entry struct {
	Index   int
	At      time.Time
	Message string
}

// Plan returns the surviving reminder entries for an event starting at
// startAt, evaluated against now. Entries at or before now are dropped, so
// nothing is ever scheduled into the past. The result is ordered by fire
// time and deterministic for a given (title, startAt, now).
func Plan(title string, startAt, now time.Time) []Entry {
	var out []Entry
	for i, off := range offsets {
		at := startAt.Add(-off.lead)
		if !at.After(now) {
			continue
		}
		out = append(out, Entry{
			Index:   i,
			At:      at,
			Message: fmt.Sprintf(off.format, title),
		})
	}
	return out
}
