// Package timers is the in-process one-shot timer facility behind reminder
// delivery. Jobs are keyed by name, replaced on re-registration, and drained
// through a small worker pool so a slow delivery cannot block the timer that
// fired it.
package timers
