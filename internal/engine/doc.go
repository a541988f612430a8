// Package engine orchestrates event scheduling: it turns persisted events
// into planned notification rows plus live one-shot timers, delivers fired
// reminders, and keeps rows and timers consistent across cancellation and
// deletion.
package engine
