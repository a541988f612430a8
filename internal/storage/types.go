package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that are routinely expected to miss
// (e.g. a fired job whose row was already cleaned up).
var ErrNotFound = errors.New("storage: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is a notification lifecycle state.
type Status string

const (
	// StatusCreated: row exists, no live timer yet.
	StatusCreated Status = "created"
	// StatusScheduled: job name set and a live timer is armed.
	StatusScheduled Status = "scheduled"
	// StatusFired: delivered. Rows are normally retired right after firing,
	// so this state is transient.
	StatusFired Status = "fired"
	// StatusCancelled: torn down before firing.
	StatusCancelled Status = "cancelled"
)

// Event is a scheduled occasion owned by a chat.
// StartAt is written once at creation and never mutated.
type Event struct {
	ID        int64
	ChatID    int64
	Title     string
	Location  string
	StartAt   time.Time
	CreatedAt time.Time
	Scheduled bool
}

// EventDraft is the caller-supplied part of an event (bulk import rows).
type EventDraft struct {
	Title    string
	Location string
	StartAt  time.Time
}

// Notification is one planned reminder instance for an event.
type Notification struct {
	ID       int64
	EventID  int64
	Reminder string
	NotifyAt time.Time
	JobName  string // empty before a timer is attached
	Status   Status
}

// Reminder is a notification joined with its parent event, as needed for
// rendering the outgoing message.
type Reminder struct {
	Notification
	Event Event
}
