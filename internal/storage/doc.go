// Package storage persists events and their derived reminder notifications.
//
// It is sqlite-backed. Events own notifications (cascade delete is enforced
// by the schema, not by callers), and all instants are stored in UTC.
package storage
