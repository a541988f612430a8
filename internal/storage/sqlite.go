package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed event/notification store.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the sqlite database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	// foreign_keys is a per-connection pragma; set it via the DSN so every
	// connection gets it (cascade delete depends on it).
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", cfg.Path)
	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes the count-then-delete retire transaction
	// against concurrent firings.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Events ----

// CreateEvent inserts a new unscheduled event and returns its id.
func (s *Store) CreateEvent(ctx context.Context, chatID int64, title, location string, startAt time.Time) (int64, error) {
	if strings.TrimSpace(title) == "" {
		return 0, errors.New("event title is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(chat_id, title, location, start_at, created_at, is_scheduled)
		 VALUES(?,?,?,?,?,0)`,
		chatID, title, location, startAt.UTC().UnixMilli(), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// BulkCreateEvents inserts a batch of drafts for one chat with a single
// created_at timestamp. An empty batch returns 0 without touching the store.
func (s *Store) BulkCreateEvents(ctx context.Context, chatID int64, drafts []EventDraft) (int64, error) {
	if len(drafts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events(chat_id, title, location, start_at, created_at, is_scheduled)
		 VALUES(?,?,?,?,?,0)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var n int64
	for _, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			return 0, errors.New("event title is empty")
		}
		if _, err := stmt.ExecContext(ctx, chatID, d.Title, d.Location, d.StartAt.UTC().UnixMilli(), now); err != nil {
			return 0, fmt.Errorf("bulk insert event: %w", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

const eventCols = `id, chat_id, title, location, start_at, created_at, is_scheduled`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var startMS, createdMS int64
	if err := row.Scan(&ev.ID, &ev.ChatID, &ev.Title, &ev.Location, &startMS, &createdMS, &ev.Scheduled); err != nil {
		return Event{}, err
	}
	ev.StartAt = time.UnixMilli(startMS).UTC()
	ev.CreatedAt = time.UnixMilli(createdMS).UTC()
	return ev, nil
}

// EventByID returns the event or ErrNotFound.
func (s *Store) EventByID(ctx context.Context, id int64) (Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("select event %d: %w", id, err)
	}
	return ev, nil
}

// EventsByChat lists a chat's events ordered by start time.
func (s *Store) EventsByChat(ctx context.Context, chatID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE chat_id = ? ORDER BY start_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// UnscheduledEvents lists events without any registered notification yet.
func (s *Store) UnscheduledEvents(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE is_scheduled = 0 ORDER BY start_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkEventScheduled flips the scheduled flag.
func (s *Store) MarkEventScheduled(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET is_scheduled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark event %d scheduled: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent removes an event and (via cascade) its notifications.
// Returns the number of deleted events: 0 or 1, never an error for a miss.
func (s *Store) DeleteEvent(ctx context.Context, id int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete event %d: %w", id, err)
	}
	return res.RowsAffected()
}

// DeleteEventsByChat removes all of a chat's events (cascade).
func (s *Store) DeleteEventsByChat(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, fmt.Errorf("delete events for chat %d: %w", chatID, err)
	}
	return res.RowsAffected()
}

// DeleteAllEvents removes every event (cascade). Maintenance only.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Notifications ----

// CreateNotification inserts a reminder row in status "created", no job yet.
func (s *Store) CreateNotification(ctx context.Context, eventID int64, reminder string, notifyAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(event_id, reminder, notify_at, job_name, status)
		 VALUES(?,?,?,NULL,?)`,
		eventID, reminder, notifyAt.UTC().UnixMilli(), StatusCreated,
	)
	if err != nil {
		return 0, fmt.Errorf("insert notification for event %d: %w", eventID, err)
	}
	return res.LastInsertId()
}

const joinedCols = `n.id, n.event_id, n.reminder, n.notify_at, n.job_name, n.status,
	e.id, e.chat_id, e.title, e.location, e.start_at, e.created_at, e.is_scheduled`

func scanReminder(row interface{ Scan(...any) error }) (Reminder, error) {
	var r Reminder
	var notifyMS, startMS, createdMS int64
	var job sql.NullString
	err := row.Scan(
		&r.ID, &r.EventID, &r.Reminder, &notifyMS, &job, &r.Status,
		&r.Event.ID, &r.Event.ChatID, &r.Event.Title, &r.Event.Location, &startMS, &createdMS, &r.Event.Scheduled,
	)
	if err != nil {
		return Reminder{}, err
	}
	r.NotifyAt = time.UnixMilli(notifyMS).UTC()
	r.JobName = job.String
	r.Event.StartAt = time.UnixMilli(startMS).UTC()
	r.Event.CreatedAt = time.UnixMilli(createdMS).UTC()
	return r, nil
}

// ReminderByID returns the notification joined with its parent event.
func (s *Store) ReminderByID(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+joinedCols+` FROM notifications n JOIN events e ON e.id = n.event_id WHERE n.id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("select notification %d: %w", id, err)
	}
	return r, nil
}

// ReminderByJob returns the notification for a job name joined with its
// parent event, or ErrNotFound.
func (s *Store) ReminderByJob(ctx context.Context, jobName string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+joinedCols+` FROM notifications n JOIN events e ON e.id = n.event_id WHERE n.job_name = ?`, jobName)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("select notification by job %q: %w", jobName, err)
	}
	return r, nil
}

// NotificationsByEvent lists an event's notifications ordered by fire time.
func (s *Store) NotificationsByEvent(ctx context.Context, eventID int64) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, reminder, notify_at, job_name, status
		 FROM notifications WHERE event_id = ? ORDER BY notify_at ASC, id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var notifyMS int64
		var job sql.NullString
		if err := rows.Scan(&n.ID, &n.EventID, &n.Reminder, &notifyMS, &job, &n.Status); err != nil {
			return nil, err
		}
		n.NotifyAt = time.UnixMilli(notifyMS).UTC()
		n.JobName = job.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// ScheduledNotifications lists rows with a live-job status, for startup
// recovery of in-process timers.
func (s *Store) ScheduledNotifications(ctx context.Context) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+joinedCols+` FROM notifications n JOIN events e ON e.id = n.event_id
		 WHERE n.status = ? ORDER BY n.notify_at ASC, n.id ASC`, StatusScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachJob records the live job name and status for a notification.
// Returns the number of updated rows.
func (s *Store) AttachJob(ctx context.Context, id int64, jobName string, status Status) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET job_name = ?, status = ? WHERE id = ?`, jobName, status, id)
	if err != nil {
		return 0, fmt.Errorf("update notification %d: %w", id, err)
	}
	return res.RowsAffected()
}

// DeleteNotificationByJob removes a single notification row by job name.
func (s *Store) DeleteNotificationByJob(ctx context.Context, jobName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE job_name = ?`, jobName)
	if err != nil {
		return 0, fmt.Errorf("delete notification by job %q: %w", jobName, err)
	}
	return res.RowsAffected()
}

// DeleteAllNotifications removes every notification row. Maintenance only.
func (s *Store) DeleteAllNotifications(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RetireByJob removes the notification for a fired job and, when it was the
// event's last remaining notification, the event itself (cascade).
//
// The sibling count and the deletes happen in one transaction so two offsets
// firing near-simultaneously cannot both observe "last" or double-delete.
// Returns whether the whole event was removed.
func (s *Store) RetireByJob(ctx context.Context, jobName string) (eventDeleted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var id, eventID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, event_id FROM notifications WHERE job_name = ?`, jobName).Scan(&id, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("retire %q: %w", jobName, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("retire %q: %w", jobName, err)
	}

	var remaining int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE event_id = ?`, eventID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("retire %q: %w", jobName, err)
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, eventID); err != nil {
			return false, fmt.Errorf("retire %q: %w", jobName, err)
		}
		eventDeleted = true
	}
	return eventDeleted, tx.Commit()
}
