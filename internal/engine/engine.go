package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/planner"
	"remindbot/internal/storage"
	"remindbot/internal/timers"
	logx "remindbot/pkg/logx"
)

// Store is the persistence surface the engine needs. *storage.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	CreateEvent(ctx context.Context, chatID int64, title, location string, startAt time.Time) (int64, error)
	EventByID(ctx context.Context, id int64) (storage.Event, error)
	EventsByChat(ctx context.Context, chatID int64) ([]storage.Event, error)
	UnscheduledEvents(ctx context.Context) ([]storage.Event, error)
	MarkEventScheduled(ctx context.Context, id int64) error
	DeleteEvent(ctx context.Context, id int64) (int64, error)
	DeleteEventsByChat(ctx context.Context, chatID int64) (int64, error)
	BulkCreateEvents(ctx context.Context, chatID int64, drafts []storage.EventDraft) (int64, error)

	CreateNotification(ctx context.Context, eventID int64, reminder string, notifyAt time.Time) (int64, error)
	NotificationsByEvent(ctx context.Context, eventID int64) ([]storage.Notification, error)
	ReminderByJob(ctx context.Context, jobName string) (storage.Reminder, error)
	ScheduledNotifications(ctx context.Context) ([]storage.Reminder, error)
	AttachJob(ctx context.Context, id int64, jobName string, status storage.Status) (int64, error)
	RetireByJob(ctx context.Context, jobName string) (bool, error)
}

// Timers is the live one-shot job surface. *timers.Service satisfies it.
type Timers interface {
	ScheduleOnce(name string, at time.Time, p timers.Payload) (timers.Job, error)
	Cancel(name string) bool
	Jobs() []timers.Job
}

// Sender delivers a rendered reminder to a chat. Fire-and-forget from the
// engine's perspective; the transport owns delivery failures.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Config controls presentation-side knobs of the engine.
type Config struct {
	// DisplayLocation is the zone used to render start times in outgoing
	// messages. Storage stays UTC. Nil means UTC.
	DisplayLocation *time.Location
}

// Service ties the planner, the store and the timer service together.
type Service struct {
	store Store
	tm    Timers
	send  Sender
	log   logx.Logger
	loc   *time.Location

	// now is the planning clock; replaced in tests.
	now func() time.Time
}

func New(store Store, tm Timers, send Sender, cfg Config, log logx.Logger) *Service {
	loc := cfg.DisplayLocation
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, tm: tm, send: send, log: log, loc: loc, now: time.Now}
}

// jobName is the deterministic composite key correlating a notification row
// with its live timer.
func jobName(eventID int64, offsetIndex int) string {
	return fmt.Sprintf("event:%d:offset:%d", eventID, offsetIndex)
}

// CreateEvent persists a new event and immediately plans and arms its
// reminders. An event whose offsets are all in the past is stored but left
// unscheduled.
func (s *Service) CreateEvent(ctx context.Context, chatID int64, title, location string, startAt time.Time) (storage.Event, error) {
	if strings.TrimSpace(title) == "" {
		return storage.Event{}, errors.New("event title is empty")
	}
	id, err := s.store.CreateEvent(ctx, chatID, title, location, startAt)
	if err != nil {
		return storage.Event{}, err
	}
	ev, err := s.store.EventByID(ctx, id)
	if err != nil {
		return storage.Event{}, err
	}
	if err := s.planAndArm(ctx, ev); err != nil {
		return storage.Event{}, err
	}
	return ev, nil
}

// BulkImport inserts a batch of drafts for a chat and then arms every
// still-unscheduled event. An empty batch is a zero-count success.
func (s *Service) BulkImport(ctx context.Context, chatID int64, drafts []storage.EventDraft) (int64, error) {
	n, err := s.store.BulkCreateEvents(ctx, chatID, drafts)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.ScheduleUnscheduled(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// ScheduleUnscheduled plans and arms reminders for every event whose
// scheduled flag is still false. Returns the number of events armed.
func (s *Service) ScheduleUnscheduled(ctx context.Context) (int, error) {
	events, err := s.store.UnscheduledEvents(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, ev := range events {
		if err := s.planAndArm(ctx, ev); err != nil {
			return armed, err
		}
		armed++
	}
	return armed, nil
}

func (s *Service) planAndArm(ctx context.Context, ev storage.Event) error {
	entries := planner.Plan(ev.Title, ev.StartAt, s.now())
	if len(entries) == 0 {
		s.log.Debug("all offsets in the past; event left unscheduled",
			logx.Int64("event", ev.ID), logx.Time("start_at", ev.StartAt))
		return nil
	}

	payload := timers.Payload{
		EventID:  ev.ID,
		ChatID:   ev.ChatID,
		Title:    ev.Title,
		Location: ev.Location,
		StartAt:  ev.StartAt,
	}
	for _, e := range entries {
		nid, err := s.store.CreateNotification(ctx, ev.ID, e.Message, e.At)
		if err != nil {
			return fmt.Errorf("event %d: %w", ev.ID, err)
		}
		name := jobName(ev.ID, e.Index)
		p := payload
		p.Message = e.Message
		if _, err := s.tm.ScheduleOnce(name, e.At, p); err != nil {
			// Row stays in "created": a notification must never claim
			// "scheduled" when no timer actually got armed.
			return fmt.Errorf("event %d: arm %s: %w", ev.ID, name, err)
		}
		if _, err := s.store.AttachJob(ctx, nid, name, storage.StatusScheduled); err != nil {
			s.tm.Cancel(name)
			return fmt.Errorf("event %d: attach job %s: %w", ev.ID, name, err)
		}
	}
	if err := s.store.MarkEventScheduled(ctx, ev.ID); err != nil {
		return fmt.Errorf("event %d: %w", ev.ID, err)
	}
	s.log.Info("event armed",
		logx.Int64("event", ev.ID), logx.Int64("chat", ev.ChatID),
		logx.Int("reminders", len(entries)), logx.Time("start_at", ev.StartAt))
	return nil
}

// Deliver is the timer service's fire callback. It renders and sends the
// reminder, then retires the row (and the event, when it was the last one).
func (s *Service) Deliver(ctx context.Context, job timers.Job) {
	r, err := s.store.ReminderByJob(ctx, job.Name)
	if errors.Is(err, storage.ErrNotFound) {
		// Job outlived its row (cancelled or already retired). Nothing to do.
		s.log.Debug("fired job has no row", logx.String("job", job.Name))
		return
	}
	if err != nil {
		s.log.Error("reminder lookup failed", logx.String("job", job.Name), logx.Err(err))
		return
	}

	msg := s.renderReminder(r)
	if err := s.send.SendText(ctx, r.Event.ChatID, msg); err != nil {
		s.log.Warn("reminder send failed",
			logx.String("job", job.Name), logx.Int64("chat", r.Event.ChatID), logx.Err(err))
	}

	eventDeleted, err := s.store.RetireByJob(ctx, job.Name)
	if errors.Is(err, storage.ErrNotFound) {
		// A concurrent firing already retired it.
		return
	}
	if err != nil {
		s.log.Error("reminder retire failed", logx.String("job", job.Name), logx.Err(err))
		return
	}
	if eventDeleted {
		s.log.Info("last reminder delivered; event removed",
			logx.Int64("event", r.EventID), logx.Int64("chat", r.Event.ChatID))
	}
}

func (s *Service) renderReminder(r storage.Reminder) string {
	var b strings.Builder
	b.WriteString(r.Reminder)
	b.WriteString("\n\nStart at: ")
	b.WriteString(r.Event.StartAt.In(s.loc).Format("2006-01-02 15:04"))
	if r.Event.Location != "" {
		b.WriteString("\nLocation: ")
		b.WriteString(r.Event.Location)
	}
	return b.String()
}

// DeleteEvent cancels an event's live timers and deletes the event; its
// remaining notification rows go with it (cascade). Deleting a nonexistent
// id returns 0, not an error.
func (s *Service) DeleteEvent(ctx context.Context, eventID int64) (int64, error) {
	notifications, err := s.store.NotificationsByEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("event %d: %w", eventID, err)
	}
	for _, n := range notifications {
		if n.JobName != "" {
			s.tm.Cancel(n.JobName)
		}
	}
	return s.store.DeleteEvent(ctx, eventID)
}

// ClearSchedule cancels every live job belonging to the chat and deletes all
// of the chat's events. Returns the number of deleted events.
func (s *Service) ClearSchedule(ctx context.Context, chatID int64) (int64, error) {
	for _, j := range s.tm.Jobs() {
		if j.Payload.ChatID == chatID {
			s.tm.Cancel(j.Name)
		}
	}
	return s.store.DeleteEventsByChat(ctx, chatID)
}

// ListEvents returns a chat's events ordered by start time.
func (s *Service) ListEvents(ctx context.Context, chatID int64) ([]storage.Event, error) {
	return s.store.EventsByChat(ctx, chatID)
}

// ScheduleItem is one upcoming event as seen from the live timer snapshot.
type ScheduleItem struct {
	EventID  int64
	Title    string
	Location string
	StartAt  time.Time
}

// LiveReminders reconstructs "what is on the schedule" for a chat from the
// currently pending jobs, one item per event.
func (s *Service) LiveReminders(chatID int64) []ScheduleItem {
	seen := map[int64]bool{}
	var out []ScheduleItem
	for _, j := range s.tm.Jobs() {
		p := j.Payload
		if p.ChatID != chatID || seen[p.EventID] {
			continue
		}
		seen[p.EventID] = true
		out = append(out, ScheduleItem{
			EventID:  p.EventID,
			Title:    p.Title,
			Location: p.Location,
			StartAt:  p.StartAt,
		})
	}
	return out
}

// Recover re-arms timers for persisted notifications that were live when the
// process last stopped. Past-due instants fire immediately on the worker
// pool. Returns the number of re-armed jobs.
func (s *Service) Recover(ctx context.Context) (int, error) {
	rows, err := s.store.ScheduledNotifications(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, r := range rows {
		if r.JobName == "" {
			continue
		}
		p := timers.Payload{
			EventID:  r.EventID,
			ChatID:   r.Event.ChatID,
			Title:    r.Event.Title,
			Location: r.Event.Location,
			StartAt:  r.Event.StartAt,
			Message:  r.Reminder,
		}
		if _, err := s.tm.ScheduleOnce(r.JobName, r.NotifyAt, p); err != nil {
			return armed, fmt.Errorf("recover %s: %w", r.JobName, err)
		}
		armed++
	}
	if armed > 0 {
		s.log.Info("recovered scheduled reminders", logx.Int("count", armed))
	}
	return armed, nil
}
