package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/engine"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                    { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string) error  { return nil }
func (f *fakeAdapter) SetCommands(context.Context, []kit.BotCommand) error {
	return nil
}
func (f *fakeAdapter) SetChatCommands(context.Context, int64, []kit.BotCommand) error {
	return nil
}
func (f *fakeAdapter) ResetChatCommands(context.Context, int64) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ int64, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeEngine struct {
	mu       sync.Mutex
	created  []storage.Event
	deleted  []int64
	cleared  []int64
	imported int64
	items    []engine.ScheduleItem
}

func (f *fakeEngine) CreateEvent(_ context.Context, chatID int64, title, location string, startAt time.Time) (storage.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := storage.Event{ID: int64(len(f.created) + 1), ChatID: chatID, Title: title, Location: location, StartAt: startAt}
	f.created = append(f.created, ev)
	return ev, nil
}

func (f *fakeEngine) BulkImport(_ context.Context, _ int64, drafts []storage.EventDraft) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported += int64(len(drafts))
	return int64(len(drafts)), nil
}

func (f *fakeEngine) DeleteEvent(_ context.Context, eventID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	if eventID == 404 {
		return 0, nil
	}
	return 1, nil
}

func (f *fakeEngine) ClearSchedule(_ context.Context, chatID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, chatID)
	return 1, nil
}

func (f *fakeEngine) LiveReminders(int64) []engine.ScheduleItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items
}

func newTestRouter() (*Router, *fakeAdapter, *fakeEngine) {
	ad := &fakeAdapter{}
	eng := &fakeEngine{}
	r := NewRouter(ad, eng, nil, Config{}, logx.Nop())
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r, ad, eng
}

func msg(chatID int64, text string) *kit.Message {
	return &kit.Message{ChatID: chatID, Text: text}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		ok   bool
	}{
		{in: "/start", name: "start", ok: true},
		{in: "/add_event@RemindBot", name: "add_event", ok: true},
		{in: "/get_schedule extra args", name: "get_schedule", ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
	}
	for _, tt := range tests {
		name, ok := parseCommand(tt.in)
		if ok != tt.ok || name != tt.name {
			t.Fatalf("parseCommand(%q) = (%q, %v), want (%q, %v)", tt.in, name, ok, tt.name, tt.ok)
		}
	}
}

func TestExpandLocation(t *testing.T) {
	t.Parallel()
	if got := expandLocation("dion abc123"); got != "https://dion.vc/event/abc123" {
		t.Fatalf("dion shortcut not expanded: %q", got)
	}
	if got := expandLocation("room 5"); got != "room 5" {
		t.Fatalf("plain location mangled: %q", got)
	}
}

func TestParseCallbackData(t *testing.T) {
	t.Parallel()
	action, payload := parseCallbackData("\fdate|2026-03-01")
	if action != "date" || payload != "2026-03-01" {
		t.Fatalf("got (%q, %q)", action, payload)
	}
}

func TestAddEventConversation(t *testing.T) {
	t.Parallel()
	r, ad, eng := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/add_event"))
	if !strings.Contains(ad.last(t), "Введите дату") {
		t.Fatalf("expected date prompt, got %q", ad.last(t))
	}

	r.handleMessage(ctx, msg(100, "2026-03-02"))
	if !strings.Contains(ad.last(t), "Введите время") {
		t.Fatalf("expected time prompt, got %q", ad.last(t))
	}

	r.handleMessage(ctx, msg(100, "14:30"))
	r.handleMessage(ctx, msg(100, "Standup"))
	r.handleMessage(ctx, msg(100, "dion xyz"))

	if !strings.Contains(ad.last(t), "Событие добавлено") {
		t.Fatalf("expected confirmation, got %q", ad.last(t))
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.created) != 1 {
		t.Fatalf("expected 1 created event, got %d", len(eng.created))
	}
	ev := eng.created[0]
	if ev.Title != "Standup" || ev.Location != "https://dion.vc/event/xyz" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	want := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	if !ev.StartAt.Equal(want) {
		t.Fatalf("StartAt = %v, want %v", ev.StartAt, want)
	}
	if r.conversation(100) != nil {
		t.Fatal("conversation should be finished")
	}
}

func TestAddEventRejectsBadInput(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/add_event"))
	r.handleMessage(ctx, msg(100, "not-a-date"))
	if !strings.Contains(ad.last(t), "Неверный формат даты") {
		t.Fatalf("expected date error, got %q", ad.last(t))
	}
	if r.conversation(100).step != stepDate {
		t.Fatal("bad date should keep the conversation on the date step")
	}

	r.handleMessage(ctx, msg(100, "2026-03-02"))
	r.handleMessage(ctx, msg(100, "25:99"))
	if !strings.Contains(ad.last(t), "Неверный формат времени") {
		t.Fatalf("expected time error, got %q", ad.last(t))
	}
}

func TestDateFromCallbackButton(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/add_event"))
	r.handleCallback(ctx, &kit.Callback{ID: "cb1", ChatID: 100, Data: "\fdate|2026-03-02"})
	if !strings.Contains(ad.last(t), "Введите время") {
		t.Fatalf("expected time prompt after button, got %q", ad.last(t))
	}
	if r.conversation(100).step != stepTime {
		t.Fatal("callback date should advance to the time step")
	}
}

func TestCancelEndsConversation(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/add_event"))
	r.handleMessage(ctx, msg(100, "/cancel"))
	if !strings.Contains(ad.last(t), "отменено") {
		t.Fatalf("expected cancel confirmation, got %q", ad.last(t))
	}
	if r.conversation(100) != nil {
		t.Fatal("conversation should be gone after /cancel")
	}
}

func TestDeleteEventConversation(t *testing.T) {
	t.Parallel()
	r, ad, eng := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/delete_event"))
	r.handleMessage(ctx, msg(100, "oops"))
	if !strings.Contains(ad.last(t), "некорректное значение") {
		t.Fatalf("expected id error, got %q", ad.last(t))
	}

	r.handleMessage(ctx, msg(100, "7"))
	if !strings.Contains(ad.last(t), "Событие [7] удалено.") {
		t.Fatalf("expected delete confirmation, got %q", ad.last(t))
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.deleted) != 1 || eng.deleted[0] != 7 {
		t.Fatalf("unexpected deletes: %v", eng.deleted)
	}
}

func TestDeleteMissingEvent(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/delete_event"))
	r.handleMessage(ctx, msg(100, "404"))
	if !strings.Contains(ad.last(t), "не найдено") {
		t.Fatalf("expected not-found reply, got %q", ad.last(t))
	}
}

func TestGetScheduleRendering(t *testing.T) {
	t.Parallel()
	r, ad, eng := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/get_schedule"))
	if ad.last(t) != "Расписание пусто!" {
		t.Fatalf("expected empty schedule reply, got %q", ad.last(t))
	}

	eng.mu.Lock()
	eng.items = []engine.ScheduleItem{{
		EventID: 3, Title: "Standup", Location: "room 1",
		StartAt: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	}}
	eng.mu.Unlock()

	r.handleMessage(ctx, msg(100, "/get_schedule"))
	got := ad.last(t)
	for _, part := range []string{"[3]", "2026-03-02 14:30", `"Standup"`, "room 1"} {
		if !strings.Contains(got, part) {
			t.Fatalf("schedule listing %q missing %q", got, part)
		}
	}
}

func TestClearSchedule(t *testing.T) {
	t.Parallel()
	r, ad, eng := newTestRouter()
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/clear_schedule"))
	if ad.last(t) != "Расписание очищено!" {
		t.Fatalf("expected clear confirmation, got %q", ad.last(t))
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.cleared) != 1 || eng.cleared[0] != 100 {
		t.Fatalf("unexpected clears: %v", eng.cleared)
	}
}

func TestScheduleImport(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	eng := &fakeEngine{}
	load := func(ctx context.Context, now time.Time) ([]storage.EventDraft, error) {
		return []storage.EventDraft{{Title: "A", StartAt: now.Add(time.Hour)}}, nil
	}
	r := NewRouter(ad, eng, load, Config{}, logx.Nop())
	ctx := context.Background()

	r.handleMessage(ctx, msg(100, "/schedule"))
	if !strings.Contains(ad.last(t), "Расписание загружено") {
		t.Fatalf("expected import confirmation, got %q", ad.last(t))
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.imported != 1 {
		t.Fatalf("imported = %d, want 1", eng.imported)
	}
}
