package timers

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

// Config controls the timer service.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
type Config struct {
	Workers   int
	QueueSize int
}

// Payload is the data carried by a reminder job, enough to render the
// outgoing message and to group jobs per event for display.
type Payload struct {
	EventID  int64
	ChatID   int64
	Title    string
	Location string
	StartAt  time.Time
	Message  string
}

// Job is a pending one-shot timer. ID is an opaque handle; Name is the
// correlation key shared with the notification row.
type Job struct {
	ID      string
	Name    string
	RunAt   time.Time
	Payload Payload
}

// DeliverFunc is invoked by a worker when a job's fire instant arrives.
type DeliverFunc func(ctx context.Context, job Job)

// Service runs in-process one-shot timers plus recurring maintenance
// entries. Nothing here survives a process restart; persisted notification
// rows are the durable side.
type Service struct {
	cfg     Config
	log     logx.Logger
	deliver DeliverFunc

	mu        sync.Mutex
	queue     chan Job
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	c *cron.Cron

	// tmu guards the live timer maps. ver lets a stale AfterFunc callback
	// detect that its job was cancelled or replaced in the meantime.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	jobs   map[string]Job
	ver    map[string]uint64
}
