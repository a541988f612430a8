package timers

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

func New(cfg Config, deliver DeliverFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		deliver: deliver,
		c:       cron.New(),
		timers:  map[string]*time.Timer{},
		jobs:    map[string]Job{},
		ver:     map[string]uint64{},
	}
}

// Start spins up the worker pool and the maintenance cron.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	s.queue = make(chan Job, queueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in timer worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.c.Start()
	s.log.Info("timer service started", logx.Int("workers", workers), logx.Int("queue", queueSize))
}

// Stop cancels every live timer, stops the maintenance cron and waits for
// in-flight deliveries to drain.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCtx = nil
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	<-s.c.Stop().Done()

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.jobs = map[string]Job{}
	s.ver = map[string]uint64{}
	s.tmu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// drain continues in background
	}
	s.log.Info("timer service stopped")
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.deliverOne(ctx, j)
		}
	}
}

func (s *Service) deliverOne(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic delivering job",
				logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.deliver != nil {
		s.deliver(ctx, j)
	}
}

// ScheduleOnce arms a one-shot timer for the given job name. A name that is
// already armed is replaced (upsert), so re-registering cannot duplicate
// timers. Past instants fire immediately.
func (s *Service) ScheduleOnce(name string, at time.Time, p Payload) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name required")
	}
	if at.IsZero() {
		return Job{}, errors.New("fire instant required")
	}

	job := Job{ID: uuid.NewString(), Name: name, RunAt: at, Payload: p}

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	ver := s.ver[name] + 1
	s.ver[name] = ver
	s.jobs[name] = job

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localVer := ver
	s.timers[name] = time.AfterFunc(delay, func() {
		// Ignore stale callbacks from a timer that was cancelled or replaced.
		s.tmu.Lock()
		if s.ver[name] != localVer {
			s.tmu.Unlock()
			return
		}
		j := s.jobs[name]
		delete(s.timers, name)
		delete(s.jobs, name)
		delete(s.ver, name)
		s.tmu.Unlock()

		s.enqueue(j)
	})
	s.tmu.Unlock()

	s.log.Debug("job armed", logx.String("job", name), logx.Time("at", at))
	return job, nil
}

func (s *Service) enqueue(j Job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("timer service not running; dropping job", logx.String("job", j.Name))
		return
	}
	select {
	case q <- j:
	default:
		s.log.Warn("timer queue full; dropping job",
			logx.String("job", j.Name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	}
}

// Cancel removes a live timer by job name. Cancelling a job that already
// fired or never existed is not an error; it reports false.
func (s *Service) Cancel(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return false
	}
	_ = t.Stop()
	delete(s.timers, name)
	delete(s.jobs, name)
	delete(s.ver, name)
	return true
}

// Jobs returns a snapshot of pending jobs ordered by fire instant.
func (s *Service) Jobs() []Job {
	s.tmu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.tmu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].RunAt.Equal(out[k].RunAt) {
			return out[i].Name < out[k].Name
		}
		return out[i].RunAt.Before(out[k].RunAt)
	})
	return out
}

// AddMaintenance registers a recurring job (cron spec or "@every <dur>").
// Entries added before Start begin running once Start is called.
func (s *Service) AddMaintenance(name, spec string, fn func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	_, err := s.c.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := fn(ctx); err != nil {
			s.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.log.Debug("maintenance registered", logx.String("job", name), logx.String("spec", spec))
	return nil
}
