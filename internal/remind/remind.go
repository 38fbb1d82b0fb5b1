// Package remind implements the ward's reminder service: a small HTTP
// daemon that schedules reminder toasts, records delivery receipts, and
// appends every action to the shared behavioral log. Its time handling
// is deliberately naive; timestamps without an offset are taken in the
// server's local zone, which is the lateness rosebud keeps diagnosing.
package remind

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rosebud/internal/event"
)

// Reminder statuses, in lifecycle order.
const (
	StatusScheduled = "scheduled"
	StatusToasted   = "toasted"
	StatusReceived  = "received"
)

var (
	// ErrNotFound marks a receipt for an unknown reminder.
	ErrNotFound = errors.New("reminder not found")

	// ErrNotToasted marks a receipt arriving before the toast fired.
	ErrNotToasted = errors.New("reminder not yet toasted")

	errClosed = errors.New("service closed")
)

// Reminder is one scheduled toast.
type Reminder struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	RequestedAt time.Time  `json:"requested_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      string     `json:"status"`
	ToastedAt   *time.Time `json:"toasted_at,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
}

// Options configures the service.
type Options struct {
	Addr       string        // listen address, default 127.0.0.1:8000
	Actor      string        // actor stamped on emitted events, default ward
	EventsLog  string        // behavioral log to append to; empty disables emission
	ToastGrace time.Duration // lateness tolerated before a toast reports delay

	Location *time.Location   // zone for naive timestamps, default time.Local
	Clock    func() time.Time // default time.Now
}

// Service holds the reminder registry and fires toasts. One goroutine
// waits per scheduled toast; Close drains them all.
type Service struct {
	addr       string
	actor      string
	eventsLog  string
	toastGrace time.Duration
	loc        *time.Location
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics

	mu        sync.Mutex
	reminders map[string]*Reminder
	order     []string
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a service. A nil logger disables logging.
func New(opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8000"
	}
	if opts.Actor == "" {
		opts.Actor = "ward"
	}
	if opts.ToastGrace <= 0 {
		opts.ToastGrace = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		addr:       opts.Addr,
		actor:      opts.Actor,
		eventsLog:  opts.EventsLog,
		toastGrace: opts.ToastGrace,
		loc:        opts.Location,
		now:        opts.Clock,
		logger:     logger,
		metrics:    newMetrics(),
		reminders:  make(map[string]*Reminder),
		done:       make(chan struct{}),
	}
}

// Schedule registers a reminder and arms its toast timer. The returned
// value reports whether the client's time string parsed; an unparseable
// or missing one lands two minutes out and the schedule event carries
// status delay.
func (s *Service) Schedule(when, task string) (Reminder, error) {
	if task == "" {
		task = "unspecified task"
	}
	now := s.now()
	scheduledAt, parsed := s.parseWhen(when, now)

	rem := &Reminder{
		ID:          uuid.NewString(),
		Task:        task,
		RequestedAt: now,
		ScheduledAt: scheduledAt,
		Status:      StatusScheduled,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Reminder{}, errClosed
	}
	s.reminders[rem.ID] = rem
	s.order = append(s.order, rem.ID)
	s.wg.Add(1)
	snapshot := *rem
	s.mu.Unlock()

	go s.waitToast(rem.ID, scheduledAt.Sub(now))

	s.metrics.scheduled.Inc()
	status := "ok"
	if !parsed {
		status = "delay"
	}
	s.emit("reminder.schedule", status, map[string]any{
		"id":           rem.ID,
		"task":         task,
		"when":         when,
		"scheduled_at": scheduledAt.UTC().Format(time.RFC3339),
	})
	s.logger.Info("reminder scheduled",
		zap.String("id", rem.ID),
		zap.String("task", task),
		zap.Time("at", scheduledAt))

	return snapshot, nil
}

// parseWhen resolves the client's requested time. RFC 3339 values keep
// their offset; naive timestamps are taken in the server's local zone.
// Anything else lands two minutes out.
func (s *Service) parseWhen(when string, now time.Time) (time.Time, bool) {
	if when == "" {
		return now.Add(2 * time.Minute), false
	}
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", when, s.loc); err == nil {
		return t, true
	}
	return now.Add(2 * time.Minute), false
}

// waitToast sleeps until the reminder is due, then fires its toast.
// Close releases it without firing.
func (s *Service) waitToast(id string, delay time.Duration) {
	defer s.wg.Done()
	if delay < 0 {
		delay = 0
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		s.fireToast(id)
	case <-s.done:
	}
}

func (s *Service) fireToast(id string) {
	s.mu.Lock()
	rem, ok := s.reminders[id]
	if !ok || rem.Status != StatusScheduled {
		s.mu.Unlock()
		return
	}
	now := s.now()
	rem.Status = StatusToasted
	rem.ToastedAt = &now
	lateness := now.Sub(rem.ScheduledAt)
	if lateness < 0 {
		lateness = 0
	}
	task := rem.Task
	s.mu.Unlock()

	status := "ok"
	if lateness > s.toastGrace {
		status = "delay"
	}
	s.metrics.toasts.WithLabelValues(status).Inc()
	s.metrics.toastLag.Observe(lateness.Seconds())

	s.emit("reminder.toast", status, map[string]any{
		"id":             id,
		"task":           task,
		"delayed_by_sec": lateness.Seconds(),
	})
	s.logger.Info("toast fired",
		zap.String("id", id),
		zap.String("status", status),
		zap.Duration("late_by", lateness))
}

// Receipt records that the toast reached its recipient and reports the
// lag between toast and receipt in milliseconds.
func (s *Service) Receipt(id string) (Reminder, float64, error) {
	s.mu.Lock()
	rem, ok := s.reminders[id]
	if !ok {
		s.mu.Unlock()
		return Reminder{}, 0, ErrNotFound
	}
	if rem.ToastedAt == nil {
		s.mu.Unlock()
		return Reminder{}, 0, ErrNotToasted
	}
	now := s.now()
	lagMS := float64(now.Sub(*rem.ToastedAt)) / float64(time.Millisecond)
	rem.Status = StatusReceived
	rem.ReceivedAt = &now
	snapshot := *rem
	s.mu.Unlock()

	s.emit("reminder.receipt", "delivered", map[string]any{
		"id":             id,
		"task":           snapshot.Task,
		"receipt_lag_ms": lagMS,
	})
	s.logger.Info("receipt recorded",
		zap.String("id", id),
		zap.Float64("lag_ms", lagMS))

	return snapshot, lagMS, nil
}

// List returns all reminders in scheduling order.
func (s *Service) List() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reminder, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.reminders[id])
	}
	return out
}

// Close stops pending toast timers and waits for in-flight toasts. It
// is idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) emit(kind, status string, payload map[string]any) {
	if s.eventsLog == "" {
		return
	}
	if err := event.Append(s.eventsLog, event.New(s.actor, kind, status, payload)); err != nil {
		s.logger.Warn("failed to append event",
			zap.String("kind", kind),
			zap.Error(err))
	}
}
