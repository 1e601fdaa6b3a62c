package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"NewsDigest/internal/infrastructure/scheduler"
	"NewsDigest/internal/metrics"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/settings"
)

// ScheduleState is the controller state: Idle, Armed or Firing.
type ScheduleState int

const (
	StateIdle ScheduleState = iota
	StateArmed
	StateFiring
)

func (s ScheduleState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	default:
		return "idle"
	}
}

// SettingsSource provides consistent snapshots of the runtime settings.
type SettingsSource interface {
	Snapshot() settings.Settings
}

// ScheduleControllerDeps wires the controller.
type ScheduleControllerDeps struct {
	Settings SettingsSource
	Clock    ports.Clock
	Job      func(ctx context.Context) error
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// BusyRetry is how long a scheduled run waits when it finds another digest in
	// flight. Defaults to one minute.
	BusyRetry time.Duration
}

const defaultBusyRetry = time.Minute

// ScheduleController arms a single-shot timer for the next weekly release and
// only rearms after the fired job has returned, so scheduled runs never overlap.
type ScheduleController struct {
	settings SettingsSource
	clock    ports.Clock
	job      func(ctx context.Context) error
	metrics  *metrics.Recorder
	logger   *slog.Logger
	retry    time.Duration

	mu         sync.Mutex
	ctx        context.Context
	state      ScheduleState
	timer      ports.Timer
	next       time.Time
	due        time.Time
	generation uint64
	lastFired  time.Time
	stopped    bool
	idle       chan struct{}
}

// NewScheduleController returns an Idle controller; call Start to arm it.
func NewScheduleController(deps ScheduleControllerDeps) *ScheduleController {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := deps.BusyRetry
	if retry <= 0 {
		retry = defaultBusyRetry
	}
	return &ScheduleController{
		settings: deps.Settings,
		clock:    deps.Clock,
		job:      deps.Job,
		metrics:  deps.Metrics,
		logger:   logger,
		retry:    retry,
		ctx:      context.Background(),
	}
}

// Start arms the first occurrence. ctx is handed to every fired job.
func (c *ScheduleController) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.stopped = false
	c.armLocked()
}

// Rearm cancels a pending timer and recomputes from the latest settings.
// While Firing it is a no-op: the next occurrence is computed when the job returns.
func (c *ScheduleController) Rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if c.state == StateFiring {
		c.logger.Info("rearm deferred until running digest completes")
		return
	}
	c.cancelLocked()
	c.armLocked()
}

// Stop cancels any pending timer. An in-flight job runs to completion but is not rearmed.
func (c *ScheduleController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cancelLocked()
}

// Status reports the current state and armed timestamp.
func (c *ScheduleController) Status() (ScheduleState, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.next
}

// Preview computes the next occurrence for the given settings without arming anything.
func Preview(now time.Time, snap settings.Settings) (time.Time, bool) {
	return computeNext(now, snap, time.Time{})
}

// Wait blocks until the most recently fired job has returned. Call it after Stop to
// drain a running digest before tearing down what it uses.
func (c *ScheduleController) Wait() {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	if idle != nil {
		<-idle
	}
}

func (c *ScheduleController) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	if c.state == StateArmed {
		c.state = StateIdle
		c.next = time.Time{}
		c.due = time.Time{}
	}
}

func (c *ScheduleController) armLocked() {
	now := c.clock.Now()
	next, ok := computeNext(now, c.settings.Snapshot(), c.lastFired)
	if !ok {
		c.state = StateIdle
		c.next = time.Time{}
		c.metrics.NextFire(time.Time{})
		c.logger.Info("schedule idle", "reason", "inactive or incomplete rule")
		return
	}

	c.generation++
	gen := c.generation
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	c.timer = c.clock.AfterFunc(delay, func() { c.fire(gen) })
	c.state = StateArmed
	c.next = next
	c.due = next
	c.metrics.NextFire(next)
	c.logger.Info("digest scheduled", "next_fire", next.Format(time.RFC3339), "in", delay.Round(time.Second))
}

// armRetryLocked re-arms the same occurrence after the busy delay.
func (c *ScheduleController) armRetryLocked(occurrence time.Time) {
	c.generation++
	gen := c.generation
	c.timer = c.clock.AfterFunc(c.retry, func() { c.fire(gen) })
	c.state = StateArmed
	c.next = c.clock.Now().Add(c.retry)
	c.due = occurrence
	c.metrics.NextFire(c.next)
}

func (c *ScheduleController) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.generation || c.state != StateArmed {
		c.mu.Unlock()
		return
	}
	c.state = StateFiring
	c.timer = nil
	previous := c.lastFired
	occurrence := c.due
	c.lastFired = occurrence
	ctx := c.ctx
	c.idle = make(chan struct{})
	idle := c.idle
	c.mu.Unlock()

	go func() {
		defer close(idle)

		c.logger.Info("scheduled digest firing", "occurrence", occurrence.Format(time.RFC3339))
		err := c.runJob(ctx)
		busy := errors.Is(err, ErrDigestRunning)
		switch {
		case busy:
			c.logger.Warn("scheduled digest deferred", "reason", err, "retry_in", c.retry)
		case err != nil:
			c.logger.Error("scheduled digest failed", "error", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.state = StateIdle
		c.next = time.Time{}
		c.due = time.Time{}
		if busy {
			c.lastFired = previous
		}
		switch {
		case c.stopped:
		case busy:
			c.armRetryLocked(occurrence)
		default:
			c.armLocked()
		}
	}()
}

func (c *ScheduleController) runJob(ctx context.Context) (err error) {
	if c.job == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("scheduled digest panicked", "panic", r)
		}
	}()
	return c.job(ctx)
}

// computeNext applies the weekly rule. A date that already received a digest is skipped.
func computeNext(now time.Time, snap settings.Settings, lastFired time.Time) (time.Time, bool) {
	if !snap.Active {
		return time.Time{}, false
	}
	days := snap.Weekdays()
	if len(days) == 0 {
		return time.Time{}, false
	}
	hour, minute, second, ok := snap.Release()
	if !ok {
		return time.Time{}, false
	}

	rule := scheduler.WeeklyRule{Days: days, Hour: hour, Minute: minute, Second: second}
	next, err := scheduler.NextFire(now, rule)
	if err != nil {
		return time.Time{}, false
	}
	if !lastFired.IsZero() && sameDate(next, lastFired) {
		y, m, d := lastFired.In(now.Location()).Date()
		endOfDay := time.Date(y, m, d, 23, 59, 59, 0, now.Location())
		if next, err = scheduler.NextFire(endOfDay, rule); err != nil {
			return time.Time{}, false
		}
	}
	return next, true
}

func sameDate(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
