package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// PresenceRefresher advertises which sessions this instance is running.
type PresenceRefresher interface {
	Refresh(ctx context.Context, sessionIDs []string) error
}

// Janitor periodically unloads idle sessions and refreshes presence markers.
type Janitor struct {
	engine   *Engine
	presence PresenceRefresher
	idleTTL  time.Duration
	every    time.Duration
	logger   *slog.Logger
	sched    gocron.Scheduler
}

func NewJanitor(engine *Engine, presence PresenceRefresher, every, idleTTL time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{engine: engine, presence: presence, idleTTL: idleTTL, every: every, logger: logger}
}

// Start schedules the sweep. Stop must be called to release the scheduler.
func (j *Janitor) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(j.every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.every)
			defer cancel()
			j.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	j.sched = sched
	return nil
}

// Sweep runs one pass.
func (j *Janitor) Sweep(ctx context.Context) {
	if n := j.engine.Evict(j.idleTTL); n > 0 {
		j.logger.Debug("janitor evicted sessions", slog.Int("count", n))
	}
	if j.presence == nil {
		return
	}
	if err := j.presence.Refresh(ctx, j.engine.LiveSessions()); err != nil {
		j.logger.Warn("presence refresh failed", slog.String("error", err.Error()))
	}
}

func (j *Janitor) Stop() error {
	if j.sched == nil {
		return nil
	}
	return j.sched.Shutdown()
}
