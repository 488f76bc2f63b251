package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("maintenance: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("maintenance: "+msg, append(keysAndValues, "error", err)...)
}

// newMaintenance schedules the housekeeping jobs. Each run is bounded by
// ctx and a one-minute timeout. Empty schedules are skipped.
func (b *Bridge) newMaintenance(ctx context.Context) (*cron.Cron, error) {
	clog := cronLogger{logger: b.logger.With("component", "maintenance")}
	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"media_sweep", b.cfg.Maintenance.MediaSweep, func() { b.sweepMedia(ctx) }},
		{"stats_log", b.cfg.Maintenance.StatsLog, func() { b.logStats(ctx) }},
		{"heartbeat", b.cfg.Maintenance.Heartbeat, b.heartbeat},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := c.AddFunc(job.schedule, job.run); err != nil {
			return nil, fmt.Errorf("scheduling %s %q: %w", job.name, job.schedule, err)
		}
	}
	return c, nil
}

// sweepMedia deletes downloaded media past retention.
func (b *Bridge) sweepMedia(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := b.media.DeleteExpired(ctx)
	if err != nil {
		b.logger.Warn("bridge: media sweep failed", "error", err)
		return
	}
	if n > 0 {
		b.logger.Info("bridge: expired media removed", "count", n)
	}
}

// logStats writes store and loop counters to the log.
func (b *Bridge) logStats(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	loop := b.loop.Stats()
	args := []any{
		"state", b.session.State(),
		"polls", loop.Polls,
		"handled", loop.Handled,
		"duplicates", loop.Duplicates,
		"shed", loop.Shed,
		"failures", loop.Failures,
	}
	if st, err := b.store.Stats(ctx); err != nil {
		b.logger.Warn("bridge: loading stats", "error", err)
	} else {
		args = append(args,
			"conversations", st.Conversations,
			"active_conversations", st.ActiveConversations,
			"messages", st.Messages,
			"total_tokens", st.TotalTokens,
		)
	}
	b.logger.Info("bridge: stats", args...)
}

// heartbeat re-persists the current status so its timestamp shows the
// process is alive.
func (b *Bridge) heartbeat() {
	b.status.touch()
}
