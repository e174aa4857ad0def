// Package cleanup periodically removes expired sessions and orphaned
// credential directories.
package cleanup

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/majordomo/internal/audit"
	"github.com/HyphaGroup/majordomo/internal/credentials"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/session"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// auditRetention bounds how long audit events are kept.
const auditRetention = 30 * 24 * time.Hour

// Runner drives the sweep on a cron schedule.
type Runner struct {
	schedule string
	store    *session.Store
	creds    *credentials.Materializer
	audit    *audit.Store
	cron     *cron.Cron
}

// NewRunner creates a sweep runner. audit may be nil.
func NewRunner(schedule string, store *session.Store, creds *credentials.Materializer, auditStore *audit.Store) *Runner {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Runner{
		schedule: schedule,
		store:    store,
		creds:    creds,
		audit:    auditStore,
		cron:     cron.New(),
	}
}

// Start schedules the sweep. Invalid schedules fail here, not at sweep
// time.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	logger.Slog().Info("Cleanup runner started", "schedule", r.schedule)
	return nil
}

// Stop halts the schedule. A sweep already in flight finishes.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	logger.Slog().Info("Cleanup runner stopped")
}

// Sweep removes expired sessions, deletes credential directories whose
// session no longer exists, and prunes old audit events.
func (r *Runner) Sweep() {
	removed := r.store.SweepExpired()
	if removed > 0 {
		logger.Slog().Info("Swept expired sessions", "count", removed)
		if r.audit != nil {
			r.audit.Log(&audit.Event{
				Operation: audit.OpSessionExpire,
				Success:   true,
				Details:   map[string]any{"count": removed},
			})
		}
	}

	orphans := r.orphanedCredentialDirs()
	for _, id := range orphans {
		if err := r.creds.Remove(id); err != nil {
			logger.Slog().Warn("Failed to remove orphaned credential directory",
				"session_id", id,
				"error", err)
		}
	}
	if len(orphans) > 0 {
		logger.Slog().Info("Removed orphaned credential directories", "count", len(orphans))
	}

	if r.audit != nil {
		if pruned, err := r.audit.Prune(auditRetention); err == nil && pruned > 0 {
			logger.Slog().Info("Pruned audit events", "count", pruned)
		}
	}
}

// orphanedCredentialDirs returns credential directories with no live
// session behind them. Sessions torn down normally remove their own
// directory; orphans appear after a crash mid-teardown.
func (r *Runner) orphanedCredentialDirs() []string {
	dirs, err := r.creds.SessionDirs()
	if err != nil {
		logger.Slog().Warn("Failed to list credential directories", "error", err)
		return nil
	}

	live := make(map[string]bool)
	for _, id := range r.store.IDs() {
		live[id] = true
	}

	var orphans []string
	for _, id := range dirs {
		if !live[id] {
			orphans = append(orphans, id)
		}
	}
	return orphans
}
