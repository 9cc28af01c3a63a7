// Package cleanup is the cleanup scheduler (C9): a long-running loop that
// expires stale attempts and auto-extends near-deadline ones. Grounded on
// the teacher's services running as goroutines started from cmd/server's
// main, generalized from the source's test_cleanup_service.py's per-pass
// affected-row counters (logged at info level, never returned as errors to
// a caller that isn't there).
package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/store"
)

// Scheduler runs the four cleanup steps named in §4.9 on a fixed period.
// It holds no transaction across steps (§5): each step is its own
// independently-idempotent pass, so a missed tick is recovered by the next.
type Scheduler struct {
	store store.Store
	cfg   *config.CoreConfig
	log   *logrus.Entry
}

func NewScheduler(st store.Store, cfg *config.CoreConfig, log *logrus.Logger) *Scheduler {
	return &Scheduler{store: st, cfg: cfg, log: log.WithField("component", "cleanup")}
}

// Counts reports how many rows each step affected in one pass, the way the
// original service logs counters per pass for operators to watch.
type Counts struct {
	Expired         int
	AutoExtended    int
	DeletedStale    int
	ExpiredInactive int
}

// Run loops until ctx is cancelled, invoking RunOnce every CLEANUP_PERIOD.
// It never holds a database transaction across the loop; each tick is a
// fresh, independent pass.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.RunOnce(ctx)
			if err != nil {
				s.log.WithError(err).Warn("cleanup pass failed, will retry next tick")
				continue
			}
			s.log.WithFields(logrus.Fields{
				"expired":          counts.Expired,
				"auto_extended":    counts.AutoExtended,
				"deleted_stale":    counts.DeletedStale,
				"expired_inactive": counts.ExpiredInactive,
			}).Info("cleanup pass complete")
		}
	}
}

// RunOnce executes the four steps in order and returns how many rows each
// affected. A cancelled context aborts the remaining steps safely; nothing
// partially applied needs to be undone since every step is a plain
// row-at-a-time status update.
func (s *Scheduler) RunOnce(ctx context.Context) (Counts, error) {
	var counts Counts

	n, err := s.ExpireOverdueAttempts(ctx)
	if err != nil {
		return counts, err
	}
	counts.Expired = n

	n, err = s.ExtendNearDeadlineAttempts(ctx)
	if err != nil {
		return counts, err
	}
	counts.AutoExtended = n

	n, err = s.ExpireStaleStarted(ctx)
	if err != nil {
		return counts, err
	}
	counts.DeletedStale = n

	n, err = s.ExpireInactiveInProgress(ctx)
	if err != nil {
		return counts, err
	}
	counts.ExpiredInactive = n

	return counts, nil
}

// ExpireOverdueAttempts transitions in_progress attempts whose expires_at
// has passed to expired.
func (s *Scheduler) ExpireOverdueAttempts(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	attempts, err := s.store.ListInProgressExpiring(ctx, now.Unix())
	if err != nil {
		return 0, err
	}
	for _, a := range attempts {
		a.Status = domain.AttemptExpired
		if err := s.store.UpdateAttempt(ctx, &a); err != nil {
			return 0, err
		}
	}
	return len(attempts), nil
}

// ExtendNearDeadlineAttempts auto-extends any in_progress attempt whose
// expires_at falls within WARN_WINDOW and hasn't exhausted
// MAX_AUTO_EXTENDS. Run after ExpireOverdueAttempts so already-overdue
// attempts (now expired) never get double-handled.
func (s *Scheduler) ExtendNearDeadlineAttempts(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	horizon := now.Add(s.cfg.WarnWindow())

	attempts, err := s.store.ListInProgressExpiring(ctx, horizon.Unix())
	if err != nil {
		return 0, err
	}

	extended := 0
	for _, a := range attempts {
		if a.ExpiresAt == nil || !a.ExpiresAt.After(now) {
			continue
		}
		if a.AutoExtendCount >= s.cfg.MaxAutoExtends {
			continue
		}
		newExpiry := a.ExpiresAt.Add(s.cfg.ExtendStep())
		a.ExpiresAt = &newExpiry
		a.AutoExtendCount++
		if err := s.store.UpdateAttempt(ctx, &a); err != nil {
			return extended, err
		}
		extended++
	}
	return extended, nil
}

// ExpireStaleStarted deletes in_progress attempts that never received a
// heartbeat (last_activity_at == started_at) and are older than
// STALE_MAX_AGE_HOURS.
func (s *Scheduler) ExpireStaleStarted(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleMaxAge())
	attempts, err := s.store.ListStartedOlderThan(ctx, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	for _, a := range attempts {
		if err := s.store.DeleteAttempt(ctx, a.ID); err != nil {
			return 0, err
		}
	}
	return len(attempts), nil
}

// ExpireInactiveInProgress transitions in_progress attempts whose
// last_activity_at is older than STALE_MAX_AGE_HOURS to expired.
func (s *Scheduler) ExpireInactiveInProgress(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleMaxAge())
	attempts, err := s.store.ListInactiveInProgress(ctx, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	for _, a := range attempts {
		a.Status = domain.AttemptExpired
		if err := s.store.UpdateAttempt(ctx, &a); err != nil {
			return 0, err
		}
	}
	return len(attempts), nil
}
