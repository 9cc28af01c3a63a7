// Package tracking is the activity tracker (C3): it turns a stream of
// client heartbeats into credited, monotone study time per subsection,
// with the anti-cheat validation named in the design. Grounded on the
// teacher's internal/services/sync package for its per-key
// map-of-mutexes serialization idiom, generalized from per-file locks to
// per-(user,subsection) locks.
package tracking

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/store"
)

// Aggregator is the subset of internal/progress's API the tracker calls
// when a subsection crosses its completion threshold. Declared here
// (rather than importing internal/progress directly) to keep the
// dependency direction the design names: C4 is invoked BY C3, not the
// other way.
type Aggregator interface {
	RecomputeForSubsection(ctx context.Context, userID, subsectionID int64) error
}

// Tracker implements StartSession/Heartbeat/EndSession.
type Tracker struct {
	store store.Store
	cache cache.Cache
	agg   Aggregator
	cfg   *config.CoreConfig
	log   *logrus.Entry

	// locks serializes heartbeats per (user, subsection), the way
	// internal/services/sync.Service keys a mutex per file path instead of
	// holding one process-wide lock.
	locksMu sync.Mutex
	locks   map[[2]int64]*sync.Mutex

	// recentIntervals holds, per (user, subsection), the last N heartbeat
	// intervals used for the suspicious-regularity check. In-memory only:
	// losing this history on restart just resets the anti-cheat window,
	// which is acceptable since it's a non-blocking signal.
	intervalsMu sync.Mutex
	intervals   map[[2]int64][]float64

	// recentActivity tracks, per user, the subsections with activity in
	// the last 5 minutes for the MAX_PARALLEL_SESSIONS check.
	activityMu sync.Mutex
	activity   map[int64]map[int64]time.Time
}

func NewTracker(st store.Store, c cache.Cache, agg Aggregator, cfg *config.CoreConfig, log *logrus.Logger) *Tracker {
	return &Tracker{
		store:     st,
		cache:     c,
		agg:       agg,
		cfg:       cfg,
		log:       log.WithField("component", "tracking"),
		locks:     make(map[[2]int64]*sync.Mutex),
		intervals: make(map[[2]int64][]float64),
		activity:  make(map[int64]map[int64]time.Time),
	}
}

func (t *Tracker) lockFor(userID, subsectionID int64) *sync.Mutex {
	key := [2]int64{userID, subsectionID}
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// SessionStatus is the shape returned to callers after Start/Heartbeat.
type SessionStatus struct {
	TimeSpentSeconds     int
	CompletionPercentage float64
	IsCompleted          bool
	NextIntervalSeconds  int
	Suspicious           bool
}

// StartSession creates the progress row if absent and marks a fresh
// viewing session.
func (t *Tracker) StartSession(ctx context.Context, userID, subsectionID int64) (*SessionStatus, error) {
	lock := t.lockFor(userID, subsectionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := t.store.GetOrCreateSubsectionProgress(ctx, userID, subsectionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.SessionStartAt = &now
	p.LastActivityAt = now
	if err := t.store.UpdateSubsectionProgress(ctx, p); err != nil {
		return nil, err
	}

	t.markActivity(userID, subsectionID, now)

	return &SessionStatus{
		TimeSpentSeconds:     p.TimeSpentSeconds,
		CompletionPercentage: p.CompletionPercentage,
		IsCompleted:          p.IsCompleted,
		NextIntervalSeconds:  t.cfg.HeartbeatIntervalSecs,
	}, nil
}

// Heartbeat validates and credits elapsed time since the last heartbeat.
func (t *Tracker) Heartbeat(ctx context.Context, userID, subsectionID int64, sub *domain.Subsection) (*SessionStatus, error) {
	if err := t.checkParallelism(userID, subsectionID); err != nil {
		return nil, err
	}

	lock := t.lockFor(userID, subsectionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := t.store.GetOrCreateSubsectionProgress(ctx, userID, subsectionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	interval := now.Sub(p.LastActivityAt).Seconds()

	if interval < float64(t.cfg.MinIntervalSeconds) {
		return nil, apperr.New(apperr.CodeTooFrequent, "heartbeat sent too soon after the previous one")
	}

	suspicious := t.recordInterval(userID, subsectionID, interval)

	// Maximum session: soft reset. Record the current session as ended and
	// start a new one; the heartbeat itself is still accepted.
	if p.SessionStartAt != nil && now.Sub(*p.SessionStartAt) > t.cfg.MaxSession() {
		p.ActivitySessions = append(p.ActivitySessions, domain.ActivitySession{
			Start:    *p.SessionStartAt,
			End:      p.LastActivityAt,
			Duration: int(p.LastActivityAt.Sub(*p.SessionStartAt).Seconds()),
		})
		p.SessionStartAt = &now
	}

	credit := interval
	if credit < 0 {
		credit = 0
	}
	if credit > float64(t.cfg.MaxIntervalSeconds) {
		credit = float64(t.cfg.MaxIntervalSeconds)
	}

	p.TimeSpentSeconds += int(math.Round(credit))
	p.LastActivityAt = now

	minTime := sub.MinTimeSeconds
	if minTime <= 0 {
		minTime = t.cfg.DefaultMinTimeSeconds
	}
	pct := math.Min(1.0, float64(p.TimeSpentSeconds)/float64(minTime)) * 100
	wasCompleted := p.IsCompleted
	p.CompletionPercentage = roundTo2(pct)

	crossedThreshold := !wasCompleted && p.TimeSpentSeconds >= minTime
	if crossedThreshold {
		p.IsCompleted = true
		p.IsViewed = true
		p.ViewedAt = &now
	}

	if err := t.store.UpdateSubsectionProgress(ctx, p); err != nil {
		return nil, err
	}

	t.markActivity(userID, subsectionID, now)
	t.invalidate(ctx, userID, subsectionID)

	if crossedThreshold {
		if err := t.agg.RecomputeForSubsection(ctx, userID, subsectionID); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"user_id": userID, "subsection_id": subsectionID,
			}).Warn("failed to recompute progress after subsection completion")
		}
	}

	if suspicious {
		t.log.WithFields(logrus.Fields{"user_id": userID, "subsection_id": subsectionID}).
			Info("suspicious heartbeat regularity detected")
	}

	return &SessionStatus{
		TimeSpentSeconds:     p.TimeSpentSeconds,
		CompletionPercentage: p.CompletionPercentage,
		IsCompleted:          p.IsCompleted,
		NextIntervalSeconds:  t.cfg.HeartbeatIntervalSecs,
		Suspicious:           suspicious,
	}, nil
}

// EndSession closes the current viewing session. Idempotent: a second call
// with no open session is a no-op.
func (t *Tracker) EndSession(ctx context.Context, userID, subsectionID int64) error {
	lock := t.lockFor(userID, subsectionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := t.store.GetOrCreateSubsectionProgress(ctx, userID, subsectionID)
	if err != nil {
		return err
	}
	if p.SessionStartAt == nil {
		return nil
	}

	now := time.Now().UTC()
	p.ActivitySessions = append(p.ActivitySessions, domain.ActivitySession{
		Start:    *p.SessionStartAt,
		End:      now,
		Duration: int(now.Sub(*p.SessionStartAt).Seconds()),
	})
	p.SessionStartAt = nil
	p.LastActivityAt = now

	return t.store.UpdateSubsectionProgress(ctx, p)
}

func (t *Tracker) GetStatus(ctx context.Context, userID, subsectionID int64) (*domain.SubsectionProgress, error) {
	return t.store.GetOrCreateSubsectionProgress(ctx, userID, subsectionID)
}

func (t *Tracker) checkParallelism(userID, subsectionID int64) error {
	t.activityMu.Lock()
	defer t.activityMu.Unlock()

	now := time.Now().UTC()
	window := 5 * time.Minute
	subs := t.activity[userID]
	count := 0
	for id, last := range subs {
		if id == subsectionID {
			continue
		}
		if now.Sub(last) <= window {
			count++
		}
	}
	if count >= t.cfg.MaxParallelSessions {
		return apperr.New(apperr.CodeTooManyParallel, "too many concurrent subsection sessions")
	}
	return nil
}

func (t *Tracker) markActivity(userID, subsectionID int64, at time.Time) {
	t.activityMu.Lock()
	defer t.activityMu.Unlock()
	subs, ok := t.activity[userID]
	if !ok {
		subs = make(map[int64]time.Time)
		t.activity[userID] = subs
	}
	subs[subsectionID] = at
}

// recordInterval appends interval to the rolling window for (user,
// subsection) and reports whether the stdev of the last
// SuspiciousSampleSize intervals is below SuspiciousStdevSeconds.
func (t *Tracker) recordInterval(userID, subsectionID int64, interval float64) bool {
	key := [2]int64{userID, subsectionID}
	t.intervalsMu.Lock()
	defer t.intervalsMu.Unlock()

	hist := append(t.intervals[key], interval)
	if len(hist) > t.cfg.SuspiciousSampleSize {
		hist = hist[len(hist)-t.cfg.SuspiciousSampleSize:]
	}
	t.intervals[key] = hist

	if len(hist) < t.cfg.SuspiciousSampleSize {
		return false
	}
	return stdev(hist) < t.cfg.SuspiciousStdevSeconds
}

func stdev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

func (t *Tracker) invalidate(ctx context.Context, userID, subsectionID int64) {
	if err := t.cache.DelByPrefix(ctx, cache.ProgressUserPrefix(userID)); err != nil {
		t.log.WithError(err).Debug("cache invalidation failed, relying on TTL")
	}
}

func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}
