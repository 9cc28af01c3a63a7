// Package progress is the progress aggregator (C4): the sole writer of
// SectionProgress/TopicProgress (I1). Grounded on the teacher's
// internal/services/versioning package for the
// read-inside-transaction-then-write pattern, generalized from a single
// version counter to a full weighted recomputation.
package progress

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/store"
)

// Breakdown is the structure returned by GetSectionProgress/GetTopicProgress.
type Breakdown struct {
	Completed  int
	Total      int
	Percentage float64
	TimeSpent  int
	Subsections struct {
		Completed, Total int
	}
	TestsHinted struct {
		Passed, Total int
	}
	TestsFinal struct {
		Passed, Total int
	}
}

// Aggregator implements C4.
type Aggregator struct {
	store store.Store
	cache cache.Cache
	cfg   *config.CoreConfig
	sink  oracle.NotificationSink
	log   *logrus.Entry

	// sectionLocks serializes writes per (user,section) per §5's
	// "Aggregator writes for a (user, section) are serialized" rule; the
	// store's WithTx provides the SELECT-then-write atomicity, this map
	// provides the in-process mutual exclusion across goroutines sharing
	// one store connection pool.
	locksMu sync.Mutex
	locks   map[[2]int64]*sync.Mutex
}

func NewAggregator(st store.Store, c cache.Cache, cfg *config.CoreConfig, sink oracle.NotificationSink, log *logrus.Logger) *Aggregator {
	return &Aggregator{
		store: st,
		cache: c,
		cfg:   cfg,
		sink:  sink,
		log:   log.WithField("component", "progress"),
		locks: make(map[[2]int64]*sync.Mutex),
	}
}

func (a *Aggregator) lockFor(userID, sectionID int64) *sync.Mutex {
	key := [2]int64{userID, sectionID}
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// RecomputeForSubsection finds the owning section and recomputes it; this
// is the entry point C3 calls when a subsection crosses completion.
func (a *Aggregator) RecomputeForSubsection(ctx context.Context, userID, subsectionID int64) error {
	sub, err := a.store.GetSubsection(ctx, subsectionID)
	if err != nil {
		return err
	}
	_, err = a.RecomputeSection(ctx, userID, sub.SectionID)
	return err
}

// RecomputeSection runs the §4.4 section algorithm and writes the result.
// It must read subsection/test state inside the same transaction as the
// write to avoid lost updates under concurrent recomputes.
func (a *Aggregator) RecomputeSection(ctx context.Context, userID, sectionID int64) (*Breakdown, error) {
	lock := a.lockFor(userID, sectionID)
	lock.Lock()
	defer lock.Unlock()

	var bd *Breakdown
	err := a.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.GetSection(ctx, sectionID); err != nil {
			return err
		}

		subs, err := tx.ListSubsectionsBySection(ctx, sectionID, false)
		if err != nil {
			return err
		}
		subIDs := make([]int64, len(subs))
		for i, s := range subs {
			subIDs[i] = s.ID
		}
		subProgress, err := tx.ListSubsectionProgressForUser(ctx, userID, subIDs)
		if err != nil {
			return err
		}
		completedByID := make(map[int64]bool, len(subProgress))
		timeByID := make(map[int64]int, len(subProgress))
		for _, p := range subProgress {
			completedByID[p.SubsectionID] = p.IsCompleted
			timeByID[p.SubsectionID] = p.TimeSpentSeconds
		}

		tests, err := tx.ListTestsBySection(ctx, sectionID, false)
		if err != nil {
			return err
		}

		bd = &Breakdown{}
		var weightSum, completedWeightSum float64
		var statusWeightSum, statusCompletedWeightSum float64
		timeSpent := 0
		allSubsCompleted := true

		for _, s := range subs {
			w := s.Weight
			if w <= 0 {
				w = s.Type.DefaultWeight()
			}
			weightSum += w
			statusWeightSum += w
			bd.Subsections.Total++
			timeSpent += timeByID[s.ID]
			if completedByID[s.ID] {
				completedWeightSum += w
				statusCompletedWeightSum += w
				bd.Subsections.Completed++
			} else {
				allSubsCompleted = false
			}
		}

		allSectionFinalPassed := true
		for _, test := range tests {
			best, ok, err := tx.BestScore(ctx, userID, test.ID)
			if err != nil {
				return err
			}
			passed := ok && best >= test.CompletionPercentage

			w := testWeight(test.Type)
			weightSum += w
			if passed {
				completedWeightSum += w
			}

			switch test.Type {
			case domain.TestHinted:
				bd.TestsHinted.Total++
				if passed {
					bd.TestsHinted.Passed++
				}
			case domain.TestSectionFinal:
				bd.TestsFinal.Total++
				statusWeightSum += w
				if passed {
					bd.TestsFinal.Passed++
					statusCompletedWeightSum += w
				} else {
					allSectionFinalPassed = false
				}
			}
		}

		displayPct := 0.0
		if weightSum > 0 {
			displayPct = completedWeightSum / weightSum * 100
		}
		statusPct := 0.0
		if statusWeightSum > 0 {
			statusPct = statusCompletedWeightSum / statusWeightSum * 100
		}

		bd.Percentage = roundTo2(displayPct)
		bd.TimeSpent = timeSpent
		bd.Completed = bd.Subsections.Completed + bd.TestsFinal.Passed
		bd.Total = bd.Subsections.Total + bd.TestsFinal.Total

		status := domain.StatusStarted
		switch {
		case statusPct >= a.cfg.SectionCompletionThreshold && allSubsCompleted && allSectionFinalPassed:
			status = domain.StatusCompleted
		case displayPct > 0:
			status = domain.StatusInProgress
		}

		existing, err := tx.GetSectionProgress(ctx, userID, sectionID)
		wasCompleted := err == nil && existing != nil && existing.Status == domain.StatusCompleted

		sp := &domain.SectionProgress{
			UserID:               userID,
			SectionID:            sectionID,
			CompletionPercentage: bd.Percentage,
			StatusPercentage:     roundTo2(statusPct),
			Status:               status,
		}
		if existing != nil {
			sp.LastAccessed = existing.LastAccessed
		}
		if err := tx.UpsertSectionProgress(ctx, sp); err != nil {
			return err
		}

		if status == domain.StatusCompleted && !wasCompleted && a.sink != nil {
			if err := a.sink.NotifyCompletion(ctx, userID, "section", sectionID); err != nil {
				a.log.WithError(err).Debug("notification sink failed, continuing")
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := a.cache.DelByPrefix(ctx, cache.ProgressUserPrefix(userID)); err != nil {
		a.log.WithError(err).Debug("cache invalidation failed, relying on TTL")
	}

	topicID, err := a.topicForSection(ctx, sectionID)
	if err == nil {
		if _, err := a.RecomputeTopic(ctx, userID, topicID); err != nil {
			a.log.WithError(err).Warn("failed to recompute topic progress after section change")
		}
	}

	return bd, nil
}

func (a *Aggregator) topicForSection(ctx context.Context, sectionID int64) (int64, error) {
	section, err := a.store.GetSection(ctx, sectionID)
	if err != nil {
		return 0, err
	}
	return section.TopicID, nil
}

// RecomputeTopic runs the §4.4 topic algorithm: the arithmetic mean of its
// non-archived sections' display percentages.
func (a *Aggregator) RecomputeTopic(ctx context.Context, userID, topicID int64) (*Breakdown, error) {
	sections, err := a.store.ListSectionsByTopic(ctx, topicID, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(sections, func(i, j int) bool {
		if sections[i].Order != sections[j].Order {
			return sections[i].Order < sections[j].Order
		}
		return sections[i].ID < sections[j].ID
	})

	bd := &Breakdown{Total: len(sections)}
	var sum float64
	completedSections := 0
	timeSpent := 0

	for _, sec := range sections {
		sp, err := a.store.GetSectionProgress(ctx, userID, sec.ID)
		pct := 0.0
		if err == nil && sp != nil {
			pct = sp.CompletionPercentage
			if sp.Status == domain.StatusCompleted {
				completedSections++
				bd.Completed++
			}
		}
		sum += pct

		subs, err := a.store.ListSubsectionsBySection(ctx, sec.ID, false)
		if err == nil {
			ids := make([]int64, len(subs))
			for i, s := range subs {
				ids[i] = s.ID
			}
			progresses, _ := a.store.ListSubsectionProgressForUser(ctx, userID, ids)
			for _, p := range progresses {
				timeSpent += p.TimeSpentSeconds
			}
		}
	}

	mean := 0.0
	if len(sections) > 0 {
		mean = sum / float64(len(sections))
	}
	bd.Percentage = roundTo2(mean)
	bd.TimeSpent = timeSpent

	status := domain.StatusStarted
	switch {
	case mean >= a.cfg.SectionCompletionThreshold:
		status = domain.StatusCompleted
	case mean > 0:
		status = domain.StatusInProgress
	}

	existing, err := a.store.GetTopicProgress(ctx, userID, topicID)
	wasCompleted := err == nil && existing != nil && existing.Status == domain.StatusCompleted

	tp := &domain.TopicProgress{
		UserID:               userID,
		TopicID:              topicID,
		CompletionPercentage: bd.Percentage,
		Status:               status,
		CompletedSections:    completedSections,
	}
	if existing != nil {
		tp.LastAccessed = existing.LastAccessed
	}
	if err := a.store.UpsertTopicProgress(ctx, tp); err != nil {
		return nil, err
	}

	if status == domain.StatusCompleted && !wasCompleted && a.sink != nil {
		if err := a.sink.NotifyCompletion(ctx, userID, "topic", topicID); err != nil {
			a.log.WithError(err).Debug("notification sink failed, continuing")
		}
	}

	if err := a.cache.DelByPrefix(ctx, cache.ProgressUserPrefix(userID)); err != nil {
		a.log.WithError(err).Debug("cache invalidation failed, relying on TTL")
	}

	return bd, nil
}

// GetSectionProgress serves the cached/computed SectionProgress for
// (user,section), computing lazily on a cache miss.
func (a *Aggregator) GetSectionProgress(ctx context.Context, userID, sectionID int64) (*domain.SectionProgress, error) {
	var sp domain.SectionProgress
	err := a.cache.GetOrCompute(ctx, cache.ProgressSectionKey(userID, sectionID), a.cfg.ProgressCacheTTL, &sp,
		func(ctx context.Context) (any, error) {
			existing, err := a.store.GetSectionProgress(ctx, userID, sectionID)
			if err == nil {
				return existing, nil
			}
			if _, err := a.RecomputeSection(ctx, userID, sectionID); err != nil {
				return nil, err
			}
			return a.store.GetSectionProgress(ctx, userID, sectionID)
		})
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

func (a *Aggregator) GetTopicProgress(ctx context.Context, userID, topicID int64) (*domain.TopicProgress, error) {
	var tp domain.TopicProgress
	err := a.cache.GetOrCompute(ctx, cache.ProgressTopicKey(userID, topicID), a.cfg.ProgressCacheTTL, &tp,
		func(ctx context.Context) (any, error) {
			existing, err := a.store.GetTopicProgress(ctx, userID, topicID)
			if err == nil {
				return existing, nil
			}
			if _, err := a.RecomputeTopic(ctx, userID, topicID); err != nil {
				return nil, err
			}
			return a.store.GetTopicProgress(ctx, userID, topicID)
		})
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

// testWeight assigns the fixed per-type weight named in §4.4: hinted tests
// contribute less than final tests to the display percentage.
func testWeight(t domain.TestType) float64 {
	switch t {
	case domain.TestHinted:
		return 0.5
	default:
		return 1.0
	}
}

func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}
