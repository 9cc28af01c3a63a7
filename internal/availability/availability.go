// Package availability is the availability resolver (C5): decides unlock
// status of sections, topics, and tests. It calls the progress aggregator
// (C4) for completion state but is never called by it — the design
// breaks the source's progress/availability circularity by making this a
// strict one-way dependency.
package availability

import (
	"context"
	"sort"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/store"
)

// Result is the (available, reason) pair the design names for every check.
type Result struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason"`
}

func allow(reason string) Result { return Result{Available: true, Reason: reason} }
func deny(reason string) Result  { return Result{Available: false, Reason: reason} }

// Resolver implements C5.
type Resolver struct {
	store    store.Store
	cache    cache.Cache
	agg      *progress.Aggregator
	identity oracle.IdentityOracle
	cfg      *config.CoreConfig
}

func NewResolver(st store.Store, c cache.Cache, agg *progress.Aggregator, identity oracle.IdentityOracle, cfg *config.CoreConfig) *Resolver {
	return &Resolver{store: st, cache: c, agg: agg, identity: identity, cfg: cfg}
}

// CanAccessSection implements §4.5's Section rule.
func (r *Resolver) CanAccessSection(ctx context.Context, userID, sectionID int64) (Result, error) {
	var res Result
	err := r.cache.GetOrCompute(ctx, cache.AvailabilityKey(userID, sectionID, "section"), r.cfg.AccessCacheTTL, &res,
		func(ctx context.Context) (any, error) {
			return r.computeSectionAccess(ctx, userID, sectionID)
		})
	return res, err
}

func (r *Resolver) computeSectionAccess(ctx context.Context, userID, sectionID int64) (Result, error) {
	section, err := r.store.GetSection(ctx, sectionID)
	if err != nil {
		return Result{}, err
	}

	sections, err := r.store.ListSectionsByTopic(ctx, section.TopicID, false)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(sections, func(i, j int) bool {
		if sections[i].Order != sections[j].Order {
			return sections[i].Order < sections[j].Order
		}
		return sections[i].ID < sections[j].ID
	})

	index := -1
	for i, s := range sections {
		if s.ID == sectionID {
			index = i
			break
		}
	}
	if index < 0 {
		return deny("section not found in its topic's ordering"), nil
	}

	if index == 0 {
		hasAccess, err := r.identity.GroupTopicAccess(ctx, userID, section.TopicID)
		if err != nil {
			return Result{}, err
		}
		if hasAccess {
			if _, err := r.store.GetSectionProgress(ctx, userID, sectionID); err != nil {
				_ = r.store.UpsertSectionProgress(ctx, &domain.SectionProgress{
					UserID: userID, SectionID: sectionID, Status: domain.StatusStarted,
				})
			}
			return allow("first section, topic access granted"), nil
		}
		if _, err := r.store.GetSectionProgress(ctx, userID, sectionID); err == nil {
			return allow("first section, existing progress row"), nil
		}
		return deny("no topic access"), nil
	}

	prev := sections[index-1]
	prevBreakdown, err := r.agg.GetSectionProgress(ctx, userID, prev.ID)
	if err != nil {
		return Result{}, err
	}
	if prevBreakdown.Status != domain.StatusCompleted {
		return deny("previous section not completed"), nil
	}
	passed, err := r.allSectionFinalsPassed(ctx, userID, prev.ID)
	if err != nil {
		return Result{}, err
	}
	if !passed {
		return deny("previous section's final test not passed"), nil
	}
	return allow("previous section completed"), nil
}

// CanAccessTopic implements the topic-level-final-test rule of §4.5.
func (r *Resolver) CanAccessTopic(ctx context.Context, userID, topicID int64) (Result, error) {
	var res Result
	err := r.cache.GetOrCompute(ctx, cache.AvailabilityKey(userID, topicID, "topic"), r.cfg.AccessCacheTTL, &res,
		func(ctx context.Context) (any, error) {
			return r.computeTopicFinalAccess(ctx, userID, topicID)
		})
	return res, err
}

func (r *Resolver) computeTopicFinalAccess(ctx context.Context, userID, topicID int64) (Result, error) {
	sections, err := r.store.ListSectionsByTopic(ctx, topicID, false)
	if err != nil {
		return Result{}, err
	}
	for _, sec := range sections {
		sp, err := r.agg.GetSectionProgress(ctx, userID, sec.ID)
		if err != nil {
			return Result{}, err
		}
		if sp.Status != domain.StatusCompleted {
			return deny("not every section is completed"), nil
		}
		passed, err := r.allSectionFinalsPassed(ctx, userID, sec.ID)
		if err != nil {
			return Result{}, err
		}
		if !passed {
			return deny("not every section-final test is passed"), nil
		}
	}

	tests, err := r.store.ListTestsByTopic(ctx, topicID, false)
	if err != nil {
		return Result{}, err
	}
	for _, t := range tests {
		if t.Type != domain.TestGlobalFinal {
			continue
		}
		best, ok, err := r.store.BestScore(ctx, userID, t.ID)
		if err != nil {
			return Result{}, err
		}
		if !ok || best < t.CompletionPercentage {
			return deny("another global-final test of the topic is not yet passed"), nil
		}
	}

	return allow("topic fully completed"), nil
}

// CanStartTest dispatches to the per-type rule in §4.5.
func (r *Resolver) CanStartTest(ctx context.Context, userID, testID int64) (Result, error) {
	test, err := r.store.GetTest(ctx, testID)
	if err != nil {
		return Result{}, err
	}

	switch test.Type {
	case domain.TestHinted:
		return allow("hinted tests are always available"), nil
	case domain.TestSectionFinal:
		if test.SectionID == nil {
			return Result{}, apperr.New(apperr.CodeInternal, "section-final test missing section_id")
		}
		subs, err := r.store.ListSubsectionsBySection(ctx, *test.SectionID, false)
		if err != nil {
			return Result{}, err
		}
		ids := make([]int64, len(subs))
		for i, s := range subs {
			ids[i] = s.ID
		}
		viewed, err := r.store.ListSubsectionProgressForUser(ctx, userID, ids)
		if err != nil {
			return Result{}, err
		}
		viewedSet := make(map[int64]bool, len(viewed))
		for _, p := range viewed {
			if p.IsViewed {
				viewedSet[p.SubsectionID] = true
			}
		}
		for _, id := range ids {
			if !viewedSet[id] {
				return deny("not every subsection of the section has been viewed"), nil
			}
		}
		return allow("every subsection viewed"), nil
	case domain.TestGlobalFinal:
		if test.TopicID == nil {
			return Result{}, apperr.New(apperr.CodeInternal, "global-final test missing topic_id")
		}
		return r.CanAccessTopic(ctx, userID, *test.TopicID)
	default:
		return deny("unknown test type"), nil
	}
}

func (r *Resolver) allSectionFinalsPassed(ctx context.Context, userID, sectionID int64) (bool, error) {
	tests, err := r.store.ListTestsBySection(ctx, sectionID, false)
	if err != nil {
		return false, err
	}
	for _, t := range tests {
		if t.Type != domain.TestSectionFinal {
			continue
		}
		best, ok, err := r.store.BestScore(ctx, userID, t.ID)
		if err != nil {
			return false, err
		}
		if !ok || best < t.CompletionPercentage {
			return false, nil
		}
	}
	return true, nil
}

// ListSectionsWithAvailability returns every non-archived section of a
// topic, ordered, with its availability annotated — used by
// ProgressService.ListSectionsWithAvailability.
type SectionWithAvailability struct {
	Section      domain.Section
	Available    bool
	IsCompleted  bool
	Percentage   float64
}

func (r *Resolver) ListSectionsWithAvailability(ctx context.Context, userID, topicID int64) ([]SectionWithAvailability, error) {
	sections, err := r.store.ListSectionsByTopic(ctx, topicID, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(sections, func(i, j int) bool {
		if sections[i].Order != sections[j].Order {
			return sections[i].Order < sections[j].Order
		}
		return sections[i].ID < sections[j].ID
	})

	out := make([]SectionWithAvailability, 0, len(sections))
	for _, sec := range sections {
		res, err := r.CanAccessSection(ctx, userID, sec.ID)
		if err != nil {
			return nil, err
		}
		sp, err := r.agg.GetSectionProgress(ctx, userID, sec.ID)
		entry := SectionWithAvailability{Section: sec, Available: res.Available}
		if err == nil {
			entry.IsCompleted = sp.Status == domain.StatusCompleted
			entry.Percentage = sp.CompletionPercentage
		}
		out = append(out, entry)
	}
	return out, nil
}
