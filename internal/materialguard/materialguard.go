// Package materialguard is the material-access guard (C6): a pure
// function of (user, entity, open attempts) that blocks reads of a
// Section/Subsection/Topic while the user has an active test attempt
// scoped to it. It consults no external oracle, per §4.6.
package materialguard

import (
	"context"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/store"
)

// Guard implements C6.
type Guard struct {
	store store.Store
}

func NewGuard(st store.Store) *Guard {
	return &Guard{store: st}
}

// CheckSection denies reading a Section (and by extension its
// Subsections) when any of the caller-supplied open attempts is on a test
// scoped directly to this section (section-final/hinted). A global-final
// attempt on the parent topic does not lock the Section here; it only
// locks the Topic view (CheckTopic).
func CheckSection(section *domain.Section, openAttempts []domain.TestAttempt, testsByID map[int64]domain.Test) error {
	for _, att := range openAttempts {
		if att.Status != domain.AttemptInProgress {
			continue
		}
		test, ok := testsByID[att.TestID]
		if !ok {
			continue
		}
		if test.SectionID != nil && *test.SectionID == section.ID {
			return apperr.New(apperr.CodeMaterialLocked, "section is locked by an active test attempt")
		}
	}
	return nil
}

// CheckTopic denies reading a Topic (in its topic-final-test context) when
// any open attempt is a GLOBAL_FINAL scoped to this topic.
func CheckTopic(topicID int64, openAttempts []domain.TestAttempt, testsByID map[int64]domain.Test) error {
	for _, att := range openAttempts {
		if att.Status != domain.AttemptInProgress {
			continue
		}
		test, ok := testsByID[att.TestID]
		if !ok {
			continue
		}
		if test.Type == domain.TestGlobalFinal && test.TopicID != nil && *test.TopicID == topicID {
			return apperr.New(apperr.CodeMaterialLocked, "topic is locked by an active global-final test attempt")
		}
	}
	return nil
}

// CheckSubsection denies reading a Subsection when its owning Section is
// locked, by delegating to CheckSection.
func CheckSubsection(sub *domain.Subsection, section *domain.Section, openAttempts []domain.TestAttempt, testsByID map[int64]domain.Test) error {
	return CheckSection(section, openAttempts, testsByID)
}

// ResolveOpenAttempts loads every in-progress attempt for userID among the
// given test ids and the Test rows they reference, the shape CheckSection/
// CheckTopic expect. Callers (the read path in the transport or
// availability layer) know which tests are relevant — typically the tests
// scoped to the section/topic they're about to serve — and pass those ids
// in rather than requiring a user-wide attempt scan.
func (g *Guard) ResolveOpenAttempts(ctx context.Context, userID int64, testIDs []int64) ([]domain.TestAttempt, map[int64]domain.Test, error) {
	var attempts []domain.TestAttempt
	tests := make(map[int64]domain.Test, len(testIDs))
	for _, testID := range testIDs {
		att, err := g.store.GetInProgressAttempt(ctx, userID, testID)
		if err != nil {
			return nil, nil, err
		}
		if att == nil {
			continue
		}
		t, err := g.store.GetTest(ctx, testID)
		if err != nil {
			return nil, nil, err
		}
		attempts = append(attempts, *att)
		tests[testID] = *t
	}
	return attempts, tests, nil
}

// CheckSectionAccess is the convenience entry point: given a user and a
// section, find every test that could lock it (the section's own tests
// plus, transitively, none — a section is only locked by tests scoped
// directly to it per §4.6) and deny if any is in progress.
func (g *Guard) CheckSectionAccess(ctx context.Context, userID, sectionID int64) error {
	tests, err := g.store.ListTestsBySection(ctx, sectionID, true)
	if err != nil {
		return err
	}
	ids := make([]int64, len(tests))
	for i, t := range tests {
		ids[i] = t.ID
	}
	attempts, testsByID, err := g.ResolveOpenAttempts(ctx, userID, ids)
	if err != nil {
		return err
	}
	section := &domain.Section{ID: sectionID}
	return CheckSection(section, attempts, testsByID)
}

// CheckTopicAccess is the topic-level convenience entry point, scoped to
// the topic's GLOBAL_FINAL tests only.
func (g *Guard) CheckTopicAccess(ctx context.Context, userID, topicID int64) error {
	tests, err := g.store.ListTestsByTopic(ctx, topicID, true)
	if err != nil {
		return err
	}
	ids := make([]int64, len(tests))
	for i, t := range tests {
		ids[i] = t.ID
	}
	attempts, testsByID, err := g.ResolveOpenAttempts(ctx, userID, ids)
	if err != nil {
		return err
	}
	return CheckTopic(topicID, attempts, testsByID)
}
