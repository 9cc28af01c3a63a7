package materialguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/store"
)

// P6: while an active attempt is scoped to a section, reads of that
// section are denied with MaterialLocked.
func TestCheckSectionDeniesWhileAttemptActive(t *testing.T) {
	sectionID := int64(5)
	test := domain.Test{ID: 10, Type: domain.TestSectionFinal, SectionID: &sectionID}
	testsByID := map[int64]domain.Test{test.ID: test}
	attempts := []domain.TestAttempt{{TestID: test.ID, Status: domain.AttemptInProgress}}

	err := CheckSection(&domain.Section{ID: sectionID}, attempts, testsByID)
	require.Error(t, err)
	code, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeMaterialLocked, code)
}

func TestCheckSectionAllowsWithNoActiveAttempt(t *testing.T) {
	sectionID := int64(5)
	test := domain.Test{ID: 10, Type: domain.TestSectionFinal, SectionID: &sectionID}
	testsByID := map[int64]domain.Test{test.ID: test}
	// Completed attempts don't lock.
	attempts := []domain.TestAttempt{{TestID: test.ID, Status: domain.AttemptCompleted}}

	err := CheckSection(&domain.Section{ID: sectionID}, attempts, testsByID)
	assert.NoError(t, err)
}

func TestCheckSectionIgnoresAttemptsScopedElsewhere(t *testing.T) {
	otherSection := int64(99)
	test := domain.Test{ID: 11, Type: domain.TestSectionFinal, SectionID: &otherSection}
	testsByID := map[int64]domain.Test{test.ID: test}
	attempts := []domain.TestAttempt{{TestID: test.ID, Status: domain.AttemptInProgress}}

	err := CheckSection(&domain.Section{ID: 5}, attempts, testsByID)
	assert.NoError(t, err)
}

func TestCheckTopicDeniesOnlyForGlobalFinal(t *testing.T) {
	topicID := int64(7)
	sectionID := int64(3)
	sectionFinal := domain.Test{ID: 1, Type: domain.TestSectionFinal, SectionID: &sectionID}
	globalFinal := domain.Test{ID: 2, Type: domain.TestGlobalFinal, TopicID: &topicID}
	testsByID := map[int64]domain.Test{sectionFinal.ID: sectionFinal, globalFinal.ID: globalFinal}

	// A section-final in progress never locks the topic.
	attempts := []domain.TestAttempt{{TestID: sectionFinal.ID, Status: domain.AttemptInProgress}}
	assert.NoError(t, CheckTopic(topicID, attempts, testsByID))

	attempts = []domain.TestAttempt{{TestID: globalFinal.ID, Status: domain.AttemptInProgress}}
	err := CheckTopic(topicID, attempts, testsByID)
	require.Error(t, err)
	code, _ := apperr.Of(err)
	assert.Equal(t, apperr.CodeMaterialLocked, code)
}

func TestGuardCheckSectionAccessEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	guard := NewGuard(st)

	topic := &domain.Topic{Title: "T"}
	require.NoError(t, st.CreateTopic(ctx, topic))
	section := &domain.Section{TopicID: topic.ID, Title: "S", Order: 0}
	require.NoError(t, st.CreateSection(ctx, section))
	test := &domain.Test{Title: "Final", Type: domain.TestSectionFinal, SectionID: &section.ID, MaxAttempts: 3}
	require.NoError(t, st.CreateTest(ctx, test))

	require.NoError(t, guard.CheckSectionAccess(ctx, 1, section.ID))

	attempt := &domain.TestAttempt{UserID: 1, TestID: test.ID, AttemptNumber: 1, Status: domain.AttemptInProgress}
	require.NoError(t, st.CreateAttempt(ctx, attempt))

	err := guard.CheckSectionAccess(ctx, 1, section.ID)
	require.Error(t, err)
	code, _ := apperr.Of(err)
	assert.Equal(t, apperr.CodeMaterialLocked, code)

	// A different user is unaffected.
	require.NoError(t, guard.CheckSectionAccess(ctx, 2, section.ID))
}
