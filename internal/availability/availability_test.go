package availability

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/store"
)

type fakeIdentity struct{ granted map[int64]bool }

func (f *fakeIdentity) RoleOf(ctx context.Context, userID int64) (oracle.Role, error) {
	return oracle.RoleStudent, nil
}

func (f *fakeIdentity) GroupTopicAccess(ctx context.Context, userID, topicID int64) (bool, error) {
	return f.granted[topicID], nil
}

func newResolver(t *testing.T) (*Resolver, store.Store, *fakeIdentity) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	log := logrus.New()
	log.SetOutput(io.Discard)
	agg := progress.NewAggregator(st, c, cfg, nil, log)
	identity := &fakeIdentity{granted: map[int64]bool{}}
	return NewResolver(st, c, agg, identity, cfg), st, identity
}

// Scenario 3 from §8: sequential unlock across two ordered sections.
func TestSequentialSectionUnlock(t *testing.T) {
	resolver, st, identity := newResolver(t)
	ctx := context.Background()

	topic := &domain.Topic{Title: "T"}
	require.NoError(t, st.CreateTopic(ctx, topic))
	identity.granted[topic.ID] = true

	secA := &domain.Section{TopicID: topic.ID, Title: "A", Order: 0}
	secB := &domain.Section{TopicID: topic.ID, Title: "B", Order: 1}
	require.NoError(t, st.CreateSection(ctx, secA))
	require.NoError(t, st.CreateSection(ctx, secB))

	res, err := resolver.CanAccessSection(ctx, 1, secA.ID)
	require.NoError(t, err)
	assert.True(t, res.Available)

	res, err = resolver.CanAccessSection(ctx, 1, secB.ID)
	require.NoError(t, err)
	assert.False(t, res.Available, "B should be locked before A is completed")

	require.NoError(t, st.UpsertSectionProgress(ctx, &domain.SectionProgress{
		UserID: 1, SectionID: secA.ID, CompletionPercentage: 100, Status: domain.StatusCompleted,
	}))
	// The direct write above bypasses the aggregator, so drop the cached
	// progress and access entries it would otherwise leave stale.
	require.NoError(t, resolver.cache.Del(ctx, cache.ProgressSectionKey(1, secA.ID), cache.AvailabilityKey(1, secB.ID, "section")))

	res, err = resolver.CanAccessSection(ctx, 1, secB.ID)
	require.NoError(t, err)
	assert.True(t, res.Available, "B should unlock once A is completed")
}

func TestFirstSectionRequiresTopicAccess(t *testing.T) {
	resolver, st, identity := newResolver(t)
	ctx := context.Background()

	topic := &domain.Topic{Title: "T"}
	require.NoError(t, st.CreateTopic(ctx, topic))
	secA := &domain.Section{TopicID: topic.ID, Title: "A", Order: 0}
	require.NoError(t, st.CreateSection(ctx, secA))

	identity.granted[topic.ID] = false
	res, err := resolver.CanAccessSection(ctx, 9, secA.ID)
	require.NoError(t, err)
	assert.False(t, res.Available)

	identity.granted[topic.ID] = true
	// A grant change invalidates the cached access decision for the user.
	require.NoError(t, resolver.cache.Del(ctx, cache.AvailabilityKey(9, secA.ID, "section")))
	res, err = resolver.CanAccessSection(ctx, 9, secA.ID)
	require.NoError(t, err)
	assert.True(t, res.Available)
}

func TestHintedTestAlwaysAvailable(t *testing.T) {
	resolver, st, _ := newResolver(t)
	ctx := context.Background()

	topic := &domain.Topic{Title: "T"}
	require.NoError(t, st.CreateTopic(ctx, topic))
	section := &domain.Section{TopicID: topic.ID, Title: "A", Order: 0}
	require.NoError(t, st.CreateSection(ctx, section))
	test := &domain.Test{Title: "Hinted", Type: domain.TestHinted, SectionID: &section.ID}
	require.NoError(t, st.CreateTest(ctx, test))

	res, err := resolver.CanStartTest(ctx, 1, test.ID)
	require.NoError(t, err)
	assert.True(t, res.Available)
}

func TestSectionFinalRequiresAllSubsectionsViewed(t *testing.T) {
	resolver, st, _ := newResolver(t)
	ctx := context.Background()

	topic := &domain.Topic{Title: "T"}
	require.NoError(t, st.CreateTopic(ctx, topic))
	section := &domain.Section{TopicID: topic.ID, Title: "A", Order: 0}
	require.NoError(t, st.CreateSection(ctx, section))
	sub := &domain.Subsection{SectionID: section.ID, Title: "x", Type: domain.SubsectionText, MinTimeSeconds: 30}
	require.NoError(t, st.CreateSubsection(ctx, sub))
	test := &domain.Test{Title: "Final", Type: domain.TestSectionFinal, SectionID: &section.ID, CompletionPercentage: 80}
	require.NoError(t, st.CreateTest(ctx, test))

	res, err := resolver.CanStartTest(ctx, 1, test.ID)
	require.NoError(t, err)
	assert.False(t, res.Available)

	p, err := st.GetOrCreateSubsectionProgress(ctx, 1, sub.ID)
	require.NoError(t, err)
	p.IsViewed = true
	require.NoError(t, st.UpdateSubsectionProgress(ctx, p))

	res, err = resolver.CanStartTest(ctx, 1, test.ID)
	require.NoError(t, err)
	assert.True(t, res.Available)
}
