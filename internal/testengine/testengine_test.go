package testengine

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/availability"
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

type fakeAuthor struct{ manages bool }

func (f *fakeAuthor) CanManageTopic(ctx context.Context, userID, topicID int64) (bool, error) {
	return f.manages, nil
}

func (f *fakeAuthor) CanAccessTopicAsAuthor(ctx context.Context, userID, topicID int64) (bool, error) {
	return f.manages, nil
}

func newTestEngine(t *testing.T) (*Engine, store.Store, int64, int64) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	log := logrus.New()
	log.SetOutput(io.Discard)

	identity := &fakeIdentity{granted: map[int64]bool{}}
	agg := progress.NewAggregator(st, c, cfg, nil, log)
	resolver := availability.NewResolver(st, c, agg, identity, cfg)
	author := &fakeAuthor{manages: true}
	engine := NewEngine(st, c, cfg, resolver, agg, author, nil, log)

	topic := &domain.Topic{Title: "Topic"}
	require.NoError(t, st.CreateTopic(context.Background(), topic))
	identity.granted[topic.ID] = true

	section := &domain.Section{TopicID: topic.ID, Title: "Section", Order: 0}
	require.NoError(t, st.CreateSection(context.Background(), section))

	return engine, st, topic.ID, section.ID
}

func mkOptions(n int) json.RawMessage {
	opts := make([]string, n)
	for i := range opts {
		opts[i] = "opt"
	}
	b, _ := json.Marshal(opts)
	return b
}

func TestStartSectionFinalFreezesComposition(t *testing.T) {
	engine, st, _, sectionID := newTestEngine(t)
	ctx := context.Background()

	test := &domain.Test{
		Title: "Final", Type: domain.TestSectionFinal, SectionID: &sectionID,
		MaxAttempts: 3, CompletionPercentage: 80,
	}
	require.NoError(t, st.CreateTest(ctx, test))

	q1 := &domain.Question{TopicID: 0, QuestionType: domain.QuestionSingleChoice, Options: mkOptions(3), CorrectAnswer: json.RawMessage(`0`)}
	require.NoError(t, st.CreateQuestion(ctx, q1))
	require.NoError(t, st.AddTestQuestion(ctx, &domain.TestQuestion{TestID: test.ID, QuestionID: q1.ID}))

	attempt, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.Equal(t, domain.AttemptInProgress, attempt.Status)
	require.Len(t, attempt.RandomizedConfig.Questions, 1)
	assert.Equal(t, q1.ID, attempt.RandomizedConfig.Questions[0].QuestionID)

	// A second read must see the exact same frozen set (P8).
	again, err := engine.GetAttemptStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.RandomizedConfig, again.RandomizedConfig)
}

func TestStartParallelLoses(t *testing.T) {
	engine, st, _, sectionID := newTestEngine(t)
	ctx := context.Background()

	test := &domain.Test{Title: "Final", Type: domain.TestSectionFinal, SectionID: &sectionID, MaxAttempts: 3}
	require.NoError(t, st.CreateTest(ctx, test))
	q := &domain.Question{QuestionType: domain.QuestionSingleChoice, Options: mkOptions(2), CorrectAnswer: json.RawMessage(`0`)}
	require.NoError(t, st.CreateQuestion(ctx, q))
	require.NoError(t, st.AddTestQuestion(ctx, &domain.TestQuestion{TestID: test.ID, QuestionID: q.ID}))

	first, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AttemptNumber)

	_, err = engine.Start(ctx, 7, test.ID)
	require.Error(t, err)
	code, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeAlreadyInProgress, code)
}

func TestSubmitScoringRoundTrip(t *testing.T) {
	engine, st, _, sectionID := newTestEngine(t)
	ctx := context.Background()

	test := &domain.Test{Title: "Final", Type: domain.TestSectionFinal, SectionID: &sectionID, MaxAttempts: 3, CompletionPercentage: 50}
	require.NoError(t, st.CreateTest(ctx, test))

	q1 := &domain.Question{QuestionType: domain.QuestionSingleChoice, Options: mkOptions(2), CorrectAnswer: json.RawMessage(`0`)}
	q2 := &domain.Question{QuestionType: domain.QuestionSingleChoice, Options: mkOptions(2), CorrectAnswer: json.RawMessage(`1`)}
	require.NoError(t, st.CreateQuestion(ctx, q1))
	require.NoError(t, st.CreateQuestion(ctx, q2))
	require.NoError(t, st.AddTestQuestion(ctx, &domain.TestQuestion{TestID: test.ID, QuestionID: q1.ID}))
	require.NoError(t, st.AddTestQuestion(ctx, &domain.TestQuestion{TestID: test.ID, QuestionID: q2.ID}))

	attempt, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)

	empty, err := engine.Submit(ctx, attempt.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, float64(0), *empty.Score)

	attempt2, err := engine.Start(ctx, 8, test.ID)
	require.NoError(t, err)
	answers := map[string]int{
		questionKey(q1.ID): 0,
		questionKey(q2.ID): 1,
	}
	data, _ := json.Marshal(answers)
	full, err := engine.Submit(ctx, attempt2.ID, data)
	require.NoError(t, err)
	assert.Equal(t, float64(100), *full.Score)

	// Finality: resubmitting a terminal attempt is rejected and leaves the
	// frozen fields untouched (P7).
	_, err = engine.Submit(ctx, attempt2.ID, data)
	require.Error(t, err)
	code, _ := apperr.Of(err)
	assert.Equal(t, apperr.CodeAlreadySubmitted, code)
}

func TestResetLastShrinksNumbering(t *testing.T) {
	engine, st, _, sectionID := newTestEngine(t)
	ctx := context.Background()

	test := &domain.Test{Title: "Final", Type: domain.TestSectionFinal, SectionID: &sectionID, MaxAttempts: 5, CompletionPercentage: 50}
	require.NoError(t, st.CreateTest(ctx, test))
	q := &domain.Question{QuestionType: domain.QuestionSingleChoice, Options: mkOptions(2), CorrectAnswer: json.RawMessage(`0`)}
	require.NoError(t, st.CreateQuestion(ctx, q))
	require.NoError(t, st.AddTestQuestion(ctx, &domain.TestQuestion{TestID: test.ID, QuestionID: q.ID}))

	a1, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)
	_, err = engine.Submit(ctx, a1.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	a2, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)
	_, err = engine.Submit(ctx, a2.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	a3, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, a3.AttemptNumber)

	require.NoError(t, engine.ResetLast(ctx, 1, test.ID, 7))

	remaining, err := engine.ListUserAttempts(ctx, 7, test.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	a4, err := engine.Start(ctx, 7, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, a4.AttemptNumber)
}
