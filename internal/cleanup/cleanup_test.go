package cleanup

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/store"
)

func newScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	st := store.NewMemoryStore()
	return NewScheduler(st, cfg, log), st
}

func TestExpireOverdueAttempts(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	a := &domain.TestAttempt{UserID: 1, TestID: 1, AttemptNumber: 1, Status: domain.AttemptInProgress,
		StartedAt: past.Add(-time.Hour), ExpiresAt: &past, LastActivityAt: past}
	require.NoError(t, st.CreateAttempt(ctx, a))

	n, err := s.ExpireOverdueAttempts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptExpired, got.Status)
}

func TestExtendNearDeadlineAttempts(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(30 * time.Second)
	a := &domain.TestAttempt{UserID: 2, TestID: 1, AttemptNumber: 1, Status: domain.AttemptInProgress,
		StartedAt: soon.Add(-time.Hour), ExpiresAt: &soon, LastActivityAt: time.Now().UTC(), AutoExtendCount: 0}
	require.NoError(t, st.CreateAttempt(ctx, a))

	n, err := s.ExtendNearDeadlineAttempts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AutoExtendCount)
	assert.True(t, got.ExpiresAt.After(soon))
}

func TestExtendNearDeadlineRespectsMaxExtends(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(10 * time.Second)
	a := &domain.TestAttempt{UserID: 3, TestID: 1, AttemptNumber: 1, Status: domain.AttemptInProgress,
		StartedAt: soon.Add(-time.Hour), ExpiresAt: &soon, LastActivityAt: time.Now().UTC(), AutoExtendCount: 3}
	require.NoError(t, st.CreateAttempt(ctx, a))

	n, err := s.ExtendNearDeadlineAttempts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpireStaleStarted(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	a := &domain.TestAttempt{UserID: 4, TestID: 1, AttemptNumber: 1, Status: domain.AttemptInProgress,
		StartedAt: old, LastActivityAt: old, CreatedAt: old}
	require.NoError(t, st.CreateAttempt(ctx, a))

	n, err := s.ExpireStaleStarted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetAttempt(ctx, a.ID)
	assert.Error(t, err)
}

func TestExpireInactiveInProgress(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	oldActivity := time.Now().UTC().Add(-48 * time.Hour)
	a := &domain.TestAttempt{UserID: 5, TestID: 1, AttemptNumber: 1, Status: domain.AttemptInProgress,
		StartedAt: oldActivity.Add(-time.Hour), LastActivityAt: oldActivity}
	require.NoError(t, st.CreateAttempt(ctx, a))

	n, err := s.ExpireInactiveInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptExpired, got.Status)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	first, err := s.RunOnce(ctx)
	require.NoError(t, err)
	second, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
