package tracking

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/store"
)

type noopAggregator struct{ calls int }

func (n *noopAggregator) RecomputeForSubsection(ctx context.Context, userID, subsectionID int64) error {
	n.calls++
	return nil
}

func newTracker(t *testing.T) (*Tracker, store.Store, *noopAggregator) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	log := logrus.New()
	log.SetOutput(io.Discard)
	agg := &noopAggregator{}
	return NewTracker(st, c, agg, cfg, log), st, agg
}

func backdateLastActivity(t *testing.T, st store.Store, userID, subID int64, d time.Duration) {
	t.Helper()
	p, err := st.GetOrCreateSubsectionProgress(context.Background(), userID, subID)
	require.NoError(t, err)
	p.LastActivityAt = time.Now().UTC().Add(-d)
	require.NoError(t, st.UpdateSubsectionProgress(context.Background(), p))
}

// Scenario 2 from §8: two heartbeats 2s apart (below MIN_INTERVAL=5)
// rejects the second without crediting time.
func TestHeartbeatTooFrequentRejectsWithoutCrediting(t *testing.T) {
	tr, st, _ := newTracker(t)
	ctx := context.Background()
	sub := &domain.Subsection{ID: 1, MinTimeSeconds: 30}

	_, err := tr.StartSession(ctx, 1, sub.ID)
	require.NoError(t, err)

	backdateLastActivity(t, st, 1, sub.ID, 2*time.Second)

	_, err = tr.Heartbeat(ctx, 1, sub.ID, sub)
	require.Error(t, err)
	code, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeTooFrequent, code)

	p, err := st.GetOrCreateSubsectionProgress(ctx, 1, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.TimeSpentSeconds)
}

// Scenario 1 from §8: 4 heartbeats 8s apart against min_time_seconds=30
// credits exactly 32s and flips is_completed.
func TestHeartbeatCreditsTimeAndCompletesAtThreshold(t *testing.T) {
	tr, st, agg := newTracker(t)
	ctx := context.Background()
	sub := &domain.Subsection{ID: 2, MinTimeSeconds: 30}

	_, err := tr.StartSession(ctx, 1, sub.ID)
	require.NoError(t, err)

	var status *SessionStatus
	for i := 0; i < 4; i++ {
		backdateLastActivity(t, st, 1, sub.ID, 8*time.Second)
		status, err = tr.Heartbeat(ctx, 1, sub.ID, sub)
		require.NoError(t, err)
	}

	assert.Equal(t, 32, status.TimeSpentSeconds)
	assert.True(t, status.IsCompleted)
	assert.Equal(t, 100.0, status.CompletionPercentage)
	assert.Equal(t, 1, agg.calls, "completion must trigger exactly one recompute")
}

func TestCreditedTimeClampedToMaxInterval(t *testing.T) {
	tr, st, _ := newTracker(t)
	ctx := context.Background()
	sub := &domain.Subsection{ID: 3, MinTimeSeconds: 300}

	_, err := tr.StartSession(ctx, 1, sub.ID)
	require.NoError(t, err)

	backdateLastActivity(t, st, 1, sub.ID, 5*time.Minute)
	status, err := tr.Heartbeat(ctx, 1, sub.ID, sub)
	require.NoError(t, err)
	assert.Equal(t, 30, status.TimeSpentSeconds, "credit must clamp to MAX_INTERVAL_SECONDS")
}

func TestCompletionIsMonotonic(t *testing.T) {
	tr, st, _ := newTracker(t)
	ctx := context.Background()
	sub := &domain.Subsection{ID: 4, MinTimeSeconds: 10}

	_, err := tr.StartSession(ctx, 1, sub.ID)
	require.NoError(t, err)
	backdateLastActivity(t, st, 1, sub.ID, 20*time.Second)
	status, err := tr.Heartbeat(ctx, 1, sub.ID, sub)
	require.NoError(t, err)
	require.True(t, status.IsCompleted)

	// A later heartbeat within the allowed interval must never un-complete
	// the subsection, even though nothing else changes (P1).
	backdateLastActivity(t, st, 1, sub.ID, 6*time.Second)
	status, err = tr.Heartbeat(ctx, 1, sub.ID, sub)
	require.NoError(t, err)
	assert.True(t, status.IsCompleted)
}

func TestTooManyParallelSessionsRejected(t *testing.T) {
	tr, st, _ := newTracker(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		sub := &domain.Subsection{ID: i, MinTimeSeconds: 30}
		_, err := tr.StartSession(ctx, 1, sub.ID)
		require.NoError(t, err)
		backdateLastActivity(t, st, 1, sub.ID, 10*time.Second)
		_, err = tr.Heartbeat(ctx, 1, sub.ID, sub)
		require.NoError(t, err)
	}

	fourth := &domain.Subsection{ID: 4, MinTimeSeconds: 30}
	_, err := tr.StartSession(ctx, 1, fourth.ID)
	require.NoError(t, err)
	backdateLastActivity(t, st, 1, fourth.ID, 10*time.Second)
	_, err = tr.Heartbeat(ctx, 1, fourth.ID, fourth)
	require.Error(t, err)
	code, _ := apperr.Of(err)
	assert.Equal(t, apperr.CodeTooManyParallel, code)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	sub := &domain.Subsection{ID: 5, MinTimeSeconds: 30}

	_, err := tr.StartSession(ctx, 1, sub.ID)
	require.NoError(t, err)
	require.NoError(t, tr.EndSession(ctx, 1, sub.ID))
	require.NoError(t, tr.EndSession(ctx, 1, sub.ID))
}
