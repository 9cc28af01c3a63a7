// Package testengine is the test attempt engine (C7): the state machine
// governing Start/Heartbeat/Submit/Reset over a TestAttempt, question
// composition at Start, and scoring at Submit. Grounded on the teacher's
// internal/services/versioning package for the read-inside-transaction
// pattern (here used to serialize attempt_number allocation, I3) and on
// internal/services/sync's per-key mutex idiom (here per (user,test),
// enforcing I4 alongside the transaction).
package testengine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/availability"
	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/questionbank"
	"github.com/cloudlearn/corelms/internal/store"
)

// Engine implements C7.
type Engine struct {
	store    store.Store
	cache    cache.Cache
	cfg      *config.CoreConfig
	resolver *availability.Resolver
	agg      *progress.Aggregator
	authors  oracle.AuthorOracle
	sink     oracle.NotificationSink
	log      *logrus.Entry

	// startLocks serializes Start per (user,test), the in-process half of
	// I4's "concurrent Starts serialize" requirement; the transaction's
	// re-check of GetInProgressAttempt is the half that holds even across
	// processes sharing one store.
	locksMu sync.Mutex
	locks   map[[2]int64]*sync.Mutex
}

func NewEngine(
	st store.Store,
	c cache.Cache,
	cfg *config.CoreConfig,
	resolver *availability.Resolver,
	agg *progress.Aggregator,
	authors oracle.AuthorOracle,
	sink oracle.NotificationSink,
	log *logrus.Logger,
) *Engine {
	return &Engine{
		store:    st,
		cache:    c,
		cfg:      cfg,
		resolver: resolver,
		agg:      agg,
		authors:  authors,
		sink:     sink,
		log:      log.WithField("component", "testengine"),
		locks:    make(map[[2]int64]*sync.Mutex),
	}
}

func (e *Engine) lockFor(userID, testID int64) *sync.Mutex {
	key := [2]int64{userID, testID}
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Start allocates a new attempt for (user,test), freezing its question
// composition. Exactly one concurrent Start for a given (user,test)
// survives; the rest receive ErrAlreadyInProgress (I4).
func (e *Engine) Start(ctx context.Context, userID, testID int64) (*domain.TestAttempt, error) {
	res, err := e.resolver.CanStartTest(ctx, userID, testID)
	if err != nil {
		return nil, err
	}
	if !res.Available {
		return nil, apperr.WithDetails(apperr.ErrNotAvailable, map[string]any{"reason": res.Reason})
	}

	lock := e.lockFor(userID, testID)
	lock.Lock()
	defer lock.Unlock()

	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	var attempt *domain.TestAttempt
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		existing, err := tx.GetInProgressAttempt(ctx, userID, testID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.ErrAlreadyInProgress
		}

		count, err := tx.CountNonExpiredAttempts(ctx, userID, testID)
		if err != nil {
			return err
		}
		if test.MaxAttempts > 0 && count >= test.MaxAttempts {
			return apperr.ErrNoAttemptsLeft
		}

		number, err := tx.NextAttemptNumber(ctx, userID, testID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		a := &domain.TestAttempt{
			UserID:         userID,
			TestID:         testID,
			AttemptNumber:  number,
			Status:         domain.AttemptInProgress,
			StartedAt:      now,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if test.DurationSeconds != nil && *test.DurationSeconds > 0 {
			expires := now.Add(time.Duration(*test.DurationSeconds) * time.Second)
			a.ExpiresAt = &expires
		}

		if err := tx.CreateAttempt(ctx, a); err != nil {
			return err
		}

		cfg, err := e.composeQuestions(ctx, tx, test, a.ID)
		if err != nil {
			return err
		}
		a.RandomizedConfig = cfg
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return err
		}

		attempt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidateTest(ctx, testID)
	return attempt, nil
}

// composeQuestions picks the question set per §4.7: linked TestQuestions for
// hinted/section-final tests, delegated to the question bank for
// topic-final tests.
func (e *Engine) composeQuestions(ctx context.Context, tx store.Store, test *domain.Test, attemptID int64) (domain.RandomizedConfig, error) {
	var questions []domain.Question
	var err error

	switch test.Type {
	case domain.TestGlobalFinal:
		if test.TopicID == nil {
			return domain.RandomizedConfig{}, apperr.New(apperr.CodeInternal, "global-final test missing topic_id")
		}
		questions, err = tx.ListQuestionsByTopic(ctx, *test.TopicID, false)
		if err != nil {
			return domain.RandomizedConfig{}, err
		}
		entries, err := questionbank.Compose(questions, test.TargetQuestions, attemptID)
		if err != nil {
			return domain.RandomizedConfig{}, err
		}
		return domain.RandomizedConfig{Questions: entries}, nil
	default:
		questions, err = tx.ListTestQuestions(ctx, test.ID, false)
		if err != nil {
			return domain.RandomizedConfig{}, err
		}
		sort.Slice(questions, func(i, j int) bool { return questions[i].ID < questions[j].ID })
		if len(questions) == 0 {
			return domain.RandomizedConfig{}, apperr.New(apperr.CodeNoQuestions, "no questions linked to this test")
		}
		entries := make([]domain.RandomizedQuestion, 0, len(questions))
		for _, q := range questions {
			entries = append(entries, domain.RandomizedQuestion{
				QuestionID:  q.ID,
				OptionOrder: identityOrder(q.Options),
			})
		}
		return domain.RandomizedConfig{Questions: entries}, nil
	}
}

func identityOrder(options json.RawMessage) []int {
	var raw []json.RawMessage
	if err := json.Unmarshal(options, &raw); err != nil || len(raw) == 0 {
		return nil
	}
	order := make([]int, len(raw))
	for i := range order {
		order[i] = i
	}
	return order
}

// Heartbeat autosaves draft answers and extends the deadline when the
// attempt is within EXTEND_MARGIN_SECONDS of expiry and hasn't exhausted
// MAX_AUTO_EXTENDS. Returns the remaining seconds (0 if untimed).
func (e *Engine) Heartbeat(ctx context.Context, attemptID int64, draft json.RawMessage) (int, error) {
	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if attempt.Status == domain.AttemptCompleted {
		return 0, apperr.ErrAlreadySubmitted
	}

	now := time.Now().UTC()
	if attempt.ExpiresAt != nil && now.After(*attempt.ExpiresAt) {
		attempt.Status = domain.AttemptExpired
		_ = e.store.UpdateAttempt(ctx, attempt)
		return 0, apperr.ErrExpired
	}
	if attempt.Status == domain.AttemptExpired {
		return 0, apperr.ErrExpired
	}

	attempt.LastActivityAt = now
	attempt.LastSaveAt = &now
	if draft != nil {
		attempt.DraftAnswers = draft
	}

	if attempt.ExpiresAt != nil &&
		now.After(attempt.ExpiresAt.Add(-e.cfg.ExtendMargin())) &&
		attempt.AutoExtendCount < e.cfg.MaxAutoExtends {
		extended := attempt.ExpiresAt.Add(e.cfg.ExtendStep())
		attempt.ExpiresAt = &extended
		attempt.AutoExtendCount++
	}

	if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
		return 0, err
	}

	if attempt.ExpiresAt == nil {
		return 0, nil
	}
	remaining := int(attempt.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Submit grades the attempt, freezes score/answers/completed_at, and
// triggers the progress recompute + cache invalidation the design requires
// whenever a TestAttempt's status or score changes.
func (e *Engine) Submit(ctx context.Context, attemptID int64, answers json.RawMessage) (*domain.TestAttempt, error) {
	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status == domain.AttemptCompleted {
		return nil, apperr.ErrAlreadySubmitted
	}

	now := time.Now().UTC()
	if attempt.ExpiresAt != nil && now.After(*attempt.ExpiresAt) {
		attempt.Status = domain.AttemptExpired
		_ = e.store.UpdateAttempt(ctx, attempt)
		return nil, apperr.ErrExpired
	}
	if attempt.Status == domain.AttemptExpired {
		return nil, apperr.ErrExpired
	}

	score, err := e.score(ctx, attempt, answers)
	if err != nil {
		return nil, err
	}

	attempt.Status = domain.AttemptCompleted
	attempt.Score = &score
	attempt.Answers = answers
	attempt.CompletedAt = &now
	attempt.LastActivityAt = now

	if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	e.invalidateTest(ctx, attempt.TestID)
	e.recomputeAfterSubmit(ctx, attempt)

	return attempt, nil
}

// score computes 100*correct/total over the frozen question set (I6, P8):
// the question set graded is always the one recorded in randomized_config
// at Start, never whatever the submission claims to have answered.
func (e *Engine) score(ctx context.Context, attempt *domain.TestAttempt, answers json.RawMessage) (float64, error) {
	total := len(attempt.RandomizedConfig.Questions)
	if total == 0 {
		return 0, nil
	}

	var submitted map[string]json.RawMessage
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &submitted); err != nil {
			return 0, apperr.Wrap(apperr.CodeInternal, err, "malformed answers payload")
		}
	}

	correct := 0
	for _, rq := range attempt.RandomizedConfig.Questions {
		q, err := e.store.GetQuestion(ctx, rq.QuestionID)
		if err != nil {
			return 0, err
		}
		given, ok := submitted[questionKey(rq.QuestionID)]
		if ok && isCorrect(q, given) {
			correct++
		}
	}

	return roundTo2(100 * float64(correct) / float64(total)), nil
}

func questionKey(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

// isCorrect grades one answer per its question's question_type rule:
// single_choice/true_false use exact value equality, multiple_choice uses
// set equality of indices, short_answer uses trimmed string equality.
func isCorrect(q *domain.Question, given json.RawMessage) bool {
	switch q.QuestionType {
	case domain.QuestionMultipleChoice:
		var want, got []int
		if json.Unmarshal(q.CorrectAnswer, &want) != nil || json.Unmarshal(given, &got) != nil {
			return false
		}
		return sameSet(want, got)
	case domain.QuestionShortAnswer:
		var want, got string
		if json.Unmarshal(q.CorrectAnswer, &want) != nil || json.Unmarshal(given, &got) != nil {
			return false
		}
		return strings.TrimSpace(want) == strings.TrimSpace(got)
	default: // single_choice, true_false
		var want, got any
		if json.Unmarshal(q.CorrectAnswer, &want) != nil || json.Unmarshal(given, &got) != nil {
			return false
		}
		return want == got
	}
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int]int, len(a))
	for _, v := range a {
		set[v]++
	}
	for _, v := range b {
		set[v]--
	}
	for _, count := range set {
		if count != 0 {
			return false
		}
	}
	return true
}

// ResetLast deletes the student's single most recent attempt for a test
// (§9 Open Question 9c fixes this to single-last, never all attempts),
// requiring the caller to have management rights over the enclosing topic.
func (e *Engine) ResetLast(ctx context.Context, teacherID, testID, studentID int64) error {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	topicID, err := e.topicForTest(ctx, test)
	if err != nil {
		return err
	}

	allowed, err := e.authors.CanManageTopic(ctx, teacherID, topicID)
	if err != nil {
		return err
	}
	if !allowed {
		return apperr.ErrForbidden
	}

	if _, err := e.store.DeleteLastAttempt(ctx, studentID, testID); err != nil {
		return err
	}

	e.invalidateTest(ctx, testID)
	return nil
}

// GetAttemptStatus returns the attempt as stored; any read of an attempt
// past "started" status honors its frozen randomized_config (P8).
func (e *Engine) GetAttemptStatus(ctx context.Context, attemptID int64) (*domain.TestAttempt, error) {
	return e.store.GetAttempt(ctx, attemptID)
}

func (e *Engine) ListUserAttempts(ctx context.Context, userID, testID int64) ([]domain.TestAttempt, error) {
	return e.store.ListAttemptsByUserTest(ctx, userID, testID)
}

func (e *Engine) topicForTest(ctx context.Context, test *domain.Test) (int64, error) {
	if test.TopicID != nil {
		return *test.TopicID, nil
	}
	if test.SectionID != nil {
		section, err := e.store.GetSection(ctx, *test.SectionID)
		if err != nil {
			return 0, err
		}
		return section.TopicID, nil
	}
	return 0, apperr.New(apperr.CodeInternal, "test has neither section_id nor topic_id")
}

// recomputeAfterSubmit recomputes the section (which cascades to its topic)
// or, for a topic-scoped global-final test, the topic directly, since the
// newly-completed attempt may change a passed-test denominator.
func (e *Engine) recomputeAfterSubmit(ctx context.Context, attempt *domain.TestAttempt) {
	test, err := e.store.GetTest(ctx, attempt.TestID)
	if err != nil {
		e.log.WithError(err).Warn("failed to load test for post-submit recompute")
		return
	}

	if test.SectionID != nil {
		if _, err := e.agg.RecomputeSection(ctx, attempt.UserID, *test.SectionID); err != nil {
			e.log.WithError(err).Warn("failed to recompute section progress after submit")
		}
	} else if test.TopicID != nil {
		if _, err := e.agg.RecomputeTopic(ctx, attempt.UserID, *test.TopicID); err != nil {
			e.log.WithError(err).Warn("failed to recompute topic progress after submit")
		}
	}

	if e.sink != nil {
		if err := e.sink.NotifyCompletion(ctx, attempt.UserID, "test_attempt", attempt.ID); err != nil {
			e.log.WithError(err).Debug("notification sink failed, continuing")
		}
	}
}

func (e *Engine) invalidateTest(ctx context.Context, testID int64) {
	if err := e.cache.Del(ctx, cache.StaticKey("test", testID)); err != nil {
		e.log.WithError(err).Debug("cache invalidation failed, relying on TTL")
	}
}

func roundTo2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
