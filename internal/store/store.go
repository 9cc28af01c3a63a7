// Package store is the persistence gateway (C1): transactional read/write of
// domain entities behind an opaque query surface. Every mutation runs in a
// transaction; failure semantics translate driver errors into apperr codes
// (ErrConflict, ErrNotFound, ErrDuplicate, ErrArchiveFirst) the way the
// teacher's repository package wraps *sql.DB errors with fmt.Errorf("...: %w").
package store

import (
	"context"

	"github.com/cloudlearn/corelms/internal/domain"
)

// Store is the full persistence surface every core component is built
// against. Components depend on this interface, never on *sql.DB directly,
// so tests can substitute the in-memory implementation in memory.go.
type Store interface {
	TopicStore
	SectionStore
	SubsectionStore
	QuestionStore
	TestStore
	AttemptStore
	ProgressStore

	// WithTx runs fn inside a single transaction; a non-nil return rolls
	// back. Components that must read-then-write atomically (the
	// aggregator's SELECT ... FOR UPDATE pattern, attempt_number
	// allocation) use this instead of composing separate calls.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Close() error
}

// TopicStore covers Topic CRUD and archival.
type TopicStore interface {
	CreateTopic(ctx context.Context, t *domain.Topic) error
	GetTopic(ctx context.Context, id int64) (*domain.Topic, error)
	UpdateTopic(ctx context.Context, t *domain.Topic) error
	ArchiveTopic(ctx context.Context, id int64) error
	DeleteTopic(ctx context.Context, id int64) error
}

// SectionStore covers Section CRUD, ordering, and archival.
type SectionStore interface {
	CreateSection(ctx context.Context, s *domain.Section) error
	GetSection(ctx context.Context, id int64) (*domain.Section, error)
	ListSectionsByTopic(ctx context.Context, topicID int64, includeArchived bool) ([]domain.Section, error)
	UpdateSection(ctx context.Context, s *domain.Section) error
	ArchiveSection(ctx context.Context, id int64) error
	DeleteSection(ctx context.Context, id int64) error
}

// SubsectionStore covers Subsection CRUD and archival.
type SubsectionStore interface {
	CreateSubsection(ctx context.Context, s *domain.Subsection) error
	GetSubsection(ctx context.Context, id int64) (*domain.Subsection, error)
	ListSubsectionsBySection(ctx context.Context, sectionID int64, includeArchived bool) ([]domain.Subsection, error)
	UpdateSubsection(ctx context.Context, s *domain.Subsection) error
	ArchiveSubsection(ctx context.Context, id int64) error
	DeleteSubsection(ctx context.Context, id int64) error
}

// QuestionStore covers bank-entry CRUD, archival, and Test linkage.
type QuestionStore interface {
	CreateQuestion(ctx context.Context, q *domain.Question) error
	GetQuestion(ctx context.Context, id int64) (*domain.Question, error)
	ListQuestionsByTopic(ctx context.Context, topicID int64, includeArchived bool) ([]domain.Question, error)
	ListQuestionsBySection(ctx context.Context, sectionID int64, includeArchived bool) ([]domain.Question, error)
	UpdateQuestion(ctx context.Context, q *domain.Question) error
	ArchiveQuestion(ctx context.Context, id int64) error
	RestoreQuestion(ctx context.Context, id int64) error
	// DeleteQuestion removes the question and every TestQuestion link it
	// participates in (ownership rule in §3).
	DeleteQuestion(ctx context.Context, id int64) error

	AddTestQuestion(ctx context.Context, tq *domain.TestQuestion) error
	RemoveTestQuestion(ctx context.Context, testID, questionID int64) error
	ListTestQuestions(ctx context.Context, testID int64, includeArchived bool) ([]domain.Question, error)
}

// TestStore covers Test CRUD and archival (archiving a Test archives its
// contained Questions per §4.1).
type TestStore interface {
	CreateTest(ctx context.Context, t *domain.Test) error
	GetTest(ctx context.Context, id int64) (*domain.Test, error)
	ListTestsBySection(ctx context.Context, sectionID int64, includeArchived bool) ([]domain.Test, error)
	ListTestsByTopic(ctx context.Context, topicID int64, includeArchived bool) ([]domain.Test, error)
	UpdateTest(ctx context.Context, t *domain.Test) error
	ArchiveTest(ctx context.Context, id int64) error
	DeleteTest(ctx context.Context, id int64) error
}

// AttemptStore covers TestAttempt lifecycle queries.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *domain.TestAttempt) error
	GetAttempt(ctx context.Context, id int64) (*domain.TestAttempt, error)
	// GetInProgressAttempt returns the single in_progress attempt for
	// (user,test), or nil if none (I4).
	GetInProgressAttempt(ctx context.Context, userID, testID int64) (*domain.TestAttempt, error)
	// CountNonExpiredAttempts counts attempts for (user,test) with status
	// in {in_progress, completed} — i.e. attempts that consume the
	// max_attempts budget.
	CountNonExpiredAttempts(ctx context.Context, userID, testID int64) (int, error)
	// NextAttemptNumber allocates the next contiguous attempt_number for
	// (user,test), preserving I3.
	NextAttemptNumber(ctx context.Context, userID, testID int64) (int, error)
	ListAttemptsByUserTest(ctx context.Context, userID, testID int64) ([]domain.TestAttempt, error)
	// BestScore returns the best score among completed attempts for
	// (user,test), or (0, false) if none completed yet.
	BestScore(ctx context.Context, userID, testID int64) (float64, bool, error)
	UpdateAttempt(ctx context.Context, a *domain.TestAttempt) error
	// DeleteLastAttempt deletes the attempt with the greatest
	// attempt_number for (user,test) (ties broken by created_at) so
	// numbering shrinks to N-1.
	DeleteLastAttempt(ctx context.Context, userID, testID int64) (*domain.TestAttempt, error)
	DeleteAttempt(ctx context.Context, id int64) error
	// The three List* methods below support the cleanup scheduler's queries.
	ListInProgressExpiring(ctx context.Context, before int64) ([]domain.TestAttempt, error)
	ListStartedOlderThan(ctx context.Context, cutoffUnix int64) ([]domain.TestAttempt, error)
	ListInactiveInProgress(ctx context.Context, cutoffUnix int64) ([]domain.TestAttempt, error)
}

// ProgressStore covers the per-user progress rows. Only the progress
// aggregator may call the Section/Topic write methods (I1); the activity
// tracker owns SubsectionProgress writes.
type ProgressStore interface {
	GetOrCreateSubsectionProgress(ctx context.Context, userID, subsectionID int64) (*domain.SubsectionProgress, error)
	UpdateSubsectionProgress(ctx context.Context, p *domain.SubsectionProgress) error
	ListSubsectionProgressForUser(ctx context.Context, userID int64, subsectionIDs []int64) ([]domain.SubsectionProgress, error)

	GetSectionProgress(ctx context.Context, userID, sectionID int64) (*domain.SectionProgress, error)
	UpsertSectionProgress(ctx context.Context, p *domain.SectionProgress) error

	GetTopicProgress(ctx context.Context, userID, topicID int64) (*domain.TopicProgress, error)
	UpsertTopicProgress(ctx context.Context, p *domain.TopicProgress) error
}
