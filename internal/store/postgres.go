package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/domain"
)

// PostgresStore is the C1 persistence gateway backed by database/sql and
// lib/pq, following the teacher repository's connection-pool setup
// (SetMaxOpenConns/SetMaxIdleConns/SetConnMaxLifetime) and its
// ExecContext/QueryRowContext/transaction idiom.
type PostgresStore struct {
	db execer
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method run either standalone or inside WithTx without duplicating SQL.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewPostgresStore opens the database connection the way the teacher's
// NewFileRepository does: configure the pool, then Ping before returning.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sql.DB); ok {
		return db.Close()
	}
	return nil
}

// WithTx opens a transaction, hands a *PostgresStore wrapping it to fn, and
// commits on success / rolls back on error or panic. This is the pattern
// the aggregator uses for its mandatory SELECT ... FOR UPDATE then write.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		// Already inside a transaction: nested WithTx just reuses it,
		// matching sql.Tx having no sub-transactions.
		return fn(ctx, s)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to begin transaction")
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, &PostgresStore{db: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to commit transaction")
	}
	return nil
}

func classifyErr(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, notFoundMsg)
	}
	if pqIsUniqueViolation(err) {
		return apperr.Wrap(apperr.CodeDuplicate, err, "duplicate row")
	}
	return apperr.Wrap(apperr.CodeInternal, err, "database operation failed")
}

// pqIsUniqueViolation reports whether err is a postgres unique_violation
// (SQLSTATE 23505), matching the code the teacher would check if it handled
// constraint errors explicitly (it didn't — this repo closes that gap).
func pqIsUniqueViolation(err error) bool {
	type pqError interface{ SQLState() string }
	var pe pqError
	if errors.As(err, &pe) {
		return pe.SQLState() == "23505"
	}
	return false
}

// --- Topic ---

func (s *PostgresStore) CreateTopic(ctx context.Context, t *domain.Topic) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO topics (title, description, category, image_path, creator_id, created_at, updated_at, is_archived)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		t.Title, t.Description, t.Category, t.ImagePath, t.CreatorID, t.CreatedAt, t.UpdatedAt, t.IsArchived).
		Scan(&t.ID)
	return classifyErr(err, "topic not found")
}

func (s *PostgresStore) GetTopic(ctx context.Context, id int64) (*domain.Topic, error) {
	var t domain.Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, category, image_path, creator_id, created_at, updated_at, is_archived
		 FROM topics WHERE id = $1`, id).
		Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.ImagePath, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt, &t.IsArchived)
	if err != nil {
		return nil, classifyErr(err, "topic not found")
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTopic(ctx context.Context, t *domain.Topic) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE topics SET title=$1, description=$2, category=$3, image_path=$4, updated_at=$5 WHERE id=$6`,
		t.Title, t.Description, t.Category, t.ImagePath, t.UpdatedAt, t.ID)
	return classifyErr(err, "topic not found")
}

// ArchiveTopic sets is_archived=true. It does NOT cascade to Sections: the
// ownership rule in §3 is explicit that archiving a Topic does not
// auto-archive its Sections.
func (s *PostgresStore) ArchiveTopic(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE topics SET is_archived=true, updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return classifyErr(err, "topic not found")
}

func (s *PostgresStore) DeleteTopic(ctx context.Context, id int64) error {
	return deleteArchivedOnly(ctx, s.db, "topics", id)
}

func deleteArchivedOnly(ctx context.Context, db execer, table string, id int64) error {
	var archived bool
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT is_archived FROM %s WHERE id=$1`, table), id).Scan(&archived)
	if err != nil {
		return classifyErr(err, "entity not found")
	}
	if !archived {
		return apperr.New(apperr.CodeArchiveFirst, "entity must be archived before permanent delete")
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, table), id)
	return classifyErr(err, "entity not found")
}

// --- Section ---

func (s *PostgresStore) CreateSection(ctx context.Context, sec *domain.Section) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sections (topic_id, title, "order", content, description, created_at, updated_at, is_archived)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		sec.TopicID, sec.Title, sec.Order, sec.Content, sec.Description, sec.CreatedAt, sec.UpdatedAt, sec.IsArchived).
		Scan(&sec.ID)
	return classifyErr(err, "section not found")
}

func (s *PostgresStore) GetSection(ctx context.Context, id int64) (*domain.Section, error) {
	var sec domain.Section
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic_id, title, "order", content, description, created_at, updated_at, is_archived
		 FROM sections WHERE id=$1`, id).
		Scan(&sec.ID, &sec.TopicID, &sec.Title, &sec.Order, &sec.Content, &sec.Description, &sec.CreatedAt, &sec.UpdatedAt, &sec.IsArchived)
	if err != nil {
		return nil, classifyErr(err, "section not found")
	}
	return &sec, nil
}

// ListSectionsByTopic orders by (order, id) ascending per the determinism
// rule in §3/§4.4.
func (s *PostgresStore) ListSectionsByTopic(ctx context.Context, topicID int64, includeArchived bool) ([]domain.Section, error) {
	query := `SELECT id, topic_id, title, "order", content, description, created_at, updated_at, is_archived
	          FROM sections WHERE topic_id=$1`
	if !includeArchived {
		query += ` AND is_archived=false`
	}
	query += ` ORDER BY "order" ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, topicID)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.Section
	for rows.Next() {
		var sec domain.Section
		if err := rows.Scan(&sec.ID, &sec.TopicID, &sec.Title, &sec.Order, &sec.Content, &sec.Description, &sec.CreatedAt, &sec.UpdatedAt, &sec.IsArchived); err != nil {
			return nil, classifyErr(err, "")
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSection(ctx context.Context, sec *domain.Section) error {
	sec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sections SET title=$1, "order"=$2, content=$3, description=$4, updated_at=$5 WHERE id=$6`,
		sec.Title, sec.Order, sec.Content, sec.Description, sec.UpdatedAt, sec.ID)
	return classifyErr(err, "section not found")
}

func (s *PostgresStore) ArchiveSection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sections SET is_archived=true, updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return classifyErr(err, "section not found")
}

func (s *PostgresStore) DeleteSection(ctx context.Context, id int64) error {
	return deleteArchivedOnly(ctx, s.db, "sections", id)
}

// --- Subsection ---

func (s *PostgresStore) CreateSubsection(ctx context.Context, sub *domain.Subsection) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO subsections (section_id, title, "order", type, weight, required_time_minutes, min_time_seconds, storage_path, created_at, updated_at, is_archived)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		sub.SectionID, sub.Title, sub.Order, sub.Type, sub.Weight, sub.RequiredTimeMinutes, sub.MinTimeSeconds, sub.StoragePath, sub.CreatedAt, sub.UpdatedAt, sub.IsArchived).
		Scan(&sub.ID)
	return classifyErr(err, "subsection not found")
}

func (s *PostgresStore) GetSubsection(ctx context.Context, id int64) (*domain.Subsection, error) {
	var sub domain.Subsection
	err := s.db.QueryRowContext(ctx,
		`SELECT id, section_id, title, "order", type, weight, required_time_minutes, min_time_seconds, storage_path, created_at, updated_at, is_archived
		 FROM subsections WHERE id=$1`, id).
		Scan(&sub.ID, &sub.SectionID, &sub.Title, &sub.Order, &sub.Type, &sub.Weight, &sub.RequiredTimeMinutes, &sub.MinTimeSeconds, &sub.StoragePath, &sub.CreatedAt, &sub.UpdatedAt, &sub.IsArchived)
	if err != nil {
		return nil, classifyErr(err, "subsection not found")
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubsectionsBySection(ctx context.Context, sectionID int64, includeArchived bool) ([]domain.Subsection, error) {
	query := `SELECT id, section_id, title, "order", type, weight, required_time_minutes, min_time_seconds, storage_path, created_at, updated_at, is_archived
	          FROM subsections WHERE section_id=$1`
	if !includeArchived {
		query += ` AND is_archived=false`
	}
	query += ` ORDER BY "order" ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sectionID)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.Subsection
	for rows.Next() {
		var sub domain.Subsection
		if err := rows.Scan(&sub.ID, &sub.SectionID, &sub.Title, &sub.Order, &sub.Type, &sub.Weight, &sub.RequiredTimeMinutes, &sub.MinTimeSeconds, &sub.StoragePath, &sub.CreatedAt, &sub.UpdatedAt, &sub.IsArchived); err != nil {
			return nil, classifyErr(err, "")
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSubsection(ctx context.Context, sub *domain.Subsection) error {
	sub.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE subsections SET title=$1, "order"=$2, weight=$3, required_time_minutes=$4, min_time_seconds=$5, storage_path=$6, updated_at=$7 WHERE id=$8`,
		sub.Title, sub.Order, sub.Weight, sub.RequiredTimeMinutes, sub.MinTimeSeconds, sub.StoragePath, sub.UpdatedAt, sub.ID)
	return classifyErr(err, "subsection not found")
}

func (s *PostgresStore) ArchiveSubsection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subsections SET is_archived=true, updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return classifyErr(err, "subsection not found")
}

func (s *PostgresStore) DeleteSubsection(ctx context.Context, id int64) error {
	return deleteArchivedOnly(ctx, s.db, "subsections", id)
}

// --- Question ---

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *domain.Question) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO questions (topic_id, section_id, question_type, text, options, correct_answer, hint, is_final, created_by, created_at, updated_at, is_archived)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		q.TopicID, q.SectionID, q.QuestionType, q.Text, q.Options, q.CorrectAnswer, q.Hint, q.IsFinal, q.CreatedBy, q.CreatedAt, q.UpdatedAt, q.IsArchived).
		Scan(&q.ID)
	return classifyErr(err, "question not found")
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id int64) (*domain.Question, error) {
	var q domain.Question
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic_id, section_id, question_type, text, options, correct_answer, hint, is_final, created_by, created_at, updated_at, is_archived
		 FROM questions WHERE id=$1`, id).
		Scan(&q.ID, &q.TopicID, &q.SectionID, &q.QuestionType, &q.Text, &q.Options, &q.CorrectAnswer, &q.Hint, &q.IsFinal, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt, &q.IsArchived)
	if err != nil {
		return nil, classifyErr(err, "question not found")
	}
	return &q, nil
}

func (s *PostgresStore) listQuestions(ctx context.Context, whereCol string, id int64, includeArchived bool) ([]domain.Question, error) {
	query := fmt.Sprintf(`SELECT id, topic_id, section_id, question_type, text, options, correct_answer, hint, is_final, created_by, created_at, updated_at, is_archived
	          FROM questions WHERE %s=$1`, whereCol)
	if !includeArchived {
		query += ` AND is_archived=false`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.TopicID, &q.SectionID, &q.QuestionType, &q.Text, &q.Options, &q.CorrectAnswer, &q.Hint, &q.IsFinal, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt, &q.IsArchived); err != nil {
			return nil, classifyErr(err, "")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListQuestionsByTopic(ctx context.Context, topicID int64, includeArchived bool) ([]domain.Question, error) {
	return s.listQuestions(ctx, "topic_id", topicID, includeArchived)
}

func (s *PostgresStore) ListQuestionsBySection(ctx context.Context, sectionID int64, includeArchived bool) ([]domain.Question, error) {
	return s.listQuestions(ctx, "section_id", sectionID, includeArchived)
}

func (s *PostgresStore) UpdateQuestion(ctx context.Context, q *domain.Question) error {
	q.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE questions SET question_type=$1, text=$2, options=$3, correct_answer=$4, hint=$5, is_final=$6, updated_at=$7 WHERE id=$8`,
		q.QuestionType, q.Text, q.Options, q.CorrectAnswer, q.Hint, q.IsFinal, q.UpdatedAt, q.ID)
	return classifyErr(err, "question not found")
}

func (s *PostgresStore) ArchiveQuestion(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE questions SET is_archived=true, updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return classifyErr(err, "question not found")
}

func (s *PostgresStore) RestoreQuestion(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE questions SET is_archived=false, updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return classifyErr(err, "question not found")
}

// DeleteQuestion removes the row and every TestQuestion link it
// participates in, per the ownership rule in §3. Both statements run here
// unconditionally; callers that need atomicity with other writes should
// wrap the call in WithTx.
func (s *PostgresStore) DeleteQuestion(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM test_questions WHERE question_id=$1`, id); err != nil {
		return classifyErr(err, "")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id=$1`, id)
	return classifyErr(err, "question not found")
}

func (s *PostgresStore) AddTestQuestion(ctx context.Context, tq *domain.TestQuestion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_questions (test_id, question_id, added_by, added_at) VALUES ($1,$2,$3,$4)`,
		tq.TestID, tq.QuestionID, tq.AddedBy, tq.AddedAt)
	return classifyErr(err, "")
}

func (s *PostgresStore) RemoveTestQuestion(ctx context.Context, testID, questionID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM test_questions WHERE test_id=$1 AND question_id=$2`, testID, questionID)
	return classifyErr(err, "test question link not found")
}

func (s *PostgresStore) ListTestQuestions(ctx context.Context, testID int64, includeArchived bool) ([]domain.Question, error) {
	query := `SELECT q.id, q.topic_id, q.section_id, q.question_type, q.text, q.options, q.correct_answer, q.hint, q.is_final, q.created_by, q.created_at, q.updated_at, q.is_archived
	          FROM questions q JOIN test_questions tq ON tq.question_id = q.id WHERE tq.test_id=$1`
	if !includeArchived {
		query += ` AND q.is_archived=false`
	}
	query += ` ORDER BY q.id ASC`

	rows, err := s.db.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.TopicID, &q.SectionID, &q.QuestionType, &q.Text, &q.Options, &q.CorrectAnswer, &q.Hint, &q.IsFinal, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt, &q.IsArchived); err != nil {
			return nil, classifyErr(err, "")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Test ---

func (s *PostgresStore) CreateTest(ctx context.Context, t *domain.Test) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO tests (title, type, section_id, topic_id, duration_seconds, max_attempts, completion_percentage, target_questions, created_at, updated_at, is_archived)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		t.Title, t.Type, t.SectionID, t.TopicID, t.DurationSeconds, t.MaxAttempts, t.CompletionPercentage, t.TargetQuestions, t.CreatedAt, t.UpdatedAt, t.IsArchived).
		Scan(&t.ID)
	return classifyErr(err, "test not found")
}

func (s *PostgresStore) GetTest(ctx context.Context, id int64) (*domain.Test, error) {
	var t domain.Test
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, type, section_id, topic_id, duration_seconds, max_attempts, completion_percentage, target_questions, created_at, updated_at, is_archived
		 FROM tests WHERE id=$1`, id).
		Scan(&t.ID, &t.Title, &t.Type, &t.SectionID, &t.TopicID, &t.DurationSeconds, &t.MaxAttempts, &t.CompletionPercentage, &t.TargetQuestions, &t.CreatedAt, &t.UpdatedAt, &t.IsArchived)
	if err != nil {
		return nil, classifyErr(err, "test not found")
	}
	return &t, nil
}

func (s *PostgresStore) listTests(ctx context.Context, whereCol string, id int64, includeArchived bool) ([]domain.Test, error) {
	query := fmt.Sprintf(`SELECT id, title, type, section_id, topic_id, duration_seconds, max_attempts, completion_percentage, target_questions, created_at, updated_at, is_archived
	          FROM tests WHERE %s=$1`, whereCol)
	if !includeArchived {
		query += ` AND is_archived=false`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.Test
	for rows.Next() {
		var t domain.Test
		if err := rows.Scan(&t.ID, &t.Title, &t.Type, &t.SectionID, &t.TopicID, &t.DurationSeconds, &t.MaxAttempts, &t.CompletionPercentage, &t.TargetQuestions, &t.CreatedAt, &t.UpdatedAt, &t.IsArchived); err != nil {
			return nil, classifyErr(err, "")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTestsBySection(ctx context.Context, sectionID int64, includeArchived bool) ([]domain.Test, error) {
	return s.listTests(ctx, "section_id", sectionID, includeArchived)
}

func (s *PostgresStore) ListTestsByTopic(ctx context.Context, topicID int64, includeArchived bool) ([]domain.Test, error) {
	return s.listTests(ctx, "topic_id", topicID, includeArchived)
}

func (s *PostgresStore) UpdateTest(ctx context.Context, t *domain.Test) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tests SET title=$1, duration_seconds=$2, max_attempts=$3, completion_percentage=$4, target_questions=$5, updated_at=$6 WHERE id=$7`,
		t.Title, t.DurationSeconds, t.MaxAttempts, t.CompletionPercentage, t.TargetQuestions, t.UpdatedAt, t.ID)
	return classifyErr(err, "test not found")
}

// ArchiveTest archives the test AND every Question linked to it, per the
// cascade rule named in §4.1 ("archiving a Test archives its contained
// Questions").
func (s *PostgresStore) ArchiveTest(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE tests SET is_archived=true, updated_at=$1 WHERE id=$2`, now, id); err != nil {
		return classifyErr(err, "test not found")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE questions SET is_archived=true, updated_at=$1
		 WHERE id IN (SELECT question_id FROM test_questions WHERE test_id=$2)`, now, id)
	return classifyErr(err, "")
}

func (s *PostgresStore) DeleteTest(ctx context.Context, id int64) error {
	return deleteArchivedOnly(ctx, s.db, "tests", id)
}

// --- TestAttempt ---

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *domain.TestAttempt) error {
	cfg, err := json.Marshal(a.RandomizedConfig)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to marshal randomized config")
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO test_attempts (user_id, test_id, attempt_number, status, started_at, expires_at, last_activity_at, auto_extend_count, randomized_config, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		a.UserID, a.TestID, a.AttemptNumber, a.Status, a.StartedAt, a.ExpiresAt, a.LastActivityAt, a.AutoExtendCount, cfg, a.CreatedAt, a.UpdatedAt).
		Scan(&a.ID)
	return classifyErr(err, "attempt not found")
}

func (s *PostgresStore) scanAttempt(row *sql.Row) (*domain.TestAttempt, error) {
	var a domain.TestAttempt
	var cfg []byte
	err := row.Scan(&a.ID, &a.UserID, &a.TestID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.ExpiresAt,
		&a.LastActivityAt, &a.LastSaveAt, &a.CompletedAt, &a.Score, &a.Answers, &a.DraftAnswers,
		&a.AutoExtendCount, &cfg, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, classifyErr(err, "attempt not found")
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.RandomizedConfig); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to unmarshal randomized config")
		}
	}
	return &a, nil
}

const attemptColumns = `id, user_id, test_id, attempt_number, status, started_at, expires_at,
	last_activity_at, last_save_at, completed_at, score, answers, draft_answers,
	auto_extend_count, randomized_config, created_at, updated_at`

func (s *PostgresStore) GetAttempt(ctx context.Context, id int64) (*domain.TestAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM test_attempts WHERE id=$1`, id)
	return s.scanAttempt(row)
}

func (s *PostgresStore) GetInProgressAttempt(ctx context.Context, userID, testID int64) (*domain.TestAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE user_id=$1 AND test_id=$2 AND status='in_progress'`,
		userID, testID)
	a, err := s.scanAttempt(row)
	if code, ok := apperr.Of(err); ok && code == apperr.CodeNotFound {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) CountNonExpiredAttempts(ctx context.Context, userID, testID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_attempts WHERE user_id=$1 AND test_id=$2 AND status IN ('in_progress','completed')`,
		userID, testID).Scan(&count)
	return count, classifyErr(err, "")
}

// NextAttemptNumber must run inside WithTx with a row lock on the
// (user,test) attempt set to preserve I3's contiguous-prefix guarantee
// under concurrent Starts; see testengine.Start for the locking strategy.
func (s *PostgresStore) NextAttemptNumber(ctx context.Context, userID, testID int64) (int, error) {
	var maxNum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(attempt_number) FROM test_attempts WHERE user_id=$1 AND test_id=$2`, userID, testID).Scan(&maxNum)
	if err != nil {
		return 0, classifyErr(err, "")
	}
	return int(maxNum.Int64) + 1, nil
}

func (s *PostgresStore) ListAttemptsByUserTest(ctx context.Context, userID, testID int64) ([]domain.TestAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE user_id=$1 AND test_id=$2 ORDER BY attempt_number ASC`,
		userID, testID)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.TestAttempt
	for rows.Next() {
		var a domain.TestAttempt
		var cfg []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.TestID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.ExpiresAt,
			&a.LastActivityAt, &a.LastSaveAt, &a.CompletedAt, &a.Score, &a.Answers, &a.DraftAnswers,
			&a.AutoExtendCount, &cfg, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, classifyErr(err, "")
		}
		if len(cfg) > 0 {
			json.Unmarshal(cfg, &a.RandomizedConfig)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BestScore(ctx context.Context, userID, testID int64) (float64, bool, error) {
	var score sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(score) FROM test_attempts WHERE user_id=$1 AND test_id=$2 AND status='completed'`,
		userID, testID).Scan(&score)
	if err != nil {
		return 0, false, classifyErr(err, "")
	}
	return score.Float64, score.Valid, nil
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, a *domain.TestAttempt) error {
	a.UpdatedAt = time.Now().UTC()
	cfg, err := json.Marshal(a.RandomizedConfig)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to marshal randomized config")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE test_attempts SET status=$1, expires_at=$2, last_activity_at=$3, last_save_at=$4, completed_at=$5,
		 score=$6, answers=$7, draft_answers=$8, auto_extend_count=$9, randomized_config=$10, updated_at=$11 WHERE id=$12`,
		a.Status, a.ExpiresAt, a.LastActivityAt, a.LastSaveAt, a.CompletedAt, a.Score, a.Answers, a.DraftAnswers,
		a.AutoExtendCount, cfg, a.UpdatedAt, a.ID)
	return classifyErr(err, "attempt not found")
}

func (s *PostgresStore) DeleteLastAttempt(ctx context.Context, userID, testID int64) (*domain.TestAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE user_id=$1 AND test_id=$2
		 ORDER BY attempt_number DESC, created_at DESC LIMIT 1`, userID, testID)
	a, err := s.scanAttempt(row)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM test_attempts WHERE id=$1`, a.ID); err != nil {
		return nil, classifyErr(err, "")
	}
	return a, nil
}

func (s *PostgresStore) DeleteAttempt(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM test_attempts WHERE id=$1`, id)
	return classifyErr(err, "attempt not found")
}

func (s *PostgresStore) ListInProgressExpiring(ctx context.Context, beforeUnix int64) ([]domain.TestAttempt, error) {
	return s.listAttemptsByQuery(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE status='in_progress' AND expires_at IS NOT NULL AND expires_at < to_timestamp($1)`,
		beforeUnix)
}

func (s *PostgresStore) ListStartedOlderThan(ctx context.Context, cutoffUnix int64) ([]domain.TestAttempt, error) {
	return s.listAttemptsByQuery(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE status='in_progress' AND created_at < to_timestamp($1) AND last_activity_at = started_at`,
		cutoffUnix)
}

func (s *PostgresStore) ListInactiveInProgress(ctx context.Context, cutoffUnix int64) ([]domain.TestAttempt, error) {
	return s.listAttemptsByQuery(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE status='in_progress' AND last_activity_at < to_timestamp($1)`,
		cutoffUnix)
}

func (s *PostgresStore) listAttemptsByQuery(ctx context.Context, query string, arg int64) ([]domain.TestAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.TestAttempt
	for rows.Next() {
		var a domain.TestAttempt
		var cfg []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.TestID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.ExpiresAt,
			&a.LastActivityAt, &a.LastSaveAt, &a.CompletedAt, &a.Score, &a.Answers, &a.DraftAnswers,
			&a.AutoExtendCount, &cfg, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, classifyErr(err, "")
		}
		if len(cfg) > 0 {
			json.Unmarshal(cfg, &a.RandomizedConfig)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Progress ---

func (s *PostgresStore) GetOrCreateSubsectionProgress(ctx context.Context, userID, subsectionID int64) (*domain.SubsectionProgress, error) {
	p, err := s.getSubsectionProgress(ctx, userID, subsectionID)
	if err == nil {
		return p, nil
	}
	if code, ok := apperr.Of(err); !ok || code != apperr.CodeNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	p = &domain.SubsectionProgress{
		UserID: userID, SubsectionID: subsectionID,
		LastActivityAt: now, CreatedAt: now, UpdatedAt: now,
		ActivitySessions: []domain.ActivitySession{},
	}
	sessions, _ := json.Marshal(p.ActivitySessions)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subsection_progress (user_id, subsection_id, is_viewed, is_completed, time_spent_seconds,
		 completion_percentage, last_activity_at, activity_sessions, created_at, updated_at)
		 VALUES ($1,$2,false,false,0,0,$3,$4,$5,$6)`,
		userID, subsectionID, now, sessions, now, now)
	if err != nil {
		return nil, classifyErr(err, "")
	}
	return p, nil
}

func (s *PostgresStore) getSubsectionProgress(ctx context.Context, userID, subsectionID int64) (*domain.SubsectionProgress, error) {
	var p domain.SubsectionProgress
	var sessions []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, subsection_id, is_viewed, is_completed, time_spent_seconds, completion_percentage,
		 session_start_at, last_activity_at, viewed_at, activity_sessions, created_at, updated_at
		 FROM subsection_progress WHERE user_id=$1 AND subsection_id=$2`, userID, subsectionID).
		Scan(&p.ID, &p.UserID, &p.SubsectionID, &p.IsViewed, &p.IsCompleted, &p.TimeSpentSeconds, &p.CompletionPercentage,
			&p.SessionStartAt, &p.LastActivityAt, &p.ViewedAt, &sessions, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, classifyErr(err, "subsection progress not found")
	}
	if len(sessions) > 0 {
		json.Unmarshal(sessions, &p.ActivitySessions)
	}
	return &p, nil
}

// UpdateSubsectionProgress enforces I2's monotonicity at the gateway level:
// it never allows is_completed to revert from true, regardless of what the
// caller passes, by OR-ing with the existing stored value.
func (s *PostgresStore) UpdateSubsectionProgress(ctx context.Context, p *domain.SubsectionProgress) error {
	p.UpdatedAt = time.Now().UTC()
	sessions, err := json.Marshal(p.ActivitySessions)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to marshal activity sessions")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE subsection_progress SET is_viewed=(is_viewed OR $1), is_completed=(is_completed OR $2),
		 time_spent_seconds=GREATEST(time_spent_seconds, $3), completion_percentage=$4,
		 session_start_at=$5, last_activity_at=$6, viewed_at=COALESCE(viewed_at, $7), activity_sessions=$8, updated_at=$9
		 WHERE user_id=$10 AND subsection_id=$11`,
		p.IsViewed, p.IsCompleted, p.TimeSpentSeconds, p.CompletionPercentage, p.SessionStartAt, p.LastActivityAt,
		p.ViewedAt, sessions, p.UpdatedAt, p.UserID, p.SubsectionID)
	return classifyErr(err, "subsection progress not found")
}

func (s *PostgresStore) ListSubsectionProgressForUser(ctx context.Context, userID int64, subsectionIDs []int64) ([]domain.SubsectionProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, subsection_id, is_viewed, is_completed, time_spent_seconds, completion_percentage,
		 session_start_at, last_activity_at, viewed_at, activity_sessions, created_at, updated_at
		 FROM subsection_progress WHERE user_id=$1 AND subsection_id = ANY($2)`,
		userID, pqInt64Array(subsectionIDs))
	if err != nil {
		return nil, classifyErr(err, "")
	}
	defer rows.Close()

	var out []domain.SubsectionProgress
	for rows.Next() {
		var p domain.SubsectionProgress
		var sessions []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.SubsectionID, &p.IsViewed, &p.IsCompleted, &p.TimeSpentSeconds, &p.CompletionPercentage,
			&p.SessionStartAt, &p.LastActivityAt, &p.ViewedAt, &sessions, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, classifyErr(err, "")
		}
		if len(sessions) > 0 {
			json.Unmarshal(sessions, &p.ActivitySessions)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSectionProgress(ctx context.Context, userID, sectionID int64) (*domain.SectionProgress, error) {
	var p domain.SectionProgress
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, section_id, completion_percentage, status_percentage, status, last_accessed, created_at, updated_at
		 FROM section_progress WHERE user_id=$1 AND section_id=$2`, userID, sectionID).
		Scan(&p.ID, &p.UserID, &p.SectionID, &p.CompletionPercentage, &p.StatusPercentage, &p.Status, &p.LastAccessed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, classifyErr(err, "section progress not found")
	}
	return &p, nil
}

// UpsertSectionProgress is the only write path into section_progress; only
// the aggregator (internal/progress) calls it, per I1.
func (s *PostgresStore) UpsertSectionProgress(ctx context.Context, p *domain.SectionProgress) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO section_progress (user_id, section_id, completion_percentage, status_percentage, status, last_accessed, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		 ON CONFLICT (user_id, section_id) DO UPDATE SET
		   completion_percentage=EXCLUDED.completion_percentage,
		   status_percentage=EXCLUDED.status_percentage,
		   status=EXCLUDED.status,
		   last_accessed=EXCLUDED.last_accessed,
		   updated_at=EXCLUDED.updated_at`,
		p.UserID, p.SectionID, p.CompletionPercentage, p.StatusPercentage, p.Status, p.LastAccessed, now)
	return classifyErr(err, "")
}

func (s *PostgresStore) GetTopicProgress(ctx context.Context, userID, topicID int64) (*domain.TopicProgress, error) {
	var p domain.TopicProgress
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, topic_id, completion_percentage, status, completed_sections, last_accessed, created_at, updated_at
		 FROM topic_progress WHERE user_id=$1 AND topic_id=$2`, userID, topicID).
		Scan(&p.ID, &p.UserID, &p.TopicID, &p.CompletionPercentage, &p.Status, &p.CompletedSections, &p.LastAccessed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, classifyErr(err, "topic progress not found")
	}
	return &p, nil
}

func (s *PostgresStore) UpsertTopicProgress(ctx context.Context, p *domain.TopicProgress) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topic_progress (user_id, topic_id, completion_percentage, status, completed_sections, last_accessed, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		 ON CONFLICT (user_id, topic_id) DO UPDATE SET
		   completion_percentage=EXCLUDED.completion_percentage,
		   status=EXCLUDED.status,
		   completed_sections=EXCLUDED.completed_sections,
		   last_accessed=EXCLUDED.last_accessed,
		   updated_at=EXCLUDED.updated_at`,
		p.UserID, p.TopicID, p.CompletionPercentage, p.Status, p.CompletedSections, p.LastAccessed, now)
	return classifyErr(err, "")
}

func pqInt64Array(ids []int64) string {
	b := []byte{'{'}
	for i, id := range ids {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(fmt.Sprintf("%d", id))...)
	}
	b = append(b, '}')
	return string(b)
}
