package domain

import "encoding/json"

// QuestionType enumerates how a Question is graded.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
)

// Question is a bank entry owned by a Topic, optionally scoped to one of its
// Sections. Its lifetime is bounded by the Topic, never by any Test that
// links to it.
type Question struct {
	ID            int64           `json:"id" db:"id"`
	TopicID       int64           `json:"topic_id" db:"topic_id"`
	SectionID     *int64          `json:"section_id,omitempty" db:"section_id"`
	QuestionType  QuestionType    `json:"question_type" db:"question_type"`
	Text          string          `json:"text" db:"text"`
	Options       json.RawMessage `json:"options" db:"options"`
	CorrectAnswer json.RawMessage `json:"correct_answer" db:"correct_answer"`
	Hint          *string         `json:"hint,omitempty" db:"hint"`
	IsFinal       bool            `json:"is_final" db:"is_final"`
	CreatedBy     int64           `json:"created_by" db:"created_by"`
	Audit
}

// TestType enumerates the three kinds of test named in the design.
type TestType string

const (
	TestHinted      TestType = "hinted"
	TestSectionFinal TestType = "section_final"
	TestGlobalFinal  TestType = "global_final"
)

// Test is a composed quiz scoped to exactly one of {Section, Topic}
// depending on its Type.
type Test struct {
	ID                   int64    `json:"id" db:"id"`
	Title                string   `json:"title" db:"title"`
	Type                 TestType `json:"type" db:"type"`
	SectionID            *int64   `json:"section_id,omitempty" db:"section_id"`
	TopicID              *int64   `json:"topic_id,omitempty" db:"topic_id"`
	DurationSeconds      *int     `json:"duration_seconds,omitempty" db:"duration_seconds"`
	MaxAttempts          int      `json:"max_attempts" db:"max_attempts"`
	CompletionPercentage float64  `json:"completion_percentage" db:"completion_percentage"`
	TargetQuestions      *int     `json:"target_questions,omitempty" db:"target_questions"`
	Audit
}

// TestQuestion links a Test to a Question with the audit trail of who added
// it and when.
type TestQuestion struct {
	TestID     int64 `json:"test_id" db:"test_id"`
	QuestionID int64 `json:"question_id" db:"question_id"`
	AddedBy    int64 `json:"added_by" db:"added_by"`
	AddedAt    int64 `json:"added_at" db:"added_at"`
}
