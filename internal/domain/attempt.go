package domain

import (
	"encoding/json"
	"time"
)

// AttemptStatus is the state-machine status of a TestAttempt (design §4.7).
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptExpired    AttemptStatus = "expired"
)

// RandomizedQuestion is one entry of a frozen randomized_config: the
// question id and the permutation of its option indices chosen at Start.
// Frozen at Start (I6) and never rewritten thereafter.
type RandomizedQuestion struct {
	QuestionID  int64 `json:"question_id"`
	OptionOrder []int `json:"option_order"`
}

// RandomizedConfig is the frozen question composition for one attempt.
type RandomizedConfig struct {
	Questions []RandomizedQuestion `json:"questions"`
}

// TestAttempt is a single Start-to-terminal cycle of a Test by one user.
type TestAttempt struct {
	ID              int64             `json:"id" db:"id"`
	UserID          int64             `json:"user_id" db:"user_id"`
	TestID          int64             `json:"test_id" db:"test_id"`
	AttemptNumber   int               `json:"attempt_number" db:"attempt_number"`
	Status          AttemptStatus     `json:"status" db:"status"`
	StartedAt       time.Time         `json:"started_at" db:"started_at"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	LastActivityAt  time.Time         `json:"last_activity_at" db:"last_activity_at"`
	LastSaveAt      *time.Time        `json:"last_save_at,omitempty" db:"last_save_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Score           *float64          `json:"score,omitempty" db:"score"`
	Answers         json.RawMessage   `json:"answers,omitempty" db:"answers"`
	DraftAnswers    json.RawMessage   `json:"draft_answers,omitempty" db:"draft_answers"`
	AutoExtendCount int               `json:"auto_extend_count" db:"auto_extend_count"`
	RandomizedConfig RandomizedConfig `json:"randomized_config" db:"randomized_config"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the attempt can no longer be mutated by
// Heartbeat/Submit.
func (a *TestAttempt) IsTerminal() bool {
	return a.Status == AttemptCompleted || a.Status == AttemptExpired
}
