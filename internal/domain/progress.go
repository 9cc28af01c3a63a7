package domain

import "time"

// ActivitySession is one append-only {start,end,duration} record of a
// subsection viewing session.
type ActivitySession struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration int       `json:"duration"`
}

// SubsectionProgress is the per-{user,subsection} tracking row maintained
// exclusively by the activity tracker (C3).
type SubsectionProgress struct {
	ID                   int64             `json:"id" db:"id"`
	UserID               int64             `json:"user_id" db:"user_id"`
	SubsectionID         int64             `json:"subsection_id" db:"subsection_id"`
	IsViewed             bool              `json:"is_viewed" db:"is_viewed"`
	IsCompleted          bool              `json:"is_completed" db:"is_completed"`
	TimeSpentSeconds     int               `json:"time_spent_seconds" db:"time_spent_seconds"`
	CompletionPercentage float64           `json:"completion_percentage" db:"completion_percentage"`
	SessionStartAt       *time.Time        `json:"session_start_at,omitempty" db:"session_start_at"`
	LastActivityAt       time.Time         `json:"last_activity_at" db:"last_activity_at"`
	ViewedAt             *time.Time        `json:"viewed_at,omitempty" db:"viewed_at"`
	ActivitySessions     []ActivitySession `json:"activity_sessions" db:"activity_sessions"`
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at" db:"updated_at"`
}

// ProgressStatus is the coarse status exposed for Section/Topic progress.
type ProgressStatus string

const (
	StatusStarted    ProgressStatus = "started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
)

// SectionProgress is written exclusively by the progress aggregator (C4);
// every other writer is an invariant violation (I1).
type SectionProgress struct {
	ID                   int64          `json:"id" db:"id"`
	UserID               int64          `json:"user_id" db:"user_id"`
	SectionID            int64          `json:"section_id" db:"section_id"`
	CompletionPercentage float64        `json:"completion_percentage" db:"completion_percentage"`
	StatusPercentage     float64        `json:"status_percentage" db:"status_percentage"`
	Status               ProgressStatus `json:"status" db:"status"`
	LastAccessed         time.Time      `json:"last_accessed" db:"last_accessed"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// TopicProgress mirrors SectionProgress at the topic level.
type TopicProgress struct {
	ID                   int64          `json:"id" db:"id"`
	UserID               int64          `json:"user_id" db:"user_id"`
	TopicID              int64          `json:"topic_id" db:"topic_id"`
	CompletionPercentage float64        `json:"completion_percentage" db:"completion_percentage"`
	Status               ProgressStatus `json:"status" db:"status"`
	CompletedSections    int            `json:"completed_sections" db:"completed_sections"`
	LastAccessed         time.Time      `json:"last_accessed" db:"last_accessed"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}
