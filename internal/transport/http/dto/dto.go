// Package dto holds the JSON wire shapes exposed by internal/transport/http.
// Core domain types already carry snake_case json tags (internal/domain),
// but the wire contract rounds percentages to the nearest integer and
// never leaks internal fields (raw JSONB blobs, lock bookkeeping) the way
// the teacher's handlers hand-roll a response struct per endpoint instead
// of marshaling repository rows directly.
package dto

import (
	"math"
	"time"

	"github.com/cloudlearn/corelms/internal/availability"
	"github.com/cloudlearn/corelms/internal/domain"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/tracking"
)

func roundPct(f float64) int { return int(math.Round(f)) }

// ErrorEnvelope is the body of every non-2xx response. RequestID mirrors
// the X-Request-ID response header (middleware.RequestID) so a client can
// hand both back to support without digging through headers.
type ErrorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// SessionStatus wraps tracking.SessionStatus for the wire.
type SessionStatus struct {
	TimeSpentSeconds     int  `json:"time_spent_seconds"`
	CompletionPercentage int  `json:"completion_percentage"`
	IsCompleted          bool `json:"is_completed"`
	NextIntervalSeconds  int  `json:"next_interval_seconds"`
	Suspicious           bool `json:"suspicious"`
}

func FromSessionStatus(s *tracking.SessionStatus) SessionStatus {
	return SessionStatus{
		TimeSpentSeconds:     s.TimeSpentSeconds,
		CompletionPercentage: roundPct(s.CompletionPercentage),
		IsCompleted:          s.IsCompleted,
		NextIntervalSeconds:  s.NextIntervalSeconds,
		Suspicious:           s.Suspicious,
	}
}

// SubsectionProgress is the wire shape for GetSubsectionStatus.
type SubsectionProgress struct {
	SubsectionID         int64      `json:"subsection_id"`
	IsViewed             bool       `json:"is_viewed"`
	IsCompleted          bool       `json:"is_completed"`
	TimeSpentSeconds     int        `json:"time_spent_seconds"`
	CompletionPercentage int        `json:"completion_percentage"`
	ViewedAt             *time.Time `json:"viewed_at,omitempty"`
}

func FromSubsectionProgress(p *domain.SubsectionProgress) SubsectionProgress {
	return SubsectionProgress{
		SubsectionID:         p.SubsectionID,
		IsViewed:             p.IsViewed,
		IsCompleted:          p.IsCompleted,
		TimeSpentSeconds:     p.TimeSpentSeconds,
		CompletionPercentage: roundPct(p.CompletionPercentage),
		ViewedAt:             p.ViewedAt,
	}
}

// Breakdown mirrors the original's {subsections, tests_hinted, tests_final}
// contribution shape named in spec.md §4.4.
type Breakdown struct {
	SubsectionsCompleted int `json:"subsections_completed"`
	SubsectionsTotal     int `json:"subsections_total"`
	TestsHintedPassed    int `json:"tests_hinted_passed"`
	TestsHintedTotal     int `json:"tests_hinted_total"`
	TestsFinalPassed     int `json:"tests_final_passed"`
	TestsFinalTotal      int `json:"tests_final_total"`
}

func fromBreakdown(b *progress.Breakdown) *Breakdown {
	if b == nil {
		return nil
	}
	return &Breakdown{
		SubsectionsCompleted: b.Subsections.Completed,
		SubsectionsTotal:     b.Subsections.Total,
		TestsHintedPassed:    b.TestsHinted.Passed,
		TestsHintedTotal:     b.TestsHinted.Total,
		TestsFinalPassed:     b.TestsFinal.Passed,
		TestsFinalTotal:      b.TestsFinal.Total,
	}
}

// SectionProgress is the wire shape for ProgressService.GetSectionProgress.
// Breakdown is populated only on the path that recomputes (cache misses and
// explicit recompute calls); a pure cache hit omits it rather than doing
// extra work just to fill in a field the caller may not need.
type SectionProgress struct {
	SectionID            int64      `json:"section_id"`
	CompletionPercentage int        `json:"completion_percentage"`
	StatusPercentage     int        `json:"status_percentage"`
	Status               string     `json:"status"`
	Breakdown            *Breakdown `json:"breakdown,omitempty"`
	LastAccessed         time.Time  `json:"last_accessed"`
}

func FromSectionProgress(p *domain.SectionProgress, b *progress.Breakdown) SectionProgress {
	return SectionProgress{
		SectionID:            p.SectionID,
		CompletionPercentage: roundPct(p.CompletionPercentage),
		StatusPercentage:     roundPct(p.StatusPercentage),
		Status:               string(p.Status),
		Breakdown:            fromBreakdown(b),
		LastAccessed:         p.LastAccessed,
	}
}

// TopicProgress is the wire shape for ProgressService.GetTopicProgress. It
// carries one percentage: the mean of its sections' display percentages
// (hinted tests included). It has no status percentage of its own; the
// status percentage (hinted tests excluded) is surfaced per section on
// SectionProgress.
type TopicProgress struct {
	TopicID              int64      `json:"topic_id"`
	CompletionPercentage int        `json:"completion_percentage"`
	Status               string     `json:"status"`
	CompletedSections    int        `json:"completed_sections"`
	Breakdown            *Breakdown `json:"breakdown,omitempty"`
	LastAccessed         time.Time  `json:"last_accessed"`
}

func FromTopicProgress(p *domain.TopicProgress, b *progress.Breakdown) TopicProgress {
	return TopicProgress{
		TopicID:              p.TopicID,
		CompletionPercentage: roundPct(p.CompletionPercentage),
		Status:               string(p.Status),
		CompletedSections:    p.CompletedSections,
		Breakdown:            fromBreakdown(b),
		LastAccessed:         p.LastAccessed,
	}
}

// SectionWithAvailability is the wire shape for
// ProgressService.ListSectionsWithAvailability.
type SectionWithAvailability struct {
	SectionID            int64   `json:"section_id"`
	Title                string  `json:"title"`
	Order                int     `json:"order"`
	Available            bool    `json:"available"`
	IsCompleted          bool    `json:"is_completed"`
	CompletionPercentage int     `json:"completion_percentage"`
}

func FromSectionWithAvailability(s availability.SectionWithAvailability) SectionWithAvailability {
	return SectionWithAvailability{
		SectionID:            s.Section.ID,
		Title:                s.Section.Title,
		Order:                s.Section.Order,
		Available:            s.Available,
		IsCompleted:          s.IsCompleted,
		CompletionPercentage: roundPct(s.Percentage),
	}
}

func FromSectionsWithAvailability(ss []availability.SectionWithAvailability) []SectionWithAvailability {
	out := make([]SectionWithAvailability, 0, len(ss))
	for _, s := range ss {
		out = append(out, FromSectionWithAvailability(s))
	}
	return out
}

// TestAttempt is the wire shape for every TestService response that
// returns an attempt. The question set is only ever the frozen
// randomized_config (P8) — never re-derived from the live question bank.
type TestAttempt struct {
	ID            int64                       `json:"id"`
	TestID        int64                       `json:"test_id"`
	AttemptNumber int                         `json:"attempt_number"`
	Status        string                      `json:"status"`
	StartedAt     time.Time                   `json:"started_at"`
	ExpiresAt     *time.Time                  `json:"expires_at,omitempty"`
	CompletedAt   *time.Time                  `json:"completed_at,omitempty"`
	Score         *float64                    `json:"score,omitempty"`
	Questions     []domain.RandomizedQuestion `json:"questions"`
}

func FromTestAttempt(a *domain.TestAttempt) TestAttempt {
	return TestAttempt{
		ID:            a.ID,
		TestID:        a.TestID,
		AttemptNumber: a.AttemptNumber,
		Status:        string(a.Status),
		StartedAt:     a.StartedAt,
		ExpiresAt:     a.ExpiresAt,
		CompletedAt:   a.CompletedAt,
		Score:         a.Score,
		Questions:     a.RandomizedConfig.Questions,
	}
}

func FromTestAttempts(as []domain.TestAttempt) []TestAttempt {
	out := make([]TestAttempt, 0, len(as))
	for i := range as {
		out = append(out, FromTestAttempt(&as[i]))
	}
	return out
}

// HeartbeatTestResponse wraps testengine.Engine.Heartbeat's remaining
// seconds until the attempt expires (0 if untimed).
type HeartbeatTestResponse struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// SubmitTestRequest validates the inbound submit-test body. The "answers"
// key must be present (a student who means to submit blank says so with
// an empty object) but is capped well above any real question count so a
// malformed client can't force the scorer to walk an unbounded map.
type SubmitTestRequest struct {
	Answers map[string]any `json:"answers" validate:"required,max=500"`
}

// HeartbeatTestRequest validates the inbound test-heartbeat body. Draft
// autosave payloads are optional (a bare heartbeat with no draft is a
// normal "still here" ping) but are size-capped the same way.
type HeartbeatTestRequest struct {
	Draft map[string]any `json:"draft" validate:"omitempty,max=500"`
}
