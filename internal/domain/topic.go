// Package domain holds the entity types from the data model: Topic through
// TestAttempt and the per-user progress rows. Every entity carries the
// common audit columns (CreatedAt, UpdatedAt, IsArchived) the way the
// teacher's models carry CreatedAt/UpdatedAt/DeletedAt.
package domain

import "time"

// Audit holds the fields every persisted entity carries.
type Audit struct {
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
	IsArchived bool      `json:"is_archived" db:"is_archived"`
}

// Topic owns an ordered list of Sections.
type Topic struct {
	ID          int64   `json:"id" db:"id"`
	Title       string  `json:"title" db:"title"`
	Description *string `json:"description,omitempty" db:"description"`
	Category    *string `json:"category,omitempty" db:"category"`
	ImagePath   *string `json:"image_path,omitempty" db:"image_path"`
	CreatorID   int64   `json:"creator_id" db:"creator_id"`
	Audit
}

// Section belongs to exactly one Topic and owns Subsections plus any
// section-final Tests.
type Section struct {
	ID          int64   `json:"id" db:"id"`
	TopicID     int64   `json:"topic_id" db:"topic_id"`
	Title       string  `json:"title" db:"title"`
	Order       int     `json:"order" db:"order"`
	Content     *string `json:"content,omitempty" db:"content"`
	Description *string `json:"description,omitempty" db:"description"`
	Audit
}

// SubsectionType enumerates the kinds of learning material a Subsection can
// wrap.
type SubsectionType string

const (
	SubsectionText         SubsectionType = "text"
	SubsectionPDF          SubsectionType = "pdf"
	SubsectionVideo        SubsectionType = "video"
	SubsectionPresentation SubsectionType = "presentation"
)

// DefaultWeight returns the default aggregation weight for a subsection type
// when the row doesn't override it.
func (t SubsectionType) DefaultWeight() float64 {
	switch t {
	case SubsectionVideo, SubsectionPresentation:
		return 1.5
	default:
		return 1.0
	}
}

// Subsection is the leaf unit of learning content within a Section.
type Subsection struct {
	ID                  int64          `json:"id" db:"id"`
	SectionID           int64          `json:"section_id" db:"section_id"`
	Title               string         `json:"title" db:"title"`
	Order               int            `json:"order" db:"order"`
	Type                SubsectionType `json:"type" db:"type"`
	Weight              float64        `json:"weight" db:"weight"`
	RequiredTimeMinutes int            `json:"required_time_minutes" db:"required_time_minutes"`
	MinTimeSeconds      int            `json:"min_time_seconds" db:"min_time_seconds"`
	StoragePath         *string        `json:"storage_path,omitempty" db:"storage_path"`
	Audit
}
