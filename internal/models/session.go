// Package models defines data structures for the kbchat conversation service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSessionTitle is the title given to sessions before one is generated.
const DefaultSessionTitle = "New Chat"

// Session represents a persistent chat session owned by one user.
type Session struct {
	ID               uuid.UUID  `json:"id"`
	UserID           string     `json:"user_id"`
	Title            string     `json:"title"`
	Summary          *string    `json:"summary,omitempty"`
	SummaryUpdatedAt *time.Time `json:"summary_updated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`

	// MessageCount is annotated on list/search reads; it is not a stored column.
	MessageCount int `json:"message_count"`
}

// Message represents a single chat message within a session.
// Seq is strictly increasing per session starting at 1; ordering by Seq
// reconstructs the true conversation order.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}
