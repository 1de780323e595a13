// ABOUTME: Store interface and data types for pairwise-gateway persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation represents a pairing of exactly two participants.
// Participants are fixed at creation; conversations are deactivated, never deleted.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	Active       bool
	CreatedAt    time.Time
}

// HasParticipant reports whether identity is one of the two participants.
func (c *Conversation) HasParticipant(identity string) bool {
	return c.ParticipantA == identity || c.ParticipantB == identity
}

// OtherParticipant returns the participant that is not identity.
// Returns empty string if identity is not a participant.
func (c *Conversation) OtherParticipant(identity string) string {
	switch identity {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// Message represents a single message within a conversation.
// Messages are immutable once stored.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Content        string
	CreatedAt      time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindActiveConversationForUser(ctx context.Context, identity string) (*Conversation, error)
	DeactivateConversation(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
