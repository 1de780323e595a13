// ABOUTME: Event types flowing through a conversation's broadcast group
// ABOUTME: Session controllers consume these and forward them to their connection

package conversation

import "time"

// EventType identifies what happened in a conversation.
type EventType string

const (
	// EventMessage carries a newly persisted message.
	EventMessage EventType = "message"

	// EventPartnerLeft signals that the other participant left or disconnected
	// and the conversation has been deactivated.
	EventPartnerLeft EventType = "partner-left"
)

// Event is a single occurrence within a conversation, fanned out to every
// subscriber of that conversation's broadcast group.
type Event struct {
	Type           EventType
	ConversationID string
	Sender         string
	Content        string
	CreatedAt      time.Time
}
