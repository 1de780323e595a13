// ABOUTME: Relay engine: validates, persists, and fans out conversation messages
// ABOUTME: Messages are recorded before broadcast so history is the source of truth

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pairwise-chat/pairwise/internal/store"
)

// Relay errors
var (
	// ErrInvalidConversation means the conversation does not exist or the
	// sender is not one of its participants.
	ErrInvalidConversation = errors.New("invalid conversation")

	// ErrConversationInactive means the conversation has ended.
	ErrConversationInactive = errors.New("conversation inactive")

	// ErrEmptyContent means the message content is empty after trimming.
	ErrEmptyContent = errors.New("empty content")

	// ErrForbidden means the requester is not a participant.
	ErrForbidden = errors.New("forbidden")
)

// RelayStore defines what the relay needs from storage
type RelayStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	DeactivateConversation(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// Service relays messages between the participants of a conversation.
// Each conversation has its own ordering domain: sends and termination
// within one conversation are admitted under a per-conversation lock, so
// messages are persisted and broadcast in admission order, a send never
// lands after the deactivation, and unrelated conversations are not
// serialized against each other.
type Service struct {
	store       RelayStore
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // conversationID -> ordering lock

	relayed atomic.Uint64
}

// NewService creates a relay service backed by the given store and broadcaster.
func NewService(st RelayStore, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With("component", "relay"),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Broadcaster exposes the broadcast groups so session controllers can
// subscribe on pairing and rejoin.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// MessagesRelayed returns the number of messages relayed since start.
func (s *Service) MessagesRelayed() uint64 {
	return s.relayed.Load()
}

// conversationLock returns the ordering lock for a conversation.
func (s *Service) conversationLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// releaseLock drops the ordering lock entry for a conversation. Called only
// while holding the entry's lock, and only once the conversation can no
// longer admit writes (deactivated or nonexistent): a sender that fetches a
// fresh mutex afterwards still observes that state and fails, so two
// writers can never both admit.
func (s *Service) releaseLock(conversationID string) {
	s.mu.Lock()
	delete(s.locks, conversationID)
	s.mu.Unlock()
}

// SendMessage validates and persists a message, then broadcasts it to every
// connection currently subscribed to the conversation's group, the sender's
// own subscriptions included. Delivery is best-effort to currently connected
// members only.
func (s *Service) SendMessage(ctx context.Context, sender, conversationID, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	// The load and active check run under the ordering lock: a send racing a
	// leave either admits before the deactivation and is delivered to the
	// partner, or observes the inactive flag and stores nothing.
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		s.releaseLock(conversationID)
		return nil, ErrInvalidConversation
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	if !conv.HasParticipant(sender) {
		return nil, ErrInvalidConversation
	}
	if !conv.Active {
		// The entry was re-minted by conversationLock after End dropped it.
		s.releaseLock(conversationID)
		return nil, ErrConversationInactive
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	s.broadcaster.Publish(conversationID, &Event{
		Type:           EventMessage,
		ConversationID: conversationID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}, "")

	s.relayed.Add(1)
	s.logger.Debug("message relayed",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender", sender)

	return msg, nil
}

// History returns all messages of a conversation ordered by creation time
// ascending, plus the conversation record itself so callers can report the
// active flag. Fails with ErrForbidden if the requester is not a participant.
func (s *Service) History(ctx context.Context, requester, conversationID string) ([]*store.Message, *store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	if !conv.HasParticipant(requester) {
		return nil, nil, ErrForbidden
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing messages: %w", err)
	}

	return messages, conv, nil
}

// End deactivates a conversation on behalf of a leaving participant and
// notifies the remaining subscribers. Idempotent: ending an already inactive
// conversation only re-publishes the notification to whoever is still
// subscribed.
func (s *Service) End(ctx context.Context, leaver, conversationID string, leaverSubID string) error {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		s.releaseLock(conversationID)
		return ErrInvalidConversation
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	if !conv.HasParticipant(leaver) {
		return ErrInvalidConversation
	}

	if err := s.store.DeactivateConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("deactivating conversation: %w", err)
	}

	s.broadcaster.Publish(conversationID, &Event{
		Type:           EventPartnerLeft,
		ConversationID: conversationID,
		Sender:         leaver,
		CreatedAt:      time.Now().UTC(),
	}, leaverSubID)

	s.releaseLock(conversationID)

	s.logger.Info("conversation ended",
		"conversation_id", conversationID,
		"leaver", leaver)

	return nil
}
