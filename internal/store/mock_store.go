// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID

	// FailNext makes the next store call return this error, then resets.
	// Used to simulate transient persistence failures.
	FailNext error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// takeFailure consumes a pending injected failure, if any.
// Caller must hold the write lock.
func (m *MockStore) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *c
	return &copied, nil
}

// FindActiveConversationForUser returns the active conversation for the identity.
func (m *MockStore) FindActiveConversationForUser(ctx context.Context, identity string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.Active && c.HasParticipant(identity) {
			copied := *c
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// DeactivateConversation marks a conversation inactive.
func (m *MockStore) DeactivateConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = false
	return nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	copied := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &copied)
	return nil
}

// ListMessages returns messages sorted by creation time ascending.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		result = append(result, &copied)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
