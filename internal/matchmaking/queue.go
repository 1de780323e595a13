// ABOUTME: FIFO matchmaking queue pairing waiting users into conversations
// ABOUTME: All queue mutations and pairing run under one mutex so pop-and-pair is atomic

package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pairwise-chat/pairwise/internal/store"
)

// ErrSelfMatch is returned if a waiting entry for the caller somehow survives
// dedup; it indicates a bug rather than a user-facing condition.
var ErrSelfMatch = errors.New("cannot pair identity with itself")

// MatchStore defines what the queue needs from storage
type MatchStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	FindActiveConversationForUser(ctx context.Context, identity string) (*store.Conversation, error)
}

// Ticket is a handle to one queue entry. The holder waits on Matched and
// cancels with Queue.Cancel; a ticket can pair at most once.
type Ticket struct {
	identity string
	matched  chan *store.Conversation
}

// Matched returns the channel that receives the conversation when this
// ticket pairs. The channel is closed after delivery.
func (t *Ticket) Matched() <-chan *store.Conversation {
	return t.matched
}

// Result is the outcome of a match request.
type Result struct {
	// Conversation is set when the request paired immediately or rejoined an
	// existing active conversation. Nil while waiting.
	Conversation *store.Conversation

	// Rejoined reports that Conversation is a pre-existing active
	// conversation rather than a fresh pairing.
	Rejoined bool

	// Ticket is set when the caller was enqueued.
	Ticket *Ticket
}

// Queue is an ordered waiting list of unmatched users. Pairing is strict
// FIFO: the longest-waiting entry pairs first. Entries live only in process
// memory and are never persisted.
type Queue struct {
	mu      sync.Mutex
	entries []*Ticket          // FIFO order, head at index 0
	byID    map[string]*Ticket // identity -> queued ticket
	store   MatchStore
	logger  *slog.Logger

	matches atomic.Uint64
}

// NewQueue creates an empty matchmaking queue.
func NewQueue(st MatchStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		byID:   make(map[string]*Ticket),
		store:  st,
		logger: logger.With("component", "matchmaking"),
	}
}

// RequestMatch either rejoins the identity's active conversation, pairs it
// with the longest-waiting other user, or enqueues it.
//
// The whole check-dedup-pop-pair sequence runs under the queue mutex,
// including the conversation store calls: two concurrent requests can never
// both pop the same waiting entry, both observe an empty queue, or enqueue
// an identity that is being paired at that moment. If the persistence write
// for a pairing fails, the popped entry is returned to the front of the
// queue so no matchmaking state is lost.
func (q *Queue) RequestMatch(ctx context.Context, identity string) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Reconnection: an identity already in an active conversation rejoins it
	// instead of queueing for a new partner.
	existing, err := q.store.FindActiveConversationForUser(ctx, identity)
	if err == nil {
		q.removeLocked(identity)
		q.logger.Debug("rejoining active conversation",
			"identity", identity,
			"conversation_id", existing.ID)
		return &Result{Conversation: existing, Rejoined: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking active conversation: %w", err)
	}

	// Defensive de-duplication: drop any stale entry for this identity
	// before it could pair with itself.
	q.removeLocked(identity)

	if len(q.entries) > 0 {
		partner := q.entries[0]
		if partner.identity == identity {
			return nil, ErrSelfMatch
		}
		q.entries = q.entries[1:]
		delete(q.byID, partner.identity)

		conv := &store.Conversation{
			ID:           uuid.New().String(),
			ParticipantA: partner.identity,
			ParticipantB: identity,
			Active:       true,
			CreatedAt:    time.Now().UTC(),
		}
		if err := q.store.CreateConversation(ctx, conv); err != nil {
			// Roll back: reinstate the popped entry at the front so
			// queue order is preserved.
			q.entries = append([]*Ticket{partner}, q.entries...)
			q.byID[partner.identity] = partner
			return nil, fmt.Errorf("creating conversation: %w", err)
		}

		partner.matched <- conv
		close(partner.matched)
		q.matches.Add(1)

		q.logger.Info("paired",
			"conversation_id", conv.ID,
			"participant_a", conv.ParticipantA,
			"participant_b", conv.ParticipantB)

		return &Result{Conversation: conv}, nil
	}

	ticket := &Ticket{
		identity: identity,
		matched:  make(chan *store.Conversation, 1),
	}
	q.entries = append(q.entries, ticket)
	q.byID[identity] = ticket

	q.logger.Debug("enqueued", "identity", identity, "queue_len", len(q.entries))

	return &Result{Ticket: ticket}, nil
}

// Cancel removes the ticket's queue entry if it is still queued. No-op if
// the ticket already paired, was cancelled, or was superseded by a newer
// entry for the same identity.
func (q *Queue) Cancel(t *Ticket) {
	if t == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.byID[t.identity]
	if !ok || current != t {
		return
	}
	q.removeLocked(t.identity)

	q.logger.Debug("cancelled", "identity", t.identity, "queue_len", len(q.entries))
}

// Matches returns the number of conversations created since start.
func (q *Queue) Matches() uint64 {
	return q.matches.Load()
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// removeLocked drops the queue entry for identity, if any.
// Caller must hold q.mu.
func (q *Queue) removeLocked(identity string) {
	ticket, ok := q.byID[identity]
	if !ok {
		return
	}
	delete(q.byID, identity)
	for i, e := range q.entries {
		if e == ticket {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}
