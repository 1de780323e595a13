// ABOUTME: Per-connection session controller sequencing matchmaking and relay events
// ABOUTME: State machine: Unmatched -> Waiting -> Paired -> Ended, re-entrant from Ended

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pairwise-chat/pairwise/internal/conversation"
	"github.com/pairwise-chat/pairwise/internal/matchmaking"
)

// State is the session controller's position in its lifecycle.
type State int

const (
	StateUnmatched State = iota
	StateWaiting
	StatePaired
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUnmatched:
		return "unmatched"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Emitter delivers events to the client behind this session's connection.
// The gateway implements it over the websocket wire format.
type Emitter interface {
	EmitWaiting()
	EmitMatchFound(conversationID string)
	EmitMessage(event *conversation.Event)
	EmitPartnerLeft()
	EmitError(message string)
}

// Controller drives one connection's session. All handler methods are safe
// for concurrent use; state transitions are serialized by the controller's
// own mutex, while queue and relay invariants are enforced by those
// components' serialization domains.
type Controller struct {
	identity string
	emitter  Emitter
	queue    *matchmaking.Queue
	relay    *conversation.Service
	logger   *slog.Logger

	// ctx bounds broadcaster subscriptions and the ticket wait; the gateway
	// cancels it when the connection goes away.
	ctx context.Context

	mu             sync.Mutex
	state          State
	ticket         *matchmaking.Ticket
	conversationID string
	subID          string
	subCancel      context.CancelFunc
}

// NewController creates a session controller for one authenticated connection.
func NewController(ctx context.Context, identity string, emitter Emitter, queue *matchmaking.Queue, relay *conversation.Service, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		identity: identity,
		emitter:  emitter,
		queue:    queue,
		relay:    relay,
		logger:   logger.With("component", "session", "identity", identity),
		ctx:      ctx,
		state:    StateUnmatched,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the conversation this session is paired to, if any.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// HandleMatchRequest processes a match-me event: rejoin, immediate pairing,
// or enqueue. Errors from the store are surfaced to the caller only.
func (c *Controller) HandleMatchRequest() {
	res, err := c.queue.RequestMatch(c.ctx, c.identity)
	if err != nil {
		c.logger.Error("match request failed", "error", err)
		c.emitter.EmitError("matchmaking failed, try again")
		return
	}

	if res.Conversation != nil {
		if !c.joinConversation(res.Conversation.ID) {
			c.abandonPairing(res.Conversation.ID)
			return
		}
		c.emitter.EmitMatchFound(res.Conversation.ID)
		return
	}

	c.mu.Lock()
	c.state = StateWaiting
	c.ticket = res.Ticket
	c.mu.Unlock()

	c.emitter.EmitWaiting()

	go c.awaitMatch(res.Ticket)
}

// awaitMatch waits for a queued ticket to pair, or for the session to end.
func (c *Controller) awaitMatch(ticket *matchmaking.Ticket) {
	select {
	case conv, ok := <-ticket.Matched():
		if !ok || conv == nil {
			return
		}
		if !c.joinConversation(conv.ID) {
			c.abandonPairing(conv.ID)
			return
		}
		c.emitter.EmitMatchFound(conv.ID)
	case <-c.ctx.Done():
		c.queue.Cancel(ticket)
	}
}

// abandonPairing deactivates a conversation whose pairing landed on a
// session that had already disconnected, so the partner is told instead of
// chatting into an empty conversation. HandleDisconnect never saw a
// conversation for this session, so cleanup falls to whoever lost the join.
func (c *Controller) abandonPairing(conversationID string) {
	if err := c.relay.End(context.Background(), c.identity, conversationID, ""); err != nil {
		c.logger.Error("abandoning unjoined conversation failed",
			"error", err,
			"conversation_id", conversationID)
	}
}

// joinConversation subscribes this session to the conversation's broadcast
// group and transitions to Paired. Re-joining the same conversation is a
// no-op so a duplicate match-me while paired does not double-subscribe.
// Returns false without subscribing if a disconnect already tore the
// session down; the caller owns the conversation's cleanup in that case.
func (c *Controller) joinConversation(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateEnded && c.ctx.Err() != nil {
		return false
	}
	if c.state == StatePaired && c.conversationID == conversationID {
		return true
	}
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	events, subID := c.relay.Broadcaster().Subscribe(subCtx, conversationID)

	c.state = StatePaired
	c.ticket = nil
	c.conversationID = conversationID
	c.subID = subID
	c.subCancel = cancel

	c.logger.Debug("joined conversation", "conversation_id", conversationID)

	go c.forwardEvents(events)
	return true
}

// forwardEvents pumps broadcast group events to the client until the
// subscription closes. A partner-left event also ends the session.
func (c *Controller) forwardEvents(events <-chan *conversation.Event) {
	for event := range events {
		switch event.Type {
		case conversation.EventMessage:
			c.emitter.EmitMessage(event)
		case conversation.EventPartnerLeft:
			c.emitter.EmitPartnerLeft()
			c.endLocally(event.ConversationID)
		}
	}
}

// HandleSend processes a send-message event. Validation failures are
// reported back to this connection only, never broadcast.
func (c *Controller) HandleSend(conversationID, content string) {
	_, err := c.relay.SendMessage(c.ctx, c.identity, conversationID, content)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrEmptyContent):
		c.emitter.EmitError("message is empty")
	case errors.Is(err, conversation.ErrConversationInactive):
		c.emitter.EmitError("conversation has ended")
	case errors.Is(err, conversation.ErrInvalidConversation):
		c.emitter.EmitError("invalid conversation")
	default:
		c.logger.Error("send failed", "error", err, "conversation_id", conversationID)
		c.emitter.EmitError("message could not be delivered")
	}
}

// HandleLeave processes an explicit leave-chat event: deactivate, notify the
// partner, and end this session's pairing.
func (c *Controller) HandleLeave(conversationID string) {
	c.mu.Lock()
	subID := c.subID
	c.mu.Unlock()

	if err := c.relay.End(c.ctx, c.identity, conversationID, subID); err != nil {
		if errors.Is(err, conversation.ErrInvalidConversation) {
			c.emitter.EmitError("invalid conversation")
			return
		}
		c.logger.Error("leave failed", "error", err, "conversation_id", conversationID)
		c.emitter.EmitError("could not leave conversation")
		return
	}

	c.endLocally(conversationID)
}

// HandleDisconnect processes transport loss. Waiting sessions are evicted
// from the queue; paired sessions end the conversation exactly as an
// explicit leave would, so the partner is notified and the departed user's
// next match request cannot collide with a still-active record.
func (c *Controller) HandleDisconnect() {
	// Snapshot and mark ended under one lock hold, so a pairing landing at
	// this moment observes the dead session and cleans up after itself
	// instead of joining.
	c.mu.Lock()
	state := c.state
	ticket := c.ticket
	conversationID := c.conversationID
	subID := c.subID
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	c.state = StateEnded
	c.ticket = nil
	c.conversationID = ""
	c.subID = ""
	c.mu.Unlock()

	switch state {
	case StateWaiting:
		c.queue.Cancel(ticket)
		// The ticket may have paired between the queue pop and the cancel.
		// Pairing delivers the conversation before releasing the queue
		// mutex, so if the cancel missed, the ticket already holds it;
		// unless the waiter goroutine got there first, in which case the
		// refused join covers the cleanup.
		if ticket != nil {
			select {
			case conv, ok := <-ticket.Matched():
				if ok && conv != nil {
					c.abandonPairing(conv.ID)
				}
			default:
			}
		}
	case StatePaired:
		if err := c.relay.End(context.Background(), c.identity, conversationID, subID); err != nil {
			c.logger.Error("deactivation on disconnect failed",
				"error", err,
				"conversation_id", conversationID)
		}
	}

	c.logger.Debug("session closed", "prior_state", state.String())
}

// endLocally transitions this session to Ended and tears down its
// subscription. Safe to call from any state.
func (c *Controller) endLocally(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conversationID != "" && c.conversationID != conversationID {
		return
	}
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	c.state = StateEnded
	c.ticket = nil
	c.conversationID = ""
	c.subID = ""
}
