// ABOUTME: HTTP API handlers for conversation history and health checks
// ABOUTME: History is participant-only and reports whether the conversation is still live

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pairwise-chat/pairwise/internal/auth"
	"github.com/pairwise-chat/pairwise/internal/conversation"
	"github.com/pairwise-chat/pairwise/internal/store"
)

// MessageResponse is one message in a history response.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
}

// HistoryResponse is the body of GET /messages/{conversationID}.
type HistoryResponse struct {
	Messages []MessageResponse `json:"messages"`
	IsActive bool              `json:"isActive"`
}

// handleGetMessages handles GET /messages/{conversationID}.
// Only the two participants may read a conversation's history; the history
// stays readable after the conversation ends.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	identity := auth.IdentityFromContext(r.Context())

	messages, conv, err := g.relay.History(r.Context(), identity, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, conversation.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "not a participant")
		return
	case err != nil:
		g.logger.Error("failed to load history", "error", err, "conversation_id", conversationID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := HistoryResponse{
		Messages: make([]MessageResponse, len(messages)),
		IsActive: conv.Active,
	}
	for i, msg := range messages {
		response.Messages[i] = messageResponse(msg)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func messageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		CreatedAt:      formatTimestamp(msg.CreatedAt),
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
