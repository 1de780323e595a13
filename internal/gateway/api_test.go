// ABOUTME: Tests for the HTTP API: history endpoint, auth, and health
// ABOUTME: Runs against a gateway wired to the in-memory mock store

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairwise-chat/pairwise/internal/auth"
	"github.com/pairwise-chat/pairwise/internal/config"
	"github.com/pairwise-chat/pairwise/internal/conversation"
	"github.com/pairwise-chat/pairwise/internal/matchmaking"
	"github.com/pairwise-chat/pairwise/internal/registry"
	"github.com/pairwise-chat/pairwise/internal/store"
)

const testSecret = "test-secret"

// newTestGateway wires a gateway onto the mock store, bypassing New so tests
// don't need a database file.
func newTestGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := store.NewMockStore()

	broadcaster := conversation.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)
	relay := conversation.NewService(mock, broadcaster, logger)
	queue := matchmaking.NewQueue(mock, logger)

	g := &Gateway{
		config: &config.Config{
			Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
			Auth:     config.AuthConfig{JWTSecret: testSecret},
			Realtime: config.RealtimeConfig{PingInterval: time.Minute, WriteTimeout: 5 * time.Second},
			Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		},
		store:    mock,
		registry: registry.NewRegistry(logger),
		queue:    queue,
		relay:    relay,
		verifier: auth.NewJWTVerifier([]byte(testSecret)),
		metrics:  NewMetrics(queue, relay),
		logger:   logger,
	}
	return g, mock
}

func testToken(t *testing.T, identity string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(identity, time.Hour)
	require.NoError(t, err)
	return token
}

func getMessages(t *testing.T, server *httptest.Server, conversationID, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, server.URL+"/messages/"+conversationID, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetMessages_RequiresAuth(t *testing.T) {
	g, _ := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	resp := getMessages(t, server, "conv-1", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetMessages_RejectsBadToken(t *testing.T) {
	g, _ := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	resp := getMessages(t, server, "conv-1", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetMessages_NotFound(t *testing.T) {
	g, _ := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	resp := getMessages(t, server, "conv-missing", testToken(t, "alice"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMessages_ForbiddenForNonParticipant(t *testing.T) {
	g, mock := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	require.NoError(t, mock.CreateConversation(context.Background(), &store.Conversation{
		ID:           "conv-1",
		ParticipantA: "alice",
		ParticipantB: "bob",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))

	resp := getMessages(t, server, "conv-1", testToken(t, "mallory"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetMessages_ReturnsHistoryInOrder(t *testing.T) {
	g, mock := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	require.NoError(t, mock.CreateConversation(context.Background(), &store.Conversation{
		ID:           "conv-1",
		ParticipantA: "alice",
		ParticipantB: "bob",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, mock.SaveMessage(context.Background(), &store.Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-1",
			Sender:         "alice",
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	resp := getMessages(t, server, "conv-1", testToken(t, "bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.IsActive)
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "first", body.Messages[0].Content)
	assert.Equal(t, "third", body.Messages[2].Content)
	assert.Equal(t, "alice", body.Messages[0].Sender)
	assert.Equal(t, "2025-06-01T12:00:00Z", body.Messages[0].CreatedAt)
}

func TestGetMessages_InactiveConversationStillReadable(t *testing.T) {
	g, mock := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	require.NoError(t, mock.CreateConversation(context.Background(), &store.Conversation{
		ID:           "conv-1",
		ParticipantA: "alice",
		ParticipantB: "bob",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))
	require.NoError(t, mock.SaveMessage(context.Background(), &store.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Sender:         "bob",
		Content:        "bye",
		CreatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, mock.DeactivateConversation(context.Background(), "conv-1"))

	resp := getMessages(t, server, "conv-1", testToken(t, "alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.IsActive)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "bye", body.Messages[0].Content)
}

func TestGetMessages_EmptyHistory(t *testing.T) {
	g, mock := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	require.NoError(t, mock.CreateConversation(context.Background(), &store.Conversation{
		ID:           "conv-1",
		ParticipantA: "alice",
		ParticipantB: "bob",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))

	resp := getMessages(t, server, "conv-1", testToken(t, "alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.Messages)
	assert.Empty(t, body.Messages)
}

func TestHealthEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)
	server := httptest.NewServer(g.routes())
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pairwise_connections_active")
	assert.Contains(t, string(body), "pairwise_matches_total")
	assert.Contains(t, string(body), "pairwise_queue_waiting")
}
