// ABOUTME: Websocket endpoint: authenticates, upgrades, and pumps frames
// ABOUTME: Bridges the socket to a session controller via the emitter interface

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwise-chat/pairwise/internal/auth"
	"github.com/pairwise-chat/pairwise/internal/conversation"
	"github.com/pairwise-chat/pairwise/internal/registry"
	"github.com/pairwise-chat/pairwise/internal/session"
)

// maxFrameSize bounds inbound frames; chat frames are small JSON envelopes.
const maxFrameSize = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients authenticate with a signed token, not cookies, so
		// cross-origin upgrades carry no ambient credentials.
		return true
	},
}

// wsEmitter adapts a registry connection to the session.Emitter interface.
// All emissions go through the connection's write pump.
type wsEmitter struct {
	conn    *registry.Connection
	metrics *Metrics
	logger  *slog.Logger
}

func (e *wsEmitter) emit(frameType string, data any) {
	payload, err := encodeFrame(frameType, data)
	if err != nil {
		e.logger.Error("failed to encode frame", "type", frameType, "error", err)
		return
	}
	if err := e.conn.Send(payload); err != nil {
		e.logger.Debug("dropping frame for closed connection", "type", frameType)
		return
	}
	e.metrics.frameSent(frameType)
}

func (e *wsEmitter) EmitWaiting() {
	e.emit(frameWaiting, nil)
}

func (e *wsEmitter) EmitMatchFound(conversationID string) {
	e.emit(frameMatchFound, matchFoundData{ConversationID: conversationID})
}

func (e *wsEmitter) EmitMessage(event *conversation.Event) {
	e.emit(frameReceiveMessage, messageData{
		ConversationID: event.ConversationID,
		Sender:         event.Sender,
		Content:        event.Content,
		CreatedAt:      formatTimestamp(event.CreatedAt),
	})
}

func (e *wsEmitter) EmitPartnerLeft() {
	e.emit(framePartnerDisconnected, nil)
}

func (e *wsEmitter) EmitError(message string) {
	e.emit(frameError, errorData{Message: message})
}

// handleWebSocket is GET /ws. The token comes from the Authorization header
// or, for browser clients that cannot set headers on upgrade, ?token=.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := registry.NewConnection(identity, ws, registry.Options{
		WriteTimeout: g.config.Realtime.WriteTimeout,
		PingInterval: g.config.Realtime.PingInterval,
	})
	g.registry.Register(conn)
	g.metrics.connectionOpened()

	logger := g.logger.With("identity", identity, "conn_id", conn.ID)
	logger.Info("client connected")

	// The session context ends when the handler returns or when the
	// connection is closed out from under us (replacement, slow client).
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-conn.Done()
		cancel()
	}()

	emitter := &wsEmitter{conn: conn, metrics: g.metrics, logger: logger}
	ctrl := session.NewController(ctx, identity, emitter, g.queue, g.relay, logger)

	// Deferred so the teardown runs even if a panic escapes the read loop
	// and is absorbed upstream by the router's recoverer: the registry
	// entry, the gauge, and the conversation must not outlive the socket.
	defer func() {
		cancel()

		// A newer connection for the same identity takes the session over;
		// only a genuine disconnect tears the session state down.
		current := g.connectionCurrent(conn)
		g.registry.Unregister(conn)
		conn.Close(websocket.CloseNormalClosure, "")
		g.metrics.connectionClosed()

		if current {
			ctrl.HandleDisconnect()
		}
		logger.Info("client disconnected", "replaced", !current)
	}()

	g.readLoop(ws, ctrl, emitter)
}

// connectionCurrent reports whether conn is still the registered connection
// for its identity.
func (g *Gateway) connectionCurrent(conn *registry.Connection) bool {
	active, ok := g.registry.Lookup(conn.Identity)
	return ok && active.ID == conn.ID
}

// readLoop consumes inbound frames until the socket errors or closes.
// Frames are dispatched synchronously so one connection's events keep their
// arrival order.
func (g *Gateway) readLoop(ws *websocket.Conn, ctrl *session.Controller, emitter *wsEmitter) {
	pongWait := g.pongWait()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		g.dispatch(ctrl, emitter, payload)
	}
}

// pongWait derives the read deadline from the ping cadence: a client gets a
// little over one full ping interval to answer before the read times out.
func (g *Gateway) pongWait() time.Duration {
	interval := g.config.Realtime.PingInterval
	if interval <= 0 {
		interval = 54 * time.Second
	}
	return interval * 10 / 9
}

func (g *Gateway) dispatch(ctrl *session.Controller, emitter *wsEmitter, payload []byte) {
	frame, err := decodeFrame(payload)
	if err != nil {
		g.metrics.frameReceived("invalid")
		emitter.EmitError("malformed frame")
		return
	}
	g.metrics.frameReceived(frame.Type)

	switch frame.Type {
	case frameMatchMe:
		ctrl.HandleMatchRequest()

	case frameSendMessage:
		var data sendMessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			emitter.EmitError("malformed send-message payload")
			return
		}
		ctrl.HandleSend(data.ConversationID, data.Content)

	case frameLeaveChat:
		var data leaveChatData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			emitter.EmitError("malformed leave-chat payload")
			return
		}
		ctrl.HandleLeave(data.ConversationID)

	default:
		emitter.EmitError("unknown frame type: " + frame.Type)
	}
}
