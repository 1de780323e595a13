// ABOUTME: Wire frame types exchanged with clients over the websocket
// ABOUTME: Inbound match-me/send-message/leave-chat, outbound waiting/match-found/receive-message/partner-disconnected/error

package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound frame types.
const (
	frameMatchMe     = "match-me"
	frameSendMessage = "send-message"
	frameLeaveChat   = "leave-chat"
)

// Outbound frame types.
const (
	frameWaiting             = "waiting"
	frameMatchFound          = "match-found"
	frameReceiveMessage      = "receive-message"
	framePartnerDisconnected = "partner-disconnected"
	frameError               = "error"
)

// clientFrame is the envelope for every inbound websocket message.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// sendMessageData is the payload of a send-message frame.
type sendMessageData struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// leaveChatData is the payload of a leave-chat frame.
type leaveChatData struct {
	ConversationID string `json:"conversationId"`
}

// serverFrame is the envelope for every outbound websocket message.
type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// matchFoundData is the payload of a match-found frame.
type matchFoundData struct {
	ConversationID string `json:"conversationId"`
}

// messageData is the payload of a receive-message frame.
type messageData struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
}

// errorData is the payload of an error frame.
type errorData struct {
	Message string `json:"message"`
}

// encodeFrame marshals an outbound frame envelope.
func encodeFrame(frameType string, data any) ([]byte, error) {
	payload, err := json.Marshal(serverFrame{Type: frameType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", frameType, err)
	}
	return payload, nil
}

// decodeFrame parses an inbound frame envelope.
func decodeFrame(payload []byte) (*clientFrame, error) {
	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &frame, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
