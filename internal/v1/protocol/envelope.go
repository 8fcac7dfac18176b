// Package protocol defines the wire surfaces shared by comet, logic and job:
// the WebSocket JSON envelope, the PushMsg record carried on the Kafka topic,
// and the BroadcastRoom gRPC contract between job and comet.
package protocol

import "encoding/json"

// Envelope tags every WebSocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope type tags.
const (
	TypeHello              = "hello"
	TypeClientMessages     = "clientMessages"
	TypeServerMessages     = "serverMessages"
	TypeRequestRoomHistory = "requestRoomHistory"
	TypeRoomHistory        = "room_history"
	TypeError              = "error"
)

// UserInfo is the user record embedded in server-side payloads.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// MessageView is a single chat message as rendered to clients.
type MessageView struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	RoomID    string   `json:"room_id,omitempty"`
	User      UserInfo `json:"user"`
}

// RoomSnapshot is one room entry in the hello reply.
type RoomSnapshot struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Users    []UserInfo    `json:"users"`
	Messages []MessageView `json:"messages"`
}

// HelloReply is the server's answer to a client hello.
type HelloReply struct {
	User  UserInfo       `json:"user"`
	Rooms []RoomSnapshot `json:"rooms"`
}

// ClientMessages is a client send request.
type ClientMessages struct {
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // client hint, server overrides
}

// ServerMessages fans a batch of accepted messages out to room subscribers.
type ServerMessages struct {
	RoomID   string        `json:"room_id"`
	Messages []MessageView `json:"messages"`
}

// RequestRoomHistory asks for an older page of a room's messages.
type RequestRoomHistory struct {
	RoomID        string `json:"room_id"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// RoomHistory is the reply to RequestRoomHistory.
type RoomHistory struct {
	RoomID   string        `json:"room_id"`
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// ErrorReply is sent to the originating client when a request fails.
type ErrorReply struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Encode wraps a payload into a tagged envelope and returns its JSON bytes.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Decode parses envelope bytes. The payload stays raw for the router to
// dispatch on Type.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
