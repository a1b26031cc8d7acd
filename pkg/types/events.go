package types

import (
	"encoding/json"
	"time"
)

// Frame is the wire envelope for every client-to-server event.
// Unknown event names are dropped without a response.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Push is the wire envelope for server-to-client traffic, acks included.
type Push struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// SyncRoomRequest names one room a resuming client wants to catch up on.
type SyncRoomRequest struct {
	RoomID     string    `json:"roomId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// SyncPayload is the rooms:sync request body.
type SyncPayload struct {
	Rooms []SyncRoomRequest `json:"rooms"`
}

// SyncRoomResult reports the per-room outcome of a sync.
type SyncRoomResult struct {
	RoomID       string `json:"roomId"`
	Synced       bool   `json:"synced"`
	MessageCount int    `json:"messageCount,omitempty"`
}

// SyncAck acknowledges rooms:sync.
type SyncAck struct {
	Success bool             `json:"success"`
	Results []SyncRoomResult `json:"results"`
}

// JoinPayload is the room:join request body. LastSeenAt, when present,
// requests a replay of messages missed since that instant.
type JoinPayload struct {
	RoomID     string     `json:"roomId"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// LeavePayload is the room:leave request body.
type LeavePayload struct {
	RoomID string `json:"roomId"`
}

// SendPayload is the message:send request body.
type SendPayload struct {
	RoomID      string  `json:"roomId"`
	Text        string  `json:"text"`
	ClientMsgID string  `json:"clientMsgId"`
	ReplyToID   *string `json:"replyToId,omitempty"`
}

// SendAck acknowledges message:send.
type SendAck struct {
	Success     bool       `json:"success"`
	MessageID   string     `json:"messageId,omitempty"`
	Error       string     `json:"error,omitempty"`
	MutedUntil  *time.Time `json:"mutedUntil,omitempty"`
	IsDuplicate bool       `json:"isDuplicate,omitempty"`
}

// TypingPayload is both the typing:update request body and the
// notice broadcast to the rest of the room.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// TypingNotice is the typing:update push sent to room subscribers
// other than the originator.
type TypingNotice struct {
	RoomID   string `json:"roomId"`
	User     Sender `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// PingPayload is the presence:ping request body.
type PingPayload struct {
	RoomID string `json:"roomId"`
}

// Ack is the generic acknowledgement for events without richer results.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SystemNotice is the room:system push body.
type SystemNotice struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId"`
	User      *Sender    `json:"user,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Until     *time.Time `json:"until,omitempty"`
}

// RosterUpdate is the room:roster push body.
type RosterUpdate struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}
