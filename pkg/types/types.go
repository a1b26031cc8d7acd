package types

import (
	"time"
)

// Client-to-server event names.
const (
	EventRoomsSync    = "rooms:sync"
	EventRoomJoin     = "room:join"
	EventRoomLeave    = "room:leave"
	EventMessageSend  = "message:send"
	EventTypingUpdate = "typing:update"
	EventPresencePing = "presence:ping"
)

// Server-to-client push event names.
const (
	EventMessageNew = "message:new"
	EventRoomSystem = "room:system"
	EventRoomRoster = "room:roster"
)

// System notice types carried by room:system pushes.
const (
	SystemJoin  = "join"
	SystemLeave = "leave"
	SystemMuted = "muted"
)

// Presence status reported in roster reads. Computed from the last
// heartbeat at read time, never stored.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Sender identifies the author of a message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Message is one stored chat message. Immutable once created.
type Message struct {
	ID        string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	ReplyTo   *string   `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomUser is one entry in a room roster as reported to clients.
type RoomUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// Identity is the resolved owner of a verified credential.
type Identity struct {
	UserID   string
	Username string
}
