package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/pkg/types"
)

// Config holds the liveness parameters.
type Config struct {
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	SweepInterval    time.Duration `json:"sweep_interval"`
}

// DefaultConfig treats a user as stale after 30 seconds without a
// heartbeat, checked on a 10 second sweep.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    10 * time.Second,
	}
}

// StaleCallback is invoked by the sweep when a user crosses from fresh
// to stale, with the rooms whose rosters are affected.
type StaleCallback func(userID string, roomIDs []string)

// entry is the per-user presence record. At most one active connection
// per user: a new connection silently supersedes the old mapping.
type entry struct {
	userID        string
	username      string
	connID        string
	lastHeartbeat time.Time
	rooms         map[string]struct{}
	wasStale      bool
}

// Tracker maintains per-user liveness and the per-room roster index.
// The roster index and per-user room sets mutate under one lock so they
// can never disagree.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry              // userID -> entry
	rooms   map[string]map[string]struct{} // roomID -> set of userIDs
	conns   map[string]string              // connID -> userID reverse index

	config  Config
	onStale StaleCallback

	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

// NewTracker creates a tracker and starts its heartbeat sweep.
func NewTracker(config Config) *Tracker {
	t := &Tracker{
		entries: make(map[string]*entry),
		rooms:   make(map[string]map[string]struct{}),
		conns:   make(map[string]string),
		config:  config,
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "presence"),
	}
	go t.sweepLoop()
	return t
}

// SetStaleCallback installs the hook run when the sweep observes a user
// going stale.
func (t *Tracker) SetStaleCallback(cb StaleCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStale = cb
}

// Connect creates or refreshes the user's entry and rebinds it to the
// new connection. Any prior connection for the user is superseded
// without a handoff; its reverse-index mapping is dropped so a late
// teardown from the old socket cannot remove the new presence.
func (t *Tracker) Connect(userID, username, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[userID]
	if !exists {
		e = &entry{
			userID: userID,
			rooms:  make(map[string]struct{}),
		}
		t.entries[userID] = e
	} else if e.connID != "" {
		delete(t.conns, e.connID)
	}

	e.username = username
	e.connID = connID
	e.lastHeartbeat = time.Now()
	e.wasStale = false
	t.conns[connID] = userID
}

// Ping refreshes the heartbeat. It is the liveness signal independent
// of room traffic.
func (t *Tracker) Ping(userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[userID]
	if !exists {
		return ErrNotConnected
	}
	e.lastHeartbeat = time.Now()
	e.wasStale = false
	return nil
}

// JoinRoom adds the room to the user's set and the user to the roster
// index in one step.
func (t *Tracker) JoinRoom(userID, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[userID]
	if !exists {
		return ErrNotConnected
	}

	e.rooms[roomID] = struct{}{}
	if t.rooms[roomID] == nil {
		t.rooms[roomID] = make(map[string]struct{})
	}
	t.rooms[roomID][userID] = struct{}{}
	return nil
}

// LeaveRoom removes the room from the user's set and the user from the
// roster index in one step.
func (t *Tracker) LeaveRoom(userID, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[userID]
	if !exists {
		return ErrNotConnected
	}

	delete(e.rooms, roomID)
	t.removeFromRoomLocked(roomID, userID)
	return nil
}

// Disconnect resolves the connection to its user, tears down all room
// memberships and returns the affected room ids. A teardown from a
// superseded connection is a no-op for the user's current presence.
func (t *Tracker) Disconnect(connID string) (string, []string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, exists := t.conns[connID]
	if !exists {
		return "", nil, false
	}
	delete(t.conns, connID)

	e, exists := t.entries[userID]
	if !exists || e.connID != connID {
		return "", nil, false
	}

	roomIDs := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		roomIDs = append(roomIDs, roomID)
		t.removeFromRoomLocked(roomID, userID)
	}
	delete(t.entries, userID)

	return userID, roomIDs, true
}

// Roster returns the room's present users with their status computed
// from the last heartbeat at read time.
func (t *Tracker) Roster(roomID string) []types.RoomUser {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	users := make([]types.RoomUser, 0, len(t.rooms[roomID]))
	for userID := range t.rooms[roomID] {
		e, exists := t.entries[userID]
		if !exists {
			continue
		}
		users = append(users, types.RoomUser{
			ID:       userID,
			Username: e.username,
			Status:   t.statusLocked(e, now),
		})
	}
	return users
}

// RoomUserIDs returns the ids of the users present in the room.
func (t *Tracker) RoomUserIDs(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.rooms[roomID]))
	for userID := range t.rooms[roomID] {
		ids = append(ids, userID)
	}
	return ids
}

// Rooms returns the room ids the user is currently present in.
func (t *Tracker) Rooms(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.entries[userID]
	if !exists {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Identity returns the username recorded for a connected user.
func (t *Tracker) Identity(userID string) (types.Sender, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.entries[userID]
	if !exists {
		return types.Sender{}, false
	}
	return types.Sender{ID: e.userID, Username: e.username}, true
}

// Stats reports tracker sizes for health reporting.
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return map[string]int{
		"connected_users": len(t.entries),
		"tracked_rooms":   len(t.rooms),
	}
}

// Stop halts the heartbeat sweep.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *Tracker) statusLocked(e *entry, now time.Time) string {
	if now.Sub(e.lastHeartbeat) < t.config.HeartbeatTimeout {
		return types.StatusOnline
	}
	return types.StatusOffline
}

func (t *Tracker) removeFromRoomLocked(roomID, userID string) {
	if members, exists := t.rooms[roomID]; exists {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// sweepLoop checks heartbeats on a fixed period, so status transitions
// are eventually consistent within one sweep interval.
func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep(time.Now())
		case <-t.done:
			return
		}
	}
}

// sweep finds users that crossed into staleness since the last pass and
// reports their rooms through the callback.
func (t *Tracker) sweep(now time.Time) {
	type staleUser struct {
		userID string
		rooms  []string
	}

	t.mu.Lock()
	var went []staleUser
	for userID, e := range t.entries {
		stale := now.Sub(e.lastHeartbeat) >= t.config.HeartbeatTimeout
		if stale && !e.wasStale {
			e.wasStale = true
			rooms := make([]string, 0, len(e.rooms))
			for roomID := range e.rooms {
				rooms = append(rooms, roomID)
			}
			went = append(went, staleUser{userID: userID, rooms: rooms})
		}
	}
	cb := t.onStale
	t.mu.Unlock()

	if cb == nil {
		return
	}
	for _, su := range went {
		t.log.WithField("user_id", su.userID).Debug("user went stale")
		cb(su.userID, su.rooms)
	}
}
