package gateway

import (
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/delivery"
	"chatrelay/internal/presence"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/syncer"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Config holds the transport-level gateway settings.
type Config struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	SendBuffer   int           `json:"send_buffer"`
}

// DefaultConfig mirrors a 30s transport ping against a 60s read
// deadline, with a 100 message send buffer per connection.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   100,
	}
}

// Gateway is the single entry and exit point for real-time traffic. It
// authenticates connections, routes inbound events to the presence
// tracker, rate limiter, delivery ledger and sync engine, and fans
// outbound events out to room subscribers.
type Gateway struct {
	registry *Registry
	presence *presence.Tracker
	limiter  *ratelimit.Limiter
	ledger   *delivery.Ledger
	syncer   *syncer.Engine
	members  interfaces.MembershipStore
	verifier interfaces.IdentityVerifier
	config   Config
	log      *logrus.Entry
}

// New wires a gateway from its collaborators and registers itself as
// the presence tracker's staleness observer.
func New(
	tracker *presence.Tracker,
	limiter *ratelimit.Limiter,
	ledger *delivery.Ledger,
	engine *syncer.Engine,
	members interfaces.MembershipStore,
	verifier interfaces.IdentityVerifier,
	config Config,
) *Gateway {
	g := &Gateway{
		registry: NewRegistry(),
		presence: tracker,
		limiter:  limiter,
		ledger:   ledger,
		syncer:   engine,
		members:  members,
		verifier: verifier,
		config:   config,
		log:      logrus.WithField("component", "gateway"),
	}
	tracker.SetStaleCallback(g.handleStale)
	return g
}

// Registry exposes connection tracking for stats reporting.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Broadcast delivers an event to every connection whose user is
// present in the room, the originating sender included; sender and
// receiver state stay convergent without special-casing the sender's
// own copy.
func (g *Gateway) Broadcast(roomID, event string, payload interface{}) {
	for _, userID := range g.presence.RoomUserIDs(roomID) {
		conn, exists := g.registry.GetUser(userID)
		if !exists {
			continue
		}
		if err := conn.Push(event, payload); err != nil {
			g.log.WithFields(logrus.Fields{
				"room_id": roomID,
				"user_id": userID,
				"event":   event,
			}).WithError(err).Warn("broadcast delivery failed")
			continue
		}
		broadcastsDelivered.Inc()
	}
}

// broadcastExcept is Broadcast minus one user, used for typing notices.
func (g *Gateway) broadcastExcept(roomID, exceptUserID, event string, payload interface{}) {
	for _, userID := range g.presence.RoomUserIDs(roomID) {
		if userID == exceptUserID {
			continue
		}
		conn, exists := g.registry.GetUser(userID)
		if !exists {
			continue
		}
		if err := conn.Push(event, payload); err != nil {
			continue
		}
		broadcastsDelivered.Inc()
	}
}

func (g *Gateway) broadcastRoster(roomID string) {
	g.Broadcast(roomID, types.EventRoomRoster, types.RosterUpdate{
		RoomID: roomID,
		Users:  g.presence.Roster(roomID),
	})
}

func (g *Gateway) broadcastSystem(roomID, noticeType string, user *types.Sender) {
	g.Broadcast(roomID, types.EventRoomSystem, types.SystemNotice{
		Type:      noticeType,
		RoomID:    roomID,
		User:      user,
		CreatedAt: time.Now().UTC(),
	})
}

// handleDisconnect is invoked by transport teardown. Rooms the user was
// present in get a leave notice and a refreshed roster, provided they
// still have at least one other watcher.
func (g *Gateway) handleDisconnect(conn *Connection) {
	g.registry.Unregister(conn)

	userID, roomIDs, ok := g.presence.Disconnect(conn.ID())
	if !ok {
		// Superseded connection or already torn down; the user's current
		// presence is untouched.
		return
	}

	sender := conn.Sender()
	for _, roomID := range roomIDs {
		if len(g.presence.RoomUserIDs(roomID)) == 0 {
			continue
		}
		g.broadcastSystem(roomID, types.SystemLeave, &sender)
		g.broadcastRoster(roomID)
	}

	g.log.WithFields(logrus.Fields{
		"user_id": userID,
		"conn_id": conn.ID(),
		"rooms":   len(roomIDs),
	}).Info("connection closed")
}

// handleStale pushes refreshed rosters when the presence sweep observes
// a user going stale, keeping roster status eventually consistent
// within one sweep interval.
func (g *Gateway) handleStale(userID string, roomIDs []string) {
	for _, roomID := range roomIDs {
		g.broadcastRoster(roomID)
	}
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.registry.CloseAll()
}
