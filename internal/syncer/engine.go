package syncer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/presence"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// DefaultMessageCap bounds the catch-up payload per room. Older history
// is reachable only through the paginated history endpoint.
const DefaultMessageCap = 100

// RoomResult is the per-room outcome of a sync. A room the user is no
// longer a member of, or whose fetch failed, reports Synced=false
// without aborting the rest of the batch.
type RoomResult struct {
	RoomID string
	Synced bool
	Missed []*types.Message
}

// Engine computes the catch-up set for a client resuming a set of
// rooms after a disconnect.
type Engine struct {
	presence   *presence.Tracker
	members    interfaces.MembershipStore
	messages   interfaces.MessageStore
	messageCap int
	log        *logrus.Entry
}

// NewEngine creates a sync engine. A non-positive messageCap falls back
// to DefaultMessageCap.
func NewEngine(tracker *presence.Tracker, members interfaces.MembershipStore, messages interfaces.MessageStore, messageCap int) *Engine {
	if messageCap <= 0 {
		messageCap = DefaultMessageCap
	}
	return &Engine{
		presence:   tracker,
		members:    members,
		messages:   messages,
		messageCap: messageCap,
		log:        logrus.WithField("component", "syncer"),
	}
}

// Sync processes each requested room independently: verify membership,
// register presence, fetch messages strictly after lastSeenAt (oldest
// first, capped) and refresh the last-seen timestamp. Failures stay
// local to their room.
func (e *Engine) Sync(ctx context.Context, userID string, requests []types.SyncRoomRequest) []RoomResult {
	results := make([]RoomResult, 0, len(requests))

	for _, req := range requests {
		results = append(results, e.syncRoom(ctx, userID, req))
	}

	return results
}

// MissedMessages fetches the capped catch-up set for a single room,
// used by joins that carry a lastSeenAt cursor.
func (e *Engine) MissedMessages(ctx context.Context, roomID string, since time.Time) ([]*types.Message, error) {
	return e.messages.MessagesSince(ctx, roomID, since, e.messageCap)
}

func (e *Engine) syncRoom(ctx context.Context, userID string, req types.SyncRoomRequest) RoomResult {
	result := RoomResult{RoomID: req.RoomID}

	member, err := e.members.IsMember(ctx, userID, req.RoomID)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"user_id": userID,
			"room_id": req.RoomID,
		}).WithError(err).Warn("membership check failed during sync")
		return result
	}
	if !member {
		// Stale room in the client's request set; skip without erroring
		// the batch.
		return result
	}

	if err := e.presence.JoinRoom(userID, req.RoomID); err != nil {
		return result
	}

	missed, err := e.messages.MessagesSince(ctx, req.RoomID, req.LastSeenAt, e.messageCap)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"user_id": userID,
			"room_id": req.RoomID,
		}).WithError(err).Warn("message fetch failed during sync")
		return result
	}

	if err := e.members.UpdateLastSeen(ctx, userID, req.RoomID, time.Now().UTC()); err != nil {
		e.log.WithFields(logrus.Fields{
			"user_id": userID,
			"room_id": req.RoomID,
		}).WithError(err).Warn("last-seen update failed during sync")
	}

	result.Synced = true
	result.Missed = missed
	return result
}
