package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/delivery"
	"chatrelay/pkg/types"
)

// ackEvent names the acknowledgement pushed for a client event.
func ackEvent(event string) string {
	return "ack:" + event
}

// dispatch routes one inbound frame to its handler. Unknown event
// names are ignored with no response, which keeps old servers
// forward-compatible with newer clients. Handler failures become
// negative acks; nothing here is connection-fatal.
func (g *Gateway) dispatch(conn *Connection, frame types.Frame) {
	ctx := context.Background()

	switch frame.Event {
	case types.EventRoomsSync:
		eventsDispatched.WithLabelValues(frame.Event).Inc()
		g.handleSync(ctx, conn, frame.Data)
	case types.EventRoomJoin:
		eventsDispatched.WithLabelValues(frame.Event).Inc()
		g.handleJoin(ctx, conn, frame.Data)
	case types.EventRoomLeave:
		eventsDispatched.WithLabelValues(frame.Event).Inc()
		g.handleLeave(conn, frame.Data)
	case types.EventMessageSend:
		eventsDispatched.WithLabelValues(frame.Event).Inc()
		g.handleSend(ctx, conn, frame.Data)
	case types.EventTypingUpdate:
		eventsDispatched.WithLabelValues(frame.Event).Inc()
		g.handleTyping(conn, frame.Data)
	case types.EventPresencePing:
		eventsDispatched.WithLabelValues(frame.Event).Inc()
		g.handlePing(ctx, conn, frame.Data)
	default:
		// Ignored, no response.
	}
}

func (g *Gateway) handleSync(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload types.SyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.ack(conn, types.EventRoomsSync, types.SyncAck{Success: false})
		return
	}

	results := g.syncer.Sync(ctx, conn.UserID(), payload.Rooms)

	ackResults := make([]types.SyncRoomResult, 0, len(results))
	for _, res := range results {
		ackResults = append(ackResults, types.SyncRoomResult{
			RoomID:       res.RoomID,
			Synced:       res.Synced,
			MessageCount: len(res.Missed),
		})
		if !res.Synced {
			continue
		}

		// Missed messages are emitted individually so the client's
		// per-message dedupe path runs the same on live and replayed
		// traffic.
		for _, msg := range res.Missed {
			if err := conn.Push(types.EventMessageNew, msg); err != nil {
				break
			}
		}

		// A resync is not a semantic arrival: refreshed roster, no join
		// notice.
		g.broadcastRoster(res.RoomID)
	}

	g.ack(conn, types.EventRoomsSync, types.SyncAck{Success: true, Results: ackResults})
}

func (g *Gateway) handleJoin(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload types.JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || !types.IsValidID(payload.RoomID) {
		g.ack(conn, types.EventRoomJoin, types.Ack{Success: false, Error: "invalid room id"})
		return
	}

	member, err := g.members.IsMember(ctx, conn.UserID(), payload.RoomID)
	if err != nil {
		g.ack(conn, types.EventRoomJoin, types.Ack{Success: false, Error: "membership check failed"})
		return
	}
	if !member {
		g.ack(conn, types.EventRoomJoin, types.Ack{Success: false, Error: "not a room member"})
		return
	}

	if err := g.presence.JoinRoom(conn.UserID(), payload.RoomID); err != nil {
		g.ack(conn, types.EventRoomJoin, types.Ack{Success: false, Error: "join failed"})
		return
	}

	// A join carrying lastSeenAt doubles as a one-room catch-up.
	if payload.LastSeenAt != nil {
		missed, err := g.syncer.MissedMessages(ctx, payload.RoomID, *payload.LastSeenAt)
		if err == nil {
			for _, msg := range missed {
				if err := conn.Push(types.EventMessageNew, msg); err != nil {
					break
				}
			}
		}
	}

	if err := g.members.UpdateLastSeen(ctx, conn.UserID(), payload.RoomID, time.Now().UTC()); err != nil {
		g.log.WithFields(logrus.Fields{
			"user_id": conn.UserID(),
			"room_id": payload.RoomID,
		}).WithError(err).Warn("last-seen update failed on join")
	}

	sender := conn.Sender()
	g.broadcastSystem(payload.RoomID, types.SystemJoin, &sender)
	g.broadcastRoster(payload.RoomID)

	g.ack(conn, types.EventRoomJoin, types.Ack{Success: true})
}

func (g *Gateway) handleLeave(conn *Connection, data json.RawMessage) {
	var payload types.LeavePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		g.ack(conn, types.EventRoomLeave, types.Ack{Success: false})
		return
	}

	if err := g.presence.LeaveRoom(conn.UserID(), payload.RoomID); err != nil {
		g.ack(conn, types.EventRoomLeave, types.Ack{Success: false})
		return
	}

	if len(g.presence.RoomUserIDs(payload.RoomID)) > 0 {
		sender := conn.Sender()
		g.broadcastSystem(payload.RoomID, types.SystemLeave, &sender)
		g.broadcastRoster(payload.RoomID)
	}

	g.ack(conn, types.EventRoomLeave, types.Ack{Success: true})
}

func (g *Gateway) handleSend(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload types.SendPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		g.ack(conn, types.EventMessageSend, types.SendAck{Success: false, Error: "invalid payload"})
		return
	}

	member, err := g.members.IsMember(ctx, conn.UserID(), payload.RoomID)
	if err != nil {
		g.ack(conn, types.EventMessageSend, types.SendAck{Success: false, Error: "membership check failed"})
		return
	}
	if !member {
		g.ack(conn, types.EventMessageSend, types.SendAck{Success: false, Error: "not a room member"})
		return
	}

	now := time.Now()
	if res := g.limiter.CheckAndRecord(conn.UserID(), payload.RoomID, now); !res.Allowed {
		mutedUntil := res.MutedUntil
		g.ack(conn, types.EventMessageSend, types.SendAck{
			Success:    false,
			Error:      "rate limited",
			MutedUntil: &mutedUntil,
		})
		// Mute notice goes to the offending connection only.
		sender := conn.Sender()
		_ = conn.Push(types.EventRoomSystem, types.SystemNotice{
			Type:      types.SystemMuted,
			RoomID:    payload.RoomID,
			User:      &sender,
			CreatedAt: now.UTC(),
			Until:     &mutedUntil,
		})
		return
	}

	result, err := g.ledger.Send(ctx, conn.Sender(), payload.RoomID, payload.Text, payload.ClientMsgID, payload.ReplyToID)
	if err != nil {
		if isValidationError(err) {
			g.ack(conn, types.EventMessageSend, types.SendAck{Success: false, Error: err.Error()})
			return
		}
		// Storage failures stay generic; a send is never partially
		// applied.
		g.log.WithFields(logrus.Fields{
			"user_id": conn.UserID(),
			"room_id": payload.RoomID,
		}).WithError(err).Error("send failed")
		g.ack(conn, types.EventMessageSend, types.SendAck{Success: false, Error: "failed to store message"})
		return
	}

	if result.Replay {
		// Idempotent retry: same message id, no second broadcast.
		g.ack(conn, types.EventMessageSend, types.SendAck{
			Success:     true,
			MessageID:   result.Message.ID,
			IsDuplicate: true,
		})
		return
	}

	g.Broadcast(payload.RoomID, types.EventMessageNew, result.Message)
	g.ack(conn, types.EventMessageSend, types.SendAck{Success: true, MessageID: result.Message.ID})
}

func (g *Gateway) handleTyping(conn *Connection, data json.RawMessage) {
	var payload types.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		g.ack(conn, types.EventTypingUpdate, types.Ack{Success: false})
		return
	}

	g.broadcastExcept(payload.RoomID, conn.UserID(), types.EventTypingUpdate, types.TypingNotice{
		RoomID:   payload.RoomID,
		User:     conn.Sender(),
		IsTyping: payload.IsTyping,
	})

	g.ack(conn, types.EventTypingUpdate, types.Ack{Success: true})
}

func (g *Gateway) handlePing(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload types.PingPayload
	_ = json.Unmarshal(data, &payload)

	if err := g.presence.Ping(conn.UserID()); err != nil {
		g.ack(conn, types.EventPresencePing, types.Ack{Success: false})
		return
	}

	if payload.RoomID != "" {
		if err := g.members.UpdateLastSeen(ctx, conn.UserID(), payload.RoomID, time.Now().UTC()); err != nil {
			g.log.WithFields(logrus.Fields{
				"user_id": conn.UserID(),
				"room_id": payload.RoomID,
			}).WithError(err).Warn("last-seen update failed on ping")
		}
	}

	g.ack(conn, types.EventPresencePing, types.Ack{Success: true})
}

func (g *Gateway) ack(conn *Connection, event string, payload interface{}) {
	if err := conn.Push(ackEvent(event), payload); err != nil {
		g.log.WithFields(logrus.Fields{
			"conn_id": conn.ID(),
			"event":   event,
		}).WithError(err).Debug("ack delivery failed")
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, types.ErrEmptyMessage) ||
		errors.Is(err, types.ErrMessageTooLong) ||
		errors.Is(err, delivery.ErrMissingClientMsgID)
}
