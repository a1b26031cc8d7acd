package interfaces

import (
	"context"
	"time"

	"chatrelay/pkg/types"
)

// MessageStore is the durable message store consumed by the delivery
// ledger and the sync engine.
type MessageStore interface {
	// InsertMessageWithDedupe stores msg and its dedupe record in one
	// atomic unit, keyed by (room, sender, clientMsgID). When a record
	// for the key already exists the stored message is returned with
	// created=false and no second row is written. A uniqueness race
	// between two concurrent sends resolves to the winner's row.
	InsertMessageWithDedupe(ctx context.Context, msg *types.Message, clientMsgID string) (*types.Message, bool, error)

	// MessagesSince returns messages with creation time strictly after
	// since, oldest first, capped at limit.
	MessagesSince(ctx context.Context, roomID string, since time.Time, limit int) ([]*types.Message, error)

	// MessagesBefore returns messages created strictly before the
	// cursor, newest first, capped at limit. Serves paginated history.
	MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*types.Message, error)
}

// MembershipStore answers room membership questions for the gateway
// and the sync engine.
type MembershipStore interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
	UpdateLastSeen(ctx context.Context, userID, roomID string, seenAt time.Time) error
}
