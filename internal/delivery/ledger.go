package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Ledger accepts sends idempotently, keyed by the client-supplied
// message token. Two sends with the same token, sequential or
// concurrent, resolve to exactly one stored message.
type Ledger struct {
	store      interfaces.MessageStore
	maxTextLen int
	log        *logrus.Entry
}

// SendResult is the outcome of an accepted send. Replay marks the
// idempotent-retry path: the message existed already and must not be
// broadcast a second time.
type SendResult struct {
	Message *types.Message
	Replay  bool
}

// NewLedger creates a ledger writing through the given store.
func NewLedger(store interfaces.MessageStore, maxTextLen int) *Ledger {
	return &Ledger{
		store:      store,
		maxTextLen: maxTextLen,
		log:        logrus.WithField("component", "delivery"),
	}
}

// Send validates the text, then stores the message and its dedupe
// record atomically. Validation failures never touch storage.
func (l *Ledger) Send(ctx context.Context, sender types.Sender, roomID, text, clientMsgID string, replyTo *string) (*SendResult, error) {
	if clientMsgID == "" {
		return nil, ErrMissingClientMsgID
	}

	trimmed, err := types.NormalizeText(text, l.maxTextLen)
	if err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Sender:    sender,
		Text:      trimmed,
		ReplyTo:   replyTo,
		CreatedAt: time.Now().UTC(),
	}

	stored, created, err := l.store.InsertMessageWithDedupe(ctx, msg, clientMsgID)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	if !created {
		l.log.WithFields(logrus.Fields{
			"room_id":       roomID,
			"sender_id":     sender.ID,
			"client_msg_id": clientMsgID,
			"message_id":    stored.ID,
		}).Debug("send replayed from dedupe record")
	}

	return &SendResult{Message: stored, Replay: !created}, nil
}
