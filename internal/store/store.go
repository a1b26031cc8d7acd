package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Store implements interfaces.MessageStore and interfaces.MembershipStore
// on SQLite. Reads run concurrently on the pool; writes are serialized
// through a single writer goroutine to avoid SQLite write contention.
type Store struct {
	db           *sql.DB
	config       *database.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	log          *logrus.Entry
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// errDedupeRace marks a uniqueness violation on the dedupe key inside
// the insert transaction: another send with the same token won the race.
var errDedupeRace = errors.New("dedupe record already exists")

// New opens the database, applies pragmas and returns a ready store.
func New(config *database.Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	s := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		log:          logrus.WithField("component", "store"),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			s.log.Debug("write loop shutting down")
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// InsertMessageWithDedupe stores the message and its dedupe record in
// one transaction. If a record for (room, sender, clientMsgID) already
// exists, the previously stored message is returned with created=false.
func (s *Store) InsertMessageWithDedupe(ctx context.Context, msg *types.Message, clientMsgID string) (*types.Message, bool, error) {
	// Fast path: an existing dedupe record means this is a retry.
	existing, err := s.lookupDedupe(ctx, msg.RoomID, msg.Sender.ID, clientMsgID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, false, err
	}

	writeErr := s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, room_id, sender_id, sender_name, text, reply_to_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.RoomID, msg.Sender.ID, msg.Sender.Username, msg.Text, msg.ReplyTo, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_dedupe (room_id, user_id, client_msg_id, message_id)
			 VALUES (?, ?, ?, ?)`,
			msg.RoomID, msg.Sender.ID, clientMsgID, msg.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errDedupeRace
			}
			return fmt.Errorf("failed to insert dedupe record: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message insert: %w", err)
		}
		return nil
	})

	if writeErr == nil {
		return msg, true, nil
	}
	if errors.Is(writeErr, errDedupeRace) {
		// A concurrent send with the same token committed first; its row
		// is the message for this token.
		winner, err := s.lookupDedupe(ctx, msg.RoomID, msg.Sender.ID, clientMsgID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to re-read dedupe record after race: %w", err)
		}
		return winner, false, nil
	}
	return nil, false, writeErr
}

func (s *Store) lookupDedupe(ctx context.Context, roomID, userID, clientMsgID string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.sender_name, m.text, m.reply_to_id, m.created_at
		 FROM message_dedupe d JOIN messages m ON m.id = d.message_id
		 WHERE d.room_id = ? AND d.user_id = ? AND d.client_msg_id = ?`,
		roomID, userID, clientMsgID,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dedupe record: %w", err)
	}
	return msg, nil
}

// MessagesSince returns messages created strictly after since, oldest
// first, capped at limit.
func (s *Store) MessagesSince(ctx context.Context, roomID string, since time.Time, limit int) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, text, reply_to_id, created_at
		 FROM messages
		 WHERE room_id = ? AND created_at > ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		roomID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages since: %w", err)
	}
	return collectMessages(rows)
}

// MessagesBefore returns messages created strictly before the cursor,
// newest first, capped at limit.
func (s *Store) MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, text, reply_to_id, created_at
		 FROM messages
		 WHERE room_id = ? AND created_at < ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		roomID, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages before: %w", err)
	}
	return collectMessages(rows)
}

// IsMember reports whether the user belongs to the room.
func (s *Store) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memberships WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return true, nil
}

// UpdateLastSeen records when the user last saw the room.
func (s *Store) UpdateLastSeen(ctx context.Context, userID, roomID string, seenAt time.Time) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE memberships SET last_seen_at = ? WHERE room_id = ? AND user_id = ?`,
			seenAt, roomID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update last seen: %w", err)
		}
		return nil
	})
}

// AddMember inserts a membership row. Idempotent; used by seeding and
// tests, membership CRUD itself lives outside this core.
func (s *Store) AddMember(ctx context.Context, userID, roomID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO memberships (room_id, user_id) VALUES (?, ?)`,
			roomID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}
		return nil
	})
}

// HealthCheck validates connectivity and schema presence.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return database.ValidateTablesExist(s.db)
}

// DB exposes the underlying handle for schema initialization.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the write loop and the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	var replyTo sql.NullString
	err := row.Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.Sender.ID,
		&msg.Sender.Username,
		&msg.Text,
		&replyTo,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if replyTo.Valid {
		msg.ReplyTo = &replyTo.String
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}
