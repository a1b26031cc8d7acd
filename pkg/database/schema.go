package database

import (
	"database/sql"
	"fmt"
)

// Schema statements executed at startup. The dedupe table's primary key
// is the uniqueness constraint that makes concurrent sends with the same
// client token resolve to exactly one stored message.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS memberships (
		room_id      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		last_seen_at DATETIME,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		room_id     TEXT NOT NULL,
		sender_id   TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		text        TEXT NOT NULL,
		reply_to_id TEXT,
		created_at  DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message_dedupe (
		room_id       TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		client_msg_id TEXT NOT NULL,
		message_id    TEXT NOT NULL REFERENCES messages(id),
		PRIMARY KEY (room_id, user_id, client_msg_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room_time ON messages(room_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id)`,
}

// InitSchema creates the tables and indexes if they do not exist yet.
func InitSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// ValidateTablesExist verifies the required tables are present, used by
// health checks and deployment verification.
func ValidateTablesExist(db *sql.DB) error {
	required := []string{"memberships", "messages", "message_dedupe"}
	for _, table := range required {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("required table %s does not exist", table)
		}
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
	}
	return nil
}
