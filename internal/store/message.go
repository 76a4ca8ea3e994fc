package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/warelay/warelay/internal/status"
)

// InsertIfAbsent stores a message keyed by its provider id. The existence
// check and the insert are a single statement, so two concurrent deliveries
// of the same id cannot both observe "absent". Returns inserted=false and
// the already-stored record on redelivery; that is a no-op, not an error.
func (db *DB) InsertIfAbsent(m *Message) (bool, *Message, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (msg_id, contact_identity, sender_identity, recipient_identity,
			body, kind, media_ref, caption, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		m.MsgID, m.ContactIdentity, m.SenderIdentity, m.RecipientIdentity,
		m.Body, m.Kind, m.MediaRef, m.Caption, m.FromMe, m.Status, m.Timestamp, now)
	if err != nil {
		return false, nil, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 0 {
		existing, err := db.GetMessage(m.MsgID)
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	stored, err := db.GetMessage(m.MsgID)
	if err != nil {
		return true, m, nil
	}
	return true, stored, nil
}

// GetMessage returns a message by provider id, or nil if absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, msg_id, contact_identity, sender_identity, recipient_identity,
			body, kind, media_ref, caption, from_me, status, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.MsgID, &m.ContactIdentity, &m.SenderIdentity, &m.RecipientIdentity,
			&m.Body, &m.Kind, &m.MediaRef, &m.Caption, &m.FromMe, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// StatusUpdate is the outcome of applying a status notification.
type StatusUpdate struct {
	Applied bool
	Orphan  bool // status for an id not in the store
	Prev    status.Status
	New     status.Status
	Message *Message // post-update record; nil when Orphan
}

// UpdateStatus merges an incoming delivery status into a stored message
// under the lattice rule: applied only when the incoming rank is higher.
// A regression or duplicate yields Applied=false with no error; an unknown
// id yields Orphan=true so the caller can log the inconsistency.
func (db *DB) UpdateStatus(msgID string, incoming status.Status) (*StatusUpdate, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var m Message
	err = tx.QueryRow(`
		SELECT id, msg_id, contact_identity, sender_identity, recipient_identity,
			body, kind, media_ref, caption, from_me, status, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.MsgID, &m.ContactIdentity, &m.SenderIdentity, &m.RecipientIdentity,
			&m.Body, &m.Kind, &m.MediaRef, &m.Caption, &m.FromMe, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return &StatusUpdate{Orphan: true, New: incoming}, nil
	}
	if err != nil {
		return nil, err
	}

	next := status.Next(m.Status, incoming)
	if next == m.Status {
		return &StatusUpdate{Applied: false, Prev: m.Status, New: m.Status, Message: &m}, nil
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, next, msgID); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	prev := m.Status
	m.Status = next
	return &StatusUpdate{Applied: true, Prev: prev, New: next, Message: &m}, nil
}

// ListByContact returns a contact's messages ordered ascending by timestamp.
// limit <= 0 returns the full conversation.
func (db *DB) ListByContact(contactIdentity string, limit int) ([]Message, error) {
	q := `
		SELECT id, msg_id, contact_identity, sender_identity, recipient_identity,
			body, kind, media_ref, caption, from_me, status, timestamp
		FROM messages
		WHERE contact_identity = ?
		ORDER BY timestamp ASC, id ASC`
	args := []any{contactIdentity}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// AllMessages returns every stored message, ordered by timestamp. Used by
// the aggregator's full rebuild.
func (db *DB) AllMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, contact_identity, sender_identity, recipient_identity,
			body, kind, media_ref, caption, from_me, status, timestamp
		FROM messages
		ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// MarkConversationRead promotes every incoming non-read message of a contact
// to read and zeroes the cached unread count, in one transaction. Returns
// the provider ids of the messages whose status changed.
func (db *DB) MarkConversationRead(contactIdentity string) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT msg_id FROM messages
		WHERE contact_identity = ? AND from_me = 0 AND status != ?`,
		contactIdentity, status.Read)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE messages SET status = ?
		WHERE contact_identity = ? AND from_me = 0 AND status != ?`,
		status.Read, contactIdentity, status.Read); err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE chats SET unread_count = 0, updated_at = ?
		WHERE contact_identity = ?`,
		time.Now().UnixMilli(), contactIdentity); err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ContactIdentity, &m.SenderIdentity,
			&m.RecipientIdentity, &m.Body, &m.Kind, &m.MediaRef, &m.Caption,
			&m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
