package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ApplySummary folds one accepted message into a contact's cached summary.
// The preview/timestamp only advance when the message is newer than what is
// cached, so a late-arriving older message never overwrites a newer preview.
// unreadDelta is added to the unread count (0 or 1 on insert, -1 when an
// incoming message is read via a status event).
func (db *DB) ApplySummary(contactIdentity, preview string, timestamp int64, unreadDelta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (contact_identity, last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, MAX(?, 0), ?)
		ON CONFLICT(contact_identity) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			unread_count = MAX(chats.unread_count + ?, 0),
			updated_at = excluded.updated_at`,
		contactIdentity, preview, timestamp, unreadDelta, now, unreadDelta)
	return err
}

// AdjustUnread shifts a contact's unread count without touching the preview,
// clamped at zero. A missing summary row is created empty first; status
// events can legitimately race ahead of a rebuild.
func (db *DB) AdjustUnread(contactIdentity string, delta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (contact_identity, unread_count, updated_at)
		VALUES (?, MAX(?, 0), ?)
		ON CONFLICT(contact_identity) DO UPDATE SET
			unread_count = MAX(chats.unread_count + ?, 0),
			updated_at = excluded.updated_at`,
		contactIdentity, delta, now, delta)
	return err
}

// ListChats returns summaries sorted by last message timestamp descending.
// Display names resolve via LEFT JOIN to contacts with fallback to the
// identity string.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.contact_identity,
			COALESCE(NULLIF(ct.name, ''), c.contact_identity) AS display_name,
			c.last_message_preview, c.last_message_at, c.unread_count
		FROM chats c
		LEFT JOIN contacts ct ON c.contact_identity = ct.identity
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ContactIdentity, &c.DisplayName, &c.LastMessagePreview,
			&c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single summary by contact identity, or nil if absent.
func (db *DB) GetChat(contactIdentity string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT c.contact_identity,
			COALESCE(NULLIF(ct.name, ''), c.contact_identity) AS display_name,
			c.last_message_preview, c.last_message_at, c.unread_count
		FROM chats c
		LEFT JOIN contacts ct ON c.contact_identity = ct.identity
		WHERE c.contact_identity = ?`, contactIdentity).
		Scan(&c.ContactIdentity, &c.DisplayName, &c.LastMessagePreview,
			&c.LastMessageAt, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceSummaries overwrites the cached summaries with a freshly recomputed
// set, in one transaction. Summaries for contacts not in the new set are
// left in place: a conversation summary is never deleted, only archived by
// having nothing new.
func (db *DB) ReplaceSummaries(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (contact_identity, last_message_preview, last_message_at, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(contact_identity) DO UPDATE SET
				last_message_preview = excluded.last_message_preview,
				last_message_at = excluded.last_message_at,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			c.ContactIdentity, c.LastMessagePreview, c.LastMessageAt, c.UnreadCount, now); err != nil {
			return fmt.Errorf("replace summary %q: %w", c.ContactIdentity, err)
		}
	}
	return tx.Commit()
}
