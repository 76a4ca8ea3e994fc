package store

import (
	"database/sql"
	"time"
)

// UpsertContact inserts or updates a contact display name.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (identity, name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		c.Identity, c.Name, now)
	return err
}

// GetContact returns a contact by identity, or nil if absent.
func (db *DB) GetContact(identity string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT identity, name FROM contacts WHERE identity = ?`, identity).
		Scan(&c.Identity, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all contacts ordered by name.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT identity, name FROM contacts ORDER BY name ASC, identity ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Identity, &c.Name); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// DeleteContact removes a contact display name. The conversation itself is
// untouched; its summary falls back to showing the raw identity.
func (db *DB) DeleteContact(identity string) error {
	_, err := db.Exec(`DELETE FROM contacts WHERE identity = ?`, identity)
	return err
}

// ChatCount returns the total number of conversation summaries.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
