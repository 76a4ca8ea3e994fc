package store

import "github.com/warelay/warelay/internal/status"

// Message is a single stored message. Immutable after insert except for
// Status, which only moves forward in the delivery lattice.
type Message struct {
	ID                int64         `json:"-"`
	MsgID             string        `json:"msg_id"` // provider-assigned id, unique across the store
	ContactIdentity   string        `json:"contact_identity"` // normalized identity of the non-operator side
	SenderIdentity    string        `json:"sender_identity"`
	RecipientIdentity string        `json:"recipient_identity"`
	Body              string        `json:"body,omitempty"`
	Kind              string        `json:"kind"` // text, image, sticker, audio, video, document, unknown
	MediaRef          string        `json:"media_ref,omitempty"`
	Caption           string        `json:"caption,omitempty"`
	FromMe            bool          `json:"from_me"`
	Status            status.Status `json:"status"`
	Timestamp         int64         `json:"timestamp"` // provider-supplied, unix seconds
}

// Chat is the cached per-contact conversation summary. It is a derived,
// rebuildable view over messages, not an independent source of truth.
type Chat struct {
	ContactIdentity    string `json:"contact_identity"`
	DisplayName        string `json:"display_name,omitempty"`
	LastMessagePreview string `json:"last_message_preview"`
	LastMessageAt      int64  `json:"last_message_at"`
	UnreadCount        int    `json:"unread_count"`
}

// Contact holds an externally managed display name for an identity.
type Contact struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64  `json:"-"`
	ClientMsgID  string `json:"client_msg_id"`
	ToIdentity   string `json:"to_identity"`
	Body         string `json:"body"`
	Status       string `json:"status"` // queued, sending, sent, failed
	ErrorMessage string `json:"error_message,omitempty"`
	ServerMsgID  string `json:"server_msg_id,omitempty"`
}
