// Package ingest is the single entry point for provider events. It turns a
// raw notification into a canonical message record, enforces at-most-once
// storage per provider id, reconciles delivery statuses, keeps the per-contact
// chat summaries current, and fans accepted mutations out on the bus.
package ingest

import "github.com/warelay/warelay/internal/status"

// MessageEvent is an inbound message notification, already decoded from the
// provider payload but with raw (un-normalized) transport addresses.
type MessageEvent struct {
	ID        string
	From      string
	To        string
	Timestamp int64 // provider-supplied, unix seconds
	Kind      string
	Body      string
	MediaRef  string
	Caption   string
}

// StatusEvent is an inbound delivery-status notification for a known
// message id.
type StatusEvent struct {
	ID        string
	Status    status.Status
	Timestamp int64
}

// LocalSend is the confirmation of an outbound send: the provider has
// accepted the message and assigned it an id.
type LocalSend struct {
	ProviderID string
	To         string
	Body       string
	Timestamp  int64
}
