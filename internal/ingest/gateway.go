package ingest

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/warelay/warelay/internal/bus"
	"github.com/warelay/warelay/internal/identity"
	"github.com/warelay/warelay/internal/status"
	"github.com/warelay/warelay/internal/store"
	"go.uber.org/zap"
)

// ErrMalformed marks an event rejected before it reached the store. The
// webhook layer logs and acknowledges these; they must never trigger a
// provider retry.
var ErrMalformed = errors.New("malformed event")

// Focus reports whether any connected client currently has the given
// conversation open. The unread increment is suppressed for a focused
// conversation.
type Focus interface {
	IsFocused(contactIdentity string) bool
}

type noFocus struct{}

func (noFocus) IsFocused(string) bool { return false }

// stripeCount bounds the number of per-identity locks. Events for the same
// contact always hash to the same stripe, so the aggregator's
// read-modify-write is serialized per contact while distinct contacts
// proceed in parallel.
const stripeCount = 64

// Gateway is the ingestion pipeline. One instance serves webhook deliveries,
// local send confirmations and read-receipt bulk updates concurrently.
type Gateway struct {
	db       *store.DB
	agg      *Aggregator
	norm     *identity.Normalizer
	bus      *bus.Bus
	focus    Focus
	logger   *zap.Logger
	operator identity.Identity
	self     map[identity.Identity]bool
	stripes  [stripeCount]sync.Mutex
}

// StatusChange is the bus payload for an accepted status transition.
type StatusChange struct {
	MsgID           string        `json:"msg_id"`
	ContactIdentity string        `json:"contact_identity"`
	Status          status.Status `json:"status"`
}

// NewGateway creates the ingestion gateway. operators lists every raw
// address the provider may use for the operator's own endpoint (display
// number, phone_number_id); the first entry is the canonical sender identity
// for outgoing messages. focus may be nil.
func NewGateway(db *store.DB, agg *Aggregator, norm *identity.Normalizer, b *bus.Bus, focus Focus, operators []string, logger *zap.Logger) *Gateway {
	if focus == nil {
		focus = noFocus{}
	}
	g := &Gateway{
		db:     db,
		agg:    agg,
		norm:   norm,
		bus:    b,
		focus:  focus,
		logger: logger,
		self:   make(map[identity.Identity]bool, len(operators)),
	}
	for i, op := range operators {
		id := norm.Normalize(op)
		if id == "" {
			continue
		}
		if i == 0 {
			g.operator = id
		}
		g.self[id] = true
	}
	return g
}

// IngestMessage handles a provider message notification. Returns the stored
// record and whether this delivery inserted it; a redelivery is absorbed
// with accepted=false and no aggregator or fan-out side effects.
func (g *Gateway) IngestMessage(ev MessageEvent) (*store.Message, bool, error) {
	if ev.ID == "" {
		return nil, false, fmt.Errorf("%w: missing message id", ErrMalformed)
	}
	sender := g.norm.Normalize(ev.From)
	recipient := g.norm.Normalize(ev.To)
	if sender == "" || recipient == "" {
		return nil, false, fmt.Errorf("%w: empty endpoint identity", ErrMalformed)
	}

	fromMe := g.self[sender]
	contact := sender
	initial := status.Received
	if fromMe {
		contact = recipient
		initial = status.Sent
	}
	if contact == "" || g.self[contact] {
		return nil, false, fmt.Errorf("%w: no contact party for message %s", ErrMalformed, ev.ID)
	}

	kind := ev.Kind
	if kind == "" {
		kind = "text"
	}
	m := &store.Message{
		MsgID:             ev.ID,
		ContactIdentity:   string(contact),
		SenderIdentity:    string(sender),
		RecipientIdentity: string(recipient),
		Body:              ev.Body,
		Kind:              kind,
		MediaRef:          ev.MediaRef,
		Caption:           ev.Caption,
		FromMe:            fromMe,
		Status:            initial,
		Timestamp:         ev.Timestamp,
	}
	return g.accept(m)
}

// IngestLocal handles a confirmed outbound send: the provider-assigned id
// enters the same acceptance path as webhook messages, so a later webhook
// echo of the same id dedups against it.
func (g *Gateway) IngestLocal(s LocalSend) (*store.Message, bool, error) {
	if s.ProviderID == "" {
		return nil, false, fmt.Errorf("%w: missing provider id for local send", ErrMalformed)
	}
	to := g.norm.Normalize(s.To)
	if to == "" || g.self[to] {
		return nil, false, fmt.Errorf("%w: invalid send recipient", ErrMalformed)
	}
	ts := s.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	m := &store.Message{
		MsgID:             s.ProviderID,
		ContactIdentity:   string(to),
		SenderIdentity:    string(g.operator),
		RecipientIdentity: string(to),
		Body:              s.Body,
		Kind:              "text",
		FromMe:            true,
		Status:            status.Sent,
		Timestamp:         ts,
	}
	return g.accept(m)
}

func (g *Gateway) accept(m *store.Message) (*store.Message, bool, error) {
	mu := g.stripe(m.ContactIdentity)
	mu.Lock()
	defer mu.Unlock()

	inserted, rec, err := g.db.InsertIfAbsent(m)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		g.logger.Debug("duplicate message absorbed", zap.String("msg_id", m.MsgID))
		return rec, false, nil
	}

	// The aggregator is a derived cache: a failure here must not make the
	// provider redeliver an already-stored message. Rebuild heals the drift.
	if err := g.agg.ApplyMessage(rec, g.focus.IsFocused(rec.ContactIdentity)); err != nil {
		g.logger.Warn("summary update failed, rebuild will reconcile",
			zap.Error(err), zap.String("contact", rec.ContactIdentity))
	}

	g.publish(bus.KindMessageNew, rec)
	return rec, true, nil
}

// IngestStatus handles a provider delivery-status notification. Stale and
// duplicate statuses are absorbed; a status for an unknown id is dropped
// with a logged inconsistency and must not fail the pipeline.
func (g *Gateway) IngestStatus(ev StatusEvent) (*store.StatusUpdate, error) {
	if ev.ID == "" || !status.Valid(ev.Status) {
		return nil, fmt.Errorf("%w: bad status event", ErrMalformed)
	}

	existing, err := g.db.GetMessage(ev.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		g.logger.Warn("status for unknown message dropped",
			zap.String("msg_id", ev.ID), zap.String("status", string(ev.Status)))
		return &store.StatusUpdate{Orphan: true, New: ev.Status}, nil
	}

	mu := g.stripe(existing.ContactIdentity)
	mu.Lock()
	defer mu.Unlock()

	up, err := g.db.UpdateStatus(ev.ID, ev.Status)
	if err != nil {
		return nil, err
	}
	if !up.Applied {
		return up, nil
	}

	if err := g.agg.ApplyStatusChange(up); err != nil {
		g.logger.Warn("unread adjustment failed, rebuild will reconcile",
			zap.Error(err), zap.String("contact", up.Message.ContactIdentity))
	}

	g.publish(bus.KindMessageStatus, StatusChange{
		MsgID:           up.Message.MsgID,
		ContactIdentity: up.Message.ContactIdentity,
		Status:          up.New,
	})
	return up, nil
}

// MarkRead promotes a contact's incoming messages to read and zeroes the
// unread count, fanning out one status change per affected message. It
// returns the ids that changed, so the caller can report read receipts
// upstream.
func (g *Gateway) MarkRead(contactIdentity string) ([]string, error) {
	contact := g.norm.Normalize(contactIdentity)
	if contact == "" {
		return nil, fmt.Errorf("%w: empty contact identity", ErrMalformed)
	}

	mu := g.stripe(string(contact))
	mu.Lock()
	defer mu.Unlock()

	ids, err := g.db.MarkConversationRead(string(contact))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		g.publish(bus.KindMessageStatus, StatusChange{
			MsgID:           id,
			ContactIdentity: string(contact),
			Status:          status.Read,
		})
	}
	g.publish(bus.KindChatRead, string(contact))
	return ids, nil
}

// Rebuild recomputes the chat summaries from the message log.
func (g *Gateway) Rebuild() (map[string]store.Chat, error) {
	return g.agg.Rebuild()
}

// Operator returns the canonical operator identity.
func (g *Gateway) Operator() identity.Identity {
	return g.operator
}

// Normalize canonicalizes a raw address with the gateway's identity rules.
func (g *Gateway) Normalize(raw string) identity.Identity {
	return g.norm.Normalize(raw)
}

func (g *Gateway) publish(kind string, payload any) {
	g.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (g *Gateway) stripe(contact string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contact))
	return &g.stripes[h.Sum32()%stripeCount]
}
