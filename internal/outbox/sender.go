// Package outbox drains queued outgoing messages through the provider API
// and records the confirmed sends back into the message log.
package outbox

import (
	"context"
	"time"

	"github.com/warelay/warelay/internal/bus"
	"github.com/warelay/warelay/internal/ingest"
	"github.com/warelay/warelay/internal/store"
	"go.uber.org/zap"
)

// TextSender is the provider call the sender needs: deliver a text and
// return the provider-assigned message id.
type TextSender interface {
	SendText(ctx context.Context, to, body string) (providerMsgID string, err error)
}

// Sender polls the outbox for queued entries and pushes them out.
type Sender struct {
	db      *store.DB
	sender  TextSender
	gateway *ingest.Gateway
	bus     *bus.Bus
	logger  *zap.Logger
	poll    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSender(db *store.DB, sender TextSender, gateway *ingest.Gateway, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		sender:  sender,
		gateway: gateway,
		bus:     b,
		logger:  logger,
		poll:    500 * time.Millisecond,
	}
}

// Start begins polling the outbox for queued entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the polling loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains everything currently queued. Exported so an enqueue
// path can trigger an immediate drain instead of waiting out the ticker.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	claimed, err := s.db.ClaimOutbox(entry.ClientMsgID)
	if err != nil {
		s.logger.Error("failed to claim outbox entry", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}
	if !claimed {
		// Another drain got here first.
		return
	}

	providerID, err := s.sender.SendText(ctx, entry.ToIdentity, entry.Body)
	if err != nil {
		s.logger.Error("send failed", zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID), zap.String("to", entry.ToIdentity))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"to":            entry.ToIdentity,
				"error":         err.Error(),
			},
		})
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, providerID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	// The confirmed send enters the message log through the same gateway as
	// everything else, so dedup holds when the provider echoes it back.
	rec, _, err := s.gateway.IngestLocal(ingest.LocalSend{
		ProviderID: providerID,
		To:         entry.ToIdentity,
		Body:       entry.Body,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		s.logger.Error("failed to record sent message", zap.Error(err), zap.String("provider_id", providerID))
		return
	}

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("provider_id", providerID),
		zap.String("to", rec.ContactIdentity))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"provider_id":   providerID,
			"to":            rec.ContactIdentity,
		},
	})
}
