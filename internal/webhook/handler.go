package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/warelay/warelay/internal/bus"
	"github.com/warelay/warelay/internal/ingest"
	"github.com/warelay/warelay/internal/status"
	"github.com/warelay/warelay/internal/store"
	"go.uber.org/zap"
)

// Config carries the provider-facing webhook settings.
type Config struct {
	// VerifyToken answers the subscription handshake.
	VerifyToken string
	// AppSecret, when set, enables X-Hub-Signature-256 verification.
	AppSecret string
}

// Handler terminates the provider's webhook: the GET verification handshake
// and POST notifications carrying messages and delivery statuses. A
// notification the relay cannot use is acknowledged anyway; only a
// persistence failure earns a 5xx so the provider redelivers.
type Handler struct {
	cfg     Config
	gateway *ingest.Gateway
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
}

func New(cfg Config, gateway *ingest.Gateway, db *store.DB, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, gateway: gateway, db: db, bus: b, logger: logger}
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(rw, r)
	case http.MethodPost:
		h.handleNotification(rw, r)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the hub.challenge subscription handshake.
func (h *Handler) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.cfg.VerifyToken {
		h.logger.Info("webhook verified")
		rw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rw, challenge)
		return
	}

	h.logger.Warn("webhook verification rejected", zap.String("mode", mode))
	http.Error(rw, "forbidden", http.StatusForbidden)
}

func (h *Handler) handleNotification(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	if h.cfg.AppSecret != "" {
		if !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			h.logger.Warn("webhook signature rejected")
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Undecodable bodies are acknowledged; redelivery cannot fix them.
		h.logger.Warn("webhook payload undecodable", zap.Error(err))
		rw.WriteHeader(http.StatusOK)
		return
	}

	if err := h.process(&payload); err != nil {
		h.logger.Error("webhook processing failed", zap.Error(err))
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// process walks every change in the notification. Malformed or already-seen
// items are absorbed; only storage errors propagate.
func (h *Handler) process(payload *waPayload) error {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := &change.Value
			h.recordContactNames(v.Contacts)
			for i := range v.Messages {
				if err := h.processMessage(v, &v.Messages[i]); err != nil {
					return err
				}
			}
			for i := range v.Statuses {
				if err := h.processStatus(&v.Statuses[i]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (h *Handler) processMessage(v *waValue, msg *waMessage) error {
	ev := ingest.MessageEvent{
		ID:        msg.ID,
		From:      msg.From,
		To:        v.Metadata.PhoneNumberID,
		Timestamp: parseEpoch(msg.Timestamp),
		Kind:      msg.Type,
	}
	if msg.Text != nil {
		ev.Body = msg.Text.Body
	}
	if media := msg.media(); media != nil {
		ev.MediaRef = media.ID
		ev.Caption = media.Caption
	}

	rec, accepted, err := h.gateway.IngestMessage(ev)
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		h.logger.Warn("message notification dropped", zap.String("msg_id", msg.ID), zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("ingest message %s: %w", msg.ID, err)
	}
	if accepted {
		h.logger.Info("message ingested",
			zap.String("msg_id", rec.MsgID),
			zap.String("contact", rec.ContactIdentity),
			zap.String("kind", rec.Kind))
	} else {
		h.logger.Debug("message redelivery absorbed", zap.String("msg_id", msg.ID))
	}
	return nil
}

func (h *Handler) processStatus(st *waStatus) error {
	if st.Status == "failed" {
		// Terminal provider failure, outside the delivery lattice.
		h.logger.Warn("provider reported send failure", zap.String("msg_id", st.ID))
		if h.bus != nil {
			h.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Payload: st.ID})
		}
		return nil
	}

	up, err := h.gateway.IngestStatus(ingest.StatusEvent{
		ID:        st.ID,
		Status:    status.Status(st.Status),
		Timestamp: parseEpoch(st.Timestamp),
	})
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		h.logger.Warn("status notification dropped", zap.String("msg_id", st.ID), zap.String("status", st.Status))
		return nil
	case err != nil:
		return fmt.Errorf("ingest status %s: %w", st.ID, err)
	}
	if up.Orphan {
		h.logger.Debug("status for unknown message", zap.String("msg_id", st.ID))
	}
	return nil
}

// recordContactNames keeps the contact directory current from the profile
// names the provider attaches to notifications. Failures here never fail
// the webhook.
func (h *Handler) recordContactNames(contacts []waContact) {
	for _, c := range contacts {
		if c.WaID == "" || c.Profile.Name == "" {
			continue
		}
		id := h.gateway.Normalize(c.WaID)
		if id == "" {
			continue
		}
		if err := h.db.UpsertContact(&store.Contact{Identity: string(id), Name: c.Profile.Name}); err != nil {
			h.logger.Warn("contact name update failed", zap.String("identity", string(id)), zap.Error(err))
		}
	}
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header[len(prefix):]), []byte(want))
}

func parseEpoch(s string) int64 {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return time.Now().Unix()
	}
	return ts
}
