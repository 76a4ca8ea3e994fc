// Package httpapi exposes the relay's client-facing REST surface and mounts
// the provider webhook and the push socket on one mux.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/warelay/warelay/internal/ingest"
	"github.com/warelay/warelay/internal/runstate"
	"github.com/warelay/warelay/internal/store"
	"go.uber.org/zap"
)

// Drainer triggers an immediate outbox pass after an enqueue, instead of
// waiting out the poll interval. May be nil.
type Drainer interface {
	ProcessPending(ctx context.Context)
}

// Receipter reports read receipts for incoming messages back to the
// provider. May be nil.
type Receipter interface {
	MarkRead(ctx context.Context, msgID string) error
}

// Server handles the client REST API.
type Server struct {
	db       *store.DB
	gateway  *ingest.Gateway
	state    *runstate.Machine
	drainer  Drainer
	receipts Receipter
	webhook  http.Handler
	push     http.Handler
	logger   *zap.Logger
	started  time.Time
}

func New(db *store.DB, gateway *ingest.Gateway, state *runstate.Machine, drainer Drainer, receipts Receipter, webhook, push http.Handler, logger *zap.Logger) *Server {
	return &Server{
		db:       db,
		gateway:  gateway,
		state:    state,
		drainer:  drainer,
		receipts: receipts,
		webhook:  webhook,
		push:     push,
		logger:   logger,
		started:  time.Now(),
	}
}

// Handler builds the full mux: REST routes plus the webhook and push mounts.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/chats", s.handleListChats)
	mux.HandleFunc("GET /v1/chats/{identity}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/chats/{identity}/read", s.handleMarkRead)
	mux.HandleFunc("POST /v1/send", s.handleSend)
	mux.HandleFunc("GET /v1/contacts", s.handleListContacts)
	mux.HandleFunc("PUT /v1/contacts/{identity}", s.handlePutContact)
	mux.HandleFunc("DELETE /v1/contacts/{identity}", s.handleDeleteContact)
	mux.HandleFunc("POST /v1/admin/rebuild", s.handleRebuild)

	if s.webhook != nil {
		mux.Handle("/webhook", s.webhook)
	}
	if s.push != nil {
		mux.Handle("/ws", s.push)
	}
	return mux
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.state.Current(),
	})
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	chats, err := s.db.ChatCount()
	if err != nil {
		s.internalError(rw, "count chats", err)
		return
	}
	messages, err := s.db.MessageCount()
	if err != nil {
		s.internalError(rw, "count messages", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"state":          s.state.Current(),
		"operator":       s.gateway.Operator(),
		"chats":          chats,
		"messages":       messages,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListChats(rw http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	chats, err := s.db.ListChats(limit, offset)
	if err != nil {
		s.internalError(rw, "list chats", err)
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	contact := s.gateway.Normalize(r.PathValue("identity"))
	if contact == "" {
		writeError(rw, http.StatusBadRequest, "invalid contact identity")
		return
	}
	limit := queryInt(r, "limit", 200)
	msgs, err := s.db.ListByContact(string(contact), limit)
	if err != nil {
		s.internalError(rw, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"contact_identity": contact,
		"messages":         msgs,
	})
}

func (s *Server) handleMarkRead(rw http.ResponseWriter, r *http.Request) {
	ids, err := s.gateway.MarkRead(r.PathValue("identity"))
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		writeError(rw, http.StatusBadRequest, "invalid contact identity")
	case err != nil:
		s.internalError(rw, "mark read", err)
	default:
		if s.receipts != nil && len(ids) > 0 {
			go s.sendReadReceipts(context.WithoutCancel(r.Context()), ids)
		}
		writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "read": len(ids)})
	}
}

// sendReadReceipts reports each newly-read message upstream. Best effort:
// the local read state is already committed, a failed receipt only costs the
// sender their blue ticks.
func (s *Server) sendReadReceipts(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := s.receipts.MarkRead(ctx, id); err != nil {
			s.logger.Warn("read receipt failed", zap.Error(err), zap.String("msg_id", id))
		}
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid request body")
		return
	}
	to := s.gateway.Normalize(req.To)
	if to == "" || req.Body == "" {
		writeError(rw, http.StatusBadRequest, "to and body are required")
		return
	}

	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, string(to), req.Body); err != nil {
		s.internalError(rw, "queue message", err)
		return
	}
	s.logger.Info("message queued", zap.String("client_msg_id", clientMsgID), zap.String("to", string(to)))
	if s.drainer != nil {
		go s.drainer.ProcessPending(context.WithoutCancel(r.Context()))
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{
		"client_msg_id": clientMsgID,
		"to":            to,
		"status":        "queued",
	})
}

func (s *Server) handleListContacts(rw http.ResponseWriter, r *http.Request) {
	contacts, err := s.db.ListContacts()
	if err != nil {
		s.internalError(rw, "list contacts", err)
		return
	}
	if contacts == nil {
		contacts = []store.Contact{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"contacts": contacts})
}

type putContactRequest struct {
	Name string `json:"name"`
}

func (s *Server) handlePutContact(rw http.ResponseWriter, r *http.Request) {
	id := s.gateway.Normalize(r.PathValue("identity"))
	if id == "" {
		writeError(rw, http.StatusBadRequest, "invalid contact identity")
		return
	}
	var req putContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.db.UpsertContact(&store.Contact{Identity: string(id), Name: req.Name}); err != nil {
		s.internalError(rw, "upsert contact", err)
		return
	}
	writeJSON(rw, http.StatusOK, store.Contact{Identity: string(id), Name: req.Name})
}

func (s *Server) handleDeleteContact(rw http.ResponseWriter, r *http.Request) {
	id := s.gateway.Normalize(r.PathValue("identity"))
	if id == "" {
		writeError(rw, http.StatusBadRequest, "invalid contact identity")
		return
	}
	if err := s.db.DeleteContact(string(id)); err != nil {
		s.internalError(rw, "delete contact", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRebuild(rw http.ResponseWriter, r *http.Request) {
	summaries, err := s.gateway.Rebuild()
	if err != nil {
		s.internalError(rw, "rebuild", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status": "ok",
		"chats":  len(summaries),
	})
}

func (s *Server) internalError(rw http.ResponseWriter, op string, err error) {
	s.logger.Error("api request failed", zap.String("op", op), zap.Error(err))
	writeError(rw, http.StatusInternalServerError, "internal error")
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, code int, msg string) {
	writeJSON(rw, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
