package ingest

import (
	"fmt"
	"unicode/utf8"

	"github.com/warelay/warelay/internal/status"
	"github.com/warelay/warelay/internal/store"
	"go.uber.org/zap"
)

const previewLen = 100

// Aggregator maintains the per-contact chat summaries as a derived,
// rebuildable view over the message store. Incremental updates keep the
// summary current without rescanning history; Rebuild recomputes everything
// from the stored messages and is the ground truth on disagreement.
type Aggregator struct {
	db     *store.DB
	logger *zap.Logger
}

// NewAggregator creates a new aggregator over the given store.
func NewAggregator(db *store.DB, logger *zap.Logger) *Aggregator {
	return &Aggregator{db: db, logger: logger}
}

// ApplyMessage folds a newly inserted message into its contact's summary.
// focused suppresses the unread increment for the conversation a client is
// currently looking at.
func (a *Aggregator) ApplyMessage(m *store.Message, focused bool) error {
	delta := 0
	if !m.FromMe && m.Status != status.Read && !focused {
		delta = 1
	}
	if err := a.db.ApplySummary(m.ContactIdentity, Preview(m), m.Timestamp, delta); err != nil {
		return fmt.Errorf("apply summary: %w", err)
	}
	return nil
}

// ApplyStatusChange adjusts the unread count after an accepted status
// transition. Only an incoming message crossing into read changes it.
func (a *Aggregator) ApplyStatusChange(up *store.StatusUpdate) error {
	if up.Message == nil || !up.Applied {
		return nil
	}
	m := up.Message
	if m.FromMe || up.New != status.Read || up.Prev == status.Read {
		return nil
	}
	if err := a.db.AdjustUnread(m.ContactIdentity, -1); err != nil {
		return fmt.Errorf("adjust unread: %w", err)
	}
	return nil
}

// Rebuild recomputes every contact's summary from the full message log and
// writes the result back, returning the recomputed mapping. Recovery path
// for aggregator drift; safe to run at any time.
func (a *Aggregator) Rebuild() (map[string]store.Chat, error) {
	msgs, err := a.db.AllMessages()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	summaries := ComputeSummaries(msgs)

	chats := make([]store.Chat, 0, len(summaries))
	for _, c := range summaries {
		chats = append(chats, c)
	}
	if err := a.db.ReplaceSummaries(chats); err != nil {
		return nil, fmt.Errorf("replace summaries: %w", err)
	}
	if a.logger != nil {
		a.logger.Info("chat summaries rebuilt", zap.Int("chats", len(chats)), zap.Int("messages", len(msgs)))
	}
	return summaries, nil
}

// ComputeSummaries derives the summary mapping from a message log. Pure;
// the unread-convergence property is checked against this function.
func ComputeSummaries(msgs []store.Message) map[string]store.Chat {
	out := make(map[string]store.Chat)
	for _, m := range msgs {
		c, seen := out[m.ContactIdentity]
		c.ContactIdentity = m.ContactIdentity
		// Same tie-break as the incremental summary guard: on an equal
		// timestamp the earlier-stored message keeps the preview.
		if !seen || m.Timestamp > c.LastMessageAt {
			c.LastMessageAt = m.Timestamp
			c.LastMessagePreview = Preview(&m)
		}
		if !m.FromMe && m.Status != status.Read {
			c.UnreadCount++
		}
		out[m.ContactIdentity] = c
	}
	return out
}

// Preview renders the one-line summary text for a message: body, else
// caption, else a kind placeholder, truncated.
func Preview(m *store.Message) string {
	s := m.Body
	if s == "" {
		s = m.Caption
	}
	if s == "" {
		s = "[" + m.Kind + "]"
	}
	return truncate(s, previewLen)
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
