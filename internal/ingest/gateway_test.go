package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/warelay/warelay/internal/bus"
	"github.com/warelay/warelay/internal/identity"
	"github.com/warelay/warelay/internal/status"
	"github.com/warelay/warelay/internal/store"
	"go.uber.org/zap"
)

const operatorID = "776732452191426"

type fixedFocus struct{ contact string }

func (f fixedFocus) IsFocused(c string) bool { return c == f.contact }

func testGateway(t *testing.T, focus Focus) (*Gateway, *store.DB, *bus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	norm := identity.New(identity.DefaultRules())
	agg := NewAggregator(db, zap.NewNop())
	g := NewGateway(db, agg, norm, b, focus, []string{operatorID}, zap.NewNop())
	return g, db, b
}

func incoming(id, from string, ts int64, body string) MessageEvent {
	return MessageEvent{ID: id, From: from, To: operatorID, Timestamp: ts, Kind: "text", Body: body}
}

func TestIngestMessageDedup(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	// First delivery creates the summary with one unread.
	_, accepted, err := g.IngestMessage(incoming("m1", "+34600000001", 1000, "hola"))
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("first delivery should be accepted")
	}
	chat, err := db.GetChat("+34600000001")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.UnreadCount != 1 {
		t.Fatalf("chat = %+v, want unread=1", chat)
	}

	// Redelivery: store size unchanged, no second increment.
	_, accepted, err = g.IngestMessage(incoming("m1", "+34600000001", 1000, "hola"))
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("redelivery must not be accepted")
	}
	count, _ := db.MessageCount()
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
	chat, _ = db.GetChat("+34600000001")
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (exactly one increment)", chat.UnreadCount)
	}
}

func TestIngestMessageNormalizesIdentities(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	// National formatting and international form must land in one conversation.
	if _, _, err := g.IngestMessage(incoming("m1", "612 345 678", 1000, "uno")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.IngestMessage(incoming("m2", "+34612345678", 2000, "dos")); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListByContact("+34612345678", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages in conversation, want 2", len(msgs))
	}
	chats, _ := db.ListChats(10, 0)
	if len(chats) != 1 {
		t.Errorf("got %d chats, want 1 (identities must not split)", len(chats))
	}
}

func TestIngestMessageOutgoing(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	ev := MessageEvent{ID: "m1", From: operatorID, To: "+34600000001", Timestamp: 1000, Kind: "text", Body: "hola"}
	rec, accepted, err := g.IngestMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if !accepted || !rec.FromMe {
		t.Fatalf("rec = %+v, want accepted outgoing", rec)
	}
	if rec.Status != status.Sent {
		t.Errorf("status = %q, want sent", rec.Status)
	}
	chat, _ := db.GetChat("+34600000001")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own message", chat.UnreadCount)
	}
}

func TestFocusedConversationSuppressesUnread(t *testing.T) {
	g, db, _ := testGateway(t, fixedFocus{contact: "+34600000001"})

	if _, _, err := g.IngestMessage(incoming("m1", "+34600000001", 1000, "hola")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.IngestMessage(incoming("m2", "+34600000002", 1000, "hola")); err != nil {
		t.Fatal(err)
	}

	focused, _ := db.GetChat("+34600000001")
	if focused.UnreadCount != 0 {
		t.Errorf("focused unread = %d, want 0", focused.UnreadCount)
	}
	other, _ := db.GetChat("+34600000002")
	if other.UnreadCount != 1 {
		t.Errorf("unfocused unread = %d, want 1", other.UnreadCount)
	}
}

func TestIngestStatusRegression(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	if _, _, err := g.IngestMessage(incoming("m1", "+34600000001", 1000, "hola")); err != nil {
		t.Fatal(err)
	}

	up, err := g.IngestStatus(StatusEvent{ID: "m1", Status: status.Delivered, Timestamp: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if !up.Applied {
		t.Fatal("delivered should apply over received")
	}

	// Regression back to received is absorbed.
	up, err = g.IngestStatus(StatusEvent{ID: "m1", Status: status.Received, Timestamp: 3000})
	if err != nil {
		t.Fatal(err)
	}
	if up.Applied {
		t.Error("regression must not apply")
	}
	m, _ := db.GetMessage("m1")
	if m.Status != status.Delivered {
		t.Errorf("status = %q, want delivered", m.Status)
	}
}

func TestIngestStatusOrphanDropped(t *testing.T) {
	g, _, _ := testGateway(t, nil)

	up, err := g.IngestStatus(StatusEvent{ID: "unknown", Status: status.Delivered})
	if err != nil {
		t.Fatalf("orphan status must not fail the pipeline: %v", err)
	}
	if !up.Orphan {
		t.Error("expected Orphan=true")
	}
}

func TestReadStatusDecrementsUnread(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	if _, _, err := g.IngestMessage(incoming("m1", "+34600000001", 1000, "hola")); err != nil {
		t.Fatal(err)
	}
	if _, err := g.IngestStatus(StatusEvent{ID: "m1", Status: status.Read}); err != nil {
		t.Fatal(err)
	}
	chat, _ := db.GetChat("+34600000001")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after read receipt", chat.UnreadCount)
	}

	// A duplicate read receipt must not underflow or double-count.
	if _, err := g.IngestStatus(StatusEvent{ID: "m1", Status: status.Read}); err != nil {
		t.Fatal(err)
	}
	chat, _ = db.GetChat("+34600000001")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}
}

func TestMarkRead(t *testing.T) {
	g, db, b := testGateway(t, nil)

	ch, unsub := b.Subscribe("", 32)
	defer unsub()

	if _, _, err := g.IngestMessage(incoming("m1", "+34600000001", 1000, "hola")); err != nil {
		t.Fatal(err)
	}
	ids, err := g.MarkRead("+34600000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("changed ids = %v, want [m1]", ids)
	}

	chat, _ := db.GetChat("+34600000001")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}
	m, _ := db.GetMessage("m1")
	if m.Status != status.Read {
		t.Errorf("status = %q, want read", m.Status)
	}

	// Fan-out: one status change for m1 plus the chat.read event.
	kinds := map[string]int{}
	deadline := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case evt := <-ch:
			kinds[evt.Kind]++
		case <-deadline:
			t.Fatalf("timeout, saw %v", kinds)
		}
	}
	if kinds[bus.KindMessageStatus] != 1 || kinds[bus.KindChatRead] != 1 {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestLateArrivalPreviewGuard(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	if _, _, err := g.IngestMessage(incoming("m2", "+34600000001", 2000, "newer")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.IngestMessage(incoming("m1", "+34600000001", 1000, "older")); err != nil {
		t.Fatal(err)
	}

	chat, _ := db.GetChat("+34600000001")
	if chat.LastMessagePreview != "newer" || chat.LastMessageAt != 2000 {
		t.Errorf("preview/ts = %q/%d, want newer/2000", chat.LastMessagePreview, chat.LastMessageAt)
	}
	if chat.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", chat.UnreadCount)
	}
}

func TestMalformedEvents(t *testing.T) {
	g, _, _ := testGateway(t, nil)

	cases := []struct {
		name string
		run  func() error
	}{
		{"message without id", func() error {
			_, _, err := g.IngestMessage(MessageEvent{From: "+34600000001", To: operatorID})
			return err
		}},
		{"message without sender", func() error {
			_, _, err := g.IngestMessage(MessageEvent{ID: "m1", To: operatorID})
			return err
		}},
		{"status without id", func() error {
			_, err := g.IngestStatus(StatusEvent{Status: status.Read})
			return err
		}},
		{"status outside lattice", func() error {
			_, err := g.IngestStatus(StatusEvent{ID: "m1", Status: "failed"})
			return err
		}},
		{"mark read empty contact", func() error {
			_, err := g.MarkRead("  ")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

// TestUnreadConvergence replays an interleaving of duplicated messages,
// out-of-order statuses and a bulk read, then checks the incrementally
// maintained unread count against a full recompute.
func TestUnreadConvergence(t *testing.T) {
	g, db, _ := testGateway(t, nil)
	contact := "+34600000001"

	steps := []func() error{
		func() error { _, _, err := g.IngestMessage(incoming("m1", contact, 1000, "a")); return err },
		func() error { _, err := g.IngestStatus(StatusEvent{ID: "m3", Status: status.Read}); return err }, // orphan
		func() error { _, _, err := g.IngestMessage(incoming("m2", contact, 3000, "b")); return err },
		func() error { _, _, err := g.IngestMessage(incoming("m1", contact, 1000, "a")); return err }, // dup
		func() error { _, err := g.IngestStatus(StatusEvent{ID: "m1", Status: status.Read}); return err },
		func() error { _, err := g.IngestStatus(StatusEvent{ID: "m1", Status: status.Delivered}); return err }, // stale
		func() error { _, _, err := g.IngestMessage(incoming("m3", contact, 2000, "c")); return err }, // late arrival
		func() error { _, err := g.MarkRead(contact); return err },
		func() error { _, _, err := g.IngestMessage(incoming("m4", contact, 4000, "d")); return err },
		func() error { _, _, err := g.IngestMessage(incoming("m4", contact, 4000, "d")); return err }, // dup
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	msgs, err := db.AllMessages()
	if err != nil {
		t.Fatal(err)
	}
	want := ComputeSummaries(msgs)[contact]
	got, err := db.GetChat(contact)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != want.UnreadCount {
		t.Errorf("incremental unread = %d, rebuild says %d", got.UnreadCount, want.UnreadCount)
	}
	if got.LastMessageAt != want.LastMessageAt {
		t.Errorf("incremental ts = %d, rebuild says %d", got.LastMessageAt, want.LastMessageAt)
	}
}

// TestConcurrentIngestSameContact hammers one contact from many goroutines,
// including duplicated deliveries, and verifies no unread update is lost.
func TestConcurrentIngestSameContact(t *testing.T) {
	g, db, _ := testGateway(t, nil)
	contact := "+34600000001"

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := incoming(fmt.Sprintf("m%d", i), contact, int64(1000+i), "x")
			// Deliver twice, concurrently with everything else.
			if _, _, err := g.IngestMessage(ev); err != nil {
				t.Error(err)
			}
			if _, _, err := g.IngestMessage(ev); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	count, _ := db.MessageCount()
	if count != n {
		t.Errorf("message count = %d, want %d", count, n)
	}
	chat, _ := db.GetChat(contact)
	if chat.UnreadCount != n {
		t.Errorf("unread = %d, want %d (lost update)", chat.UnreadCount, n)
	}
}

// TestConcurrentDistinctContacts verifies contacts do not serialize against
// each other and each summary ends up correct.
func TestConcurrentDistinctContacts(t *testing.T) {
	g, db, _ := testGateway(t, nil)

	const contacts = 8
	const perContact = 5
	var wg sync.WaitGroup
	for c := 0; c < contacts; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			from := fmt.Sprintf("+3460000%04d", c)
			for i := 0; i < perContact; i++ {
				ev := incoming(fmt.Sprintf("c%d-m%d", c, i), from, int64(1000+i), "x")
				if _, _, err := g.IngestMessage(ev); err != nil {
					t.Error(err)
				}
			}
		}(c)
	}
	wg.Wait()

	chats, err := db.ListChats(100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != contacts {
		t.Fatalf("got %d chats, want %d", len(chats), contacts)
	}
	for _, c := range chats {
		if c.UnreadCount != perContact {
			t.Errorf("chat %s unread = %d, want %d", c.ContactIdentity, c.UnreadCount, perContact)
		}
	}
}
