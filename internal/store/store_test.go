package store

import (
	"path/filepath"
	"testing"

	"github.com/warelay/warelay/internal/status"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + outbox)", result.Version)
	}
}

func TestInsertIfAbsent(t *testing.T) {
	db := testDB(t)

	m := &Message{
		MsgID:             "wamid.m1",
		ContactIdentity:   "+34600000001",
		SenderIdentity:    "+34600000001",
		RecipientIdentity: "776732452191426",
		Body:              "hola",
		Kind:              "text",
		Status:            status.Received,
		Timestamp:         1000,
	}
	inserted, rec, err := db.InsertIfAbsent(m)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first insert should report inserted=true")
	}
	if rec.ID == 0 {
		t.Error("stored record should carry its row id")
	}

	// Redelivery with different payload must be absorbed, not applied.
	dup := *m
	dup.Body = "changed"
	inserted, rec, err = db.InsertIfAbsent(&dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("redelivery should report inserted=false")
	}
	if rec.Body != "hola" {
		t.Errorf("existing record must be returned unchanged, got body %q", rec.Body)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
}

func TestUpdateStatusMonotonic(t *testing.T) {
	db := testDB(t)

	m := &Message{MsgID: "m1", ContactIdentity: "+34600000001", SenderIdentity: "me",
		RecipientIdentity: "+34600000001", Body: "hi", Kind: "text",
		FromMe: true, Status: status.Sent, Timestamp: 1000}
	if _, _, err := db.InsertIfAbsent(m); err != nil {
		t.Fatal(err)
	}

	up, err := db.UpdateStatus("m1", status.Delivered)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Applied || up.New != status.Delivered {
		t.Fatalf("delivered not applied: %+v", up)
	}

	// Regression: a lower-ranked status is a no-op, not an error.
	up, err = db.UpdateStatus("m1", status.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if up.Applied {
		t.Error("regression to sent must not be applied")
	}

	stored, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != status.Delivered {
		t.Errorf("status = %q, want delivered", stored.Status)
	}

	// read then delivered leaves read.
	if _, err := db.UpdateStatus("m1", status.Read); err != nil {
		t.Fatal(err)
	}
	up, err = db.UpdateStatus("m1", status.Delivered)
	if err != nil {
		t.Fatal(err)
	}
	if up.Applied {
		t.Error("delivered after read must not be applied")
	}
	stored, _ = db.GetMessage("m1")
	if stored.Status != status.Read {
		t.Errorf("status = %q, want read", stored.Status)
	}
}

func TestUpdateStatusOrphan(t *testing.T) {
	db := testDB(t)

	up, err := db.UpdateStatus("missing", status.Delivered)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Orphan {
		t.Error("status for unknown id should report Orphan=true")
	}
	if up.Applied {
		t.Error("orphan status must not be applied")
	}
}

func TestListByContactAscending(t *testing.T) {
	db := testDB(t)

	// Insert out of timestamp order.
	for _, m := range []Message{
		{MsgID: "m2", ContactIdentity: "c", SenderIdentity: "c", RecipientIdentity: "me", Body: "two", Kind: "text", Status: status.Received, Timestamp: 2000},
		{MsgID: "m1", ContactIdentity: "c", SenderIdentity: "c", RecipientIdentity: "me", Body: "one", Kind: "text", Status: status.Received, Timestamp: 1000},
		{MsgID: "m3", ContactIdentity: "other", SenderIdentity: "other", RecipientIdentity: "me", Body: "x", Kind: "text", Status: status.Received, Timestamp: 1500},
	} {
		msg := m
		if _, _, err := db.InsertIfAbsent(&msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListByContact("c", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].MsgID != "m1" || msgs[1].MsgID != "m2" {
		t.Errorf("order = %s,%s, want m1,m2", msgs[0].MsgID, msgs[1].MsgID)
	}
}

func TestApplySummaryLateArrivalGuard(t *testing.T) {
	db := testDB(t)

	if err := db.ApplySummary("c", "newer", 2000, 1); err != nil {
		t.Fatal(err)
	}
	// Older message must not overwrite the cached preview or timestamp,
	// but still counts as unread.
	if err := db.ApplySummary("c", "older", 1000, 1); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessagePreview != "newer" || c.LastMessageAt != 2000 {
		t.Errorf("preview/ts = %q/%d, want newer/2000", c.LastMessagePreview, c.LastMessageAt)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
}

func TestAdjustUnreadClampsAtZero(t *testing.T) {
	db := testDB(t)

	if err := db.AdjustUnread("c", -1); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("c")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.UnreadCount != 0 {
		t.Errorf("unread = %v, want 0", c)
	}
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)

	for _, m := range []Message{
		{MsgID: "in1", ContactIdentity: "c", SenderIdentity: "c", RecipientIdentity: "me", Kind: "text", Status: status.Received, Timestamp: 1000},
		{MsgID: "in2", ContactIdentity: "c", SenderIdentity: "c", RecipientIdentity: "me", Kind: "text", Status: status.Delivered, Timestamp: 2000},
		{MsgID: "out1", ContactIdentity: "c", SenderIdentity: "me", RecipientIdentity: "c", Kind: "text", FromMe: true, Status: status.Sent, Timestamp: 3000},
	} {
		msg := m
		if _, _, err := db.InsertIfAbsent(&msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.ApplySummary("c", "x", 3000, 2); err != nil {
		t.Fatal(err)
	}

	ids, err := db.MarkConversationRead("c")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("changed ids = %v, want the 2 incoming messages", ids)
	}

	for _, id := range []string{"in1", "in2"} {
		m, _ := db.GetMessage(id)
		if m.Status != status.Read {
			t.Errorf("%s status = %q, want read", id, m.Status)
		}
	}
	// Outgoing message untouched.
	out, _ := db.GetMessage("out1")
	if out.Status != status.Sent {
		t.Errorf("out1 status = %q, want sent", out.Status)
	}

	c, _ := db.GetChat("c")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}

	// Second call is a no-op.
	ids, err = db.MarkConversationRead("c")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second markRead changed %v, want nothing", ids)
	}
}

func TestListChatsDisplayNameFallback(t *testing.T) {
	db := testDB(t)

	if err := db.ApplySummary("+34600000001", "hola", 1000, 1); err != nil {
		t.Fatal(err)
	}
	if err := db.ApplySummary("+34600000002", "adios", 2000, 0); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertContact(&Contact{Identity: "+34600000002", Name: "Cliente Dos"}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	// Sorted by last_message_at descending.
	if chats[0].ContactIdentity != "+34600000002" {
		t.Errorf("first chat = %q, want most recent", chats[0].ContactIdentity)
	}
	if chats[0].DisplayName != "Cliente Dos" {
		t.Errorf("display name = %q, want Cliente Dos", chats[0].DisplayName)
	}
	if chats[1].DisplayName != "+34600000001" {
		t.Errorf("fallback display name = %q, want identity", chats[1].DisplayName)
	}
}

func TestContactCRUD(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertContact(&Contact{Identity: "+34600000001", Name: "Ana"}); err != nil {
		t.Fatal(err)
	}
	// Empty name must not clobber an existing one.
	if err := db.UpsertContact(&Contact{Identity: "+34600000001", Name: ""}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetContact("+34600000001")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Ana" {
		t.Errorf("got %v, want Ana", c)
	}

	all, err := db.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("got %d contacts, want 1", len(all))
	}

	if err := db.DeleteContact("+34600000001"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetContact("+34600000001")
	if c != nil {
		t.Error("contact should be gone after delete")
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("client1", "+34600000001", "test msg"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].ClientMsgID != "client1" {
		t.Errorf("client_msg_id = %q, want client1", pending[0].ClientMsgID)
	}

	claimed, err := db.ClaimOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim on a queued entry should succeed")
	}
	if err := db.MarkOutboxSent("client1", "wamid.server1"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestClaimOutboxExclusive(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("client1", "+34600000001", "test msg"); err != nil {
		t.Fatal(err)
	}

	claimed, err := db.ClaimOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	again, err := db.ClaimOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("claim on an already-sending entry should report false")
	}

	missing, err := db.ClaimOutbox("no-such-entry")
	if err != nil {
		t.Fatal(err)
	}
	if missing {
		t.Error("claim on a missing entry should report false")
	}
}
