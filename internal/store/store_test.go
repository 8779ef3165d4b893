package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/tandemapp/chatkit/internal/bus"
	"github.com/tandemapp/chatkit/internal/wire"
)

func msgAt(id, sender, receiver, content string, ts time.Time) wire.Message {
	return wire.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  ts,
	}
}

func TestApplyIncomingDedup(t *testing.T) {
	s := New(bus.New(), nil)
	ts := time.Now()
	msg := msgAt("m1", "alice", "me", "hi", ts)

	if !s.ApplyIncoming(msg) {
		t.Fatal("first ApplyIncoming returned false")
	}
	if s.ApplyIncoming(msg) {
		t.Error("duplicate ApplyIncoming returned true, want idempotent no-op")
	}

	if got := len(s.History("alice")); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

func TestHistoryOrdering(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	// Insert out of order.
	s.ApplyIncoming(msgAt("m3", "alice", "me", "three", base.Add(3*time.Second)))
	s.ApplyIncoming(msgAt("m1", "alice", "me", "one", base.Add(1*time.Second)))
	s.ApplyIncoming(msgAt("m2", "alice", "me", "two", base.Add(2*time.Second)))

	hist := s.History("alice")
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if hist[i].ID != want {
			t.Errorf("hist[%d].ID = %s, want %s", i, hist[i].ID, want)
		}
	}
}

func TestOrderingTiesKeepArrivalOrder(t *testing.T) {
	s := New(bus.New(), nil)
	ts := time.Now()

	s.ApplyIncoming(msgAt("a", "alice", "me", "first arrival", ts))
	s.ApplyIncoming(msgAt("b", "alice", "me", "second arrival", ts))

	hist := s.History("alice")
	if hist[0].ID != "a" || hist[1].ID != "b" {
		t.Errorf("tie order = [%s %s], want [a b]", hist[0].ID, hist[1].ID)
	}
}

func TestReconcileReplacesInPlace(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	s.ApplyIncoming(msgAt("m1", "bob", "me", "before", base.Add(-time.Minute)))

	temp := wire.TemporaryMessage{
		TemporaryID: "tmp-1",
		ReceiverID:  "bob",
		Content:     "hello",
		CreatedAt:   base,
	}
	s.InsertOptimistic(temp)
	s.ApplyIncoming(msgAt("m2", "bob", "me", "after", base.Add(time.Minute)))

	server := msgAt("srv-9", "me", "bob", "hello", base)
	s.Reconcile("tmp-1", server)

	hist := s.History("bob")
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[1].ID != "srv-9" {
		t.Errorf("reconciled message at position 1 has ID %s, want srv-9 (stable position)", hist[1].ID)
	}
	if hist[1].Status != wire.StatusSent {
		t.Errorf("status = %s, want sent", hist[1].Status)
	}
	for _, m := range hist {
		if m.ID == "tmp-1" {
			t.Error("temporary entry still present after reconciliation")
		}
	}
}

func TestReconcileMissingTempIsNoOp(t *testing.T) {
	s := New(bus.New(), nil)
	s.Reconcile("tmp-gone", msgAt("srv-1", "me", "bob", "x", time.Now()))
	if got := len(s.History("bob")); got != 0 {
		t.Errorf("history length = %d, want 0 (no insert on missing temp)", got)
	}
}

func TestReconcileAgainstRacedServerCopy(t *testing.T) {
	s := New(bus.New(), nil)
	ts := time.Now()

	temp := wire.TemporaryMessage{TemporaryID: "tmp-1", ReceiverID: "bob", Content: "hi", CreatedAt: ts}
	s.InsertOptimistic(temp)

	// The confirmed copy raced in via a history page before the ack landed.
	server := msgAt("srv-1", "me", "bob", "hi", ts)
	s.MergeHistory("bob", []wire.Message{server})

	s.Reconcile("tmp-1", server)

	count := 0
	for _, m := range s.History("bob") {
		if m.ID == "srv-1" {
			count++
		}
		if m.ID == "tmp-1" {
			t.Error("temporary entry survived reconciliation")
		}
	}
	if count != 1 {
		t.Errorf("srv-1 appears %d times, want 1", count)
	}
}

func TestMarkFailedKeepsEntryVisible(t *testing.T) {
	s := New(bus.New(), nil)
	temp := wire.TemporaryMessage{TemporaryID: "tmp-1", ReceiverID: "bob", Content: "hi", CreatedAt: time.Now()}
	s.InsertOptimistic(temp)
	s.MarkFailed("tmp-1")

	hist := s.History("bob")
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Status != wire.StatusFailed {
		t.Errorf("status = %s, want failed", hist[0].Status)
	}

	if !s.MarkSending("tmp-1") {
		t.Error("MarkSending on failed entry returned false")
	}
	if got, _ := s.Get("tmp-1"); got.Status != wire.StatusSending {
		t.Errorf("status after MarkSending = %s, want sending", got.Status)
	}
}

func TestApplyReadReceipt(t *testing.T) {
	s := New(bus.New(), nil)
	s.ApplyIncoming(msgAt("m1", "alice", "me", "hi", time.Now()))

	s.ApplyReadReceipt("m1")
	msg, ok := s.Get("m1")
	if !ok {
		t.Fatal("m1 missing")
	}
	if !msg.Read || msg.Status != wire.StatusRead {
		t.Errorf("got read=%v status=%s, want read message", msg.Read, msg.Status)
	}

	// Idempotent: applying twice equals applying once.
	s.ApplyReadReceipt("m1")
	again, _ := s.Get("m1")
	if again != msg {
		t.Errorf("second receipt changed state: %+v vs %+v", again, msg)
	}
}

func TestApplyReadReceiptUnknownIDIsNoOp(t *testing.T) {
	s := New(bus.New(), nil)
	s.ApplyReadReceipt("m-missing") // must not panic or create anything
	if got := len(s.Conversations()); got != 0 {
		t.Errorf("conversations = %d, want 0", got)
	}
}

func TestUnreadCounts(t *testing.T) {
	s := New(bus.New(), nil)

	s.IncrementUnread("alice")
	s.IncrementUnread("alice")
	s.SetUnreadCount("bob", 7)
	s.SetUnreadCount("carol", -2)

	unread := map[string]int{}
	for _, c := range s.Conversations() {
		unread[c.UserID] = c.UnreadCount
	}
	if unread["alice"] != 2 || unread["bob"] != 7 || unread["carol"] != 0 {
		t.Errorf("unread = %v, want alice=2 bob=7 carol=0", unread)
	}

	s.MarkConversationRead("alice")
	for _, c := range s.Conversations() {
		if c.UserID == "alice" && c.UnreadCount != 0 {
			t.Errorf("alice unread = %d after MarkConversationRead, want 0", c.UnreadCount)
		}
	}
}

func TestMergeHistoryPreservesOptimisticEntries(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	temp := wire.TemporaryMessage{TemporaryID: "tmp-1", ReceiverID: "alice", Content: "pending", CreatedAt: base.Add(time.Second)}
	s.InsertOptimistic(temp)

	page := []wire.Message{
		msgAt("m1", "alice", "me", "old one", base.Add(-2*time.Second)),
		msgAt("m2", "me", "alice", "old two", base.Add(-time.Second)),
	}
	s.MergeHistory("alice", page)
	// Merging the same page twice must not duplicate.
	s.MergeHistory("alice", page)

	hist := s.History("alice")
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[2].ID != "tmp-1" || hist[2].Status != wire.StatusSending {
		t.Errorf("optimistic entry disturbed: %+v", hist[2])
	}
	if hist[0].ID != "m1" || hist[1].ID != "m2" {
		t.Errorf("merged order = [%s %s], want [m1 m2]", hist[0].ID, hist[1].ID)
	}
}

func TestConversationSnapshotLocalWinsWhenNewer(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	// Live message newer than the snapshot.
	s.ApplyIncoming(msgAt("live", "alice", "me", "fresh", base))
	s.IncrementUnread("alice")

	stale := msgAt("old", "alice", "me", "stale", base.Add(-time.Hour))
	s.ApplyConversationSnapshot([]wire.Conversation{
		{UserID: "alice", ProfileName: "Alice", LastMessage: &stale, UnreadCount: 9},
		{UserID: "bob", ProfileName: "Bob"},
	})

	convs := s.Conversations()
	var alice *wire.Conversation
	for i := range convs {
		if convs[i].UserID == "alice" {
			alice = &convs[i]
		}
	}
	if alice == nil {
		t.Fatal("alice conversation missing")
	}
	if alice.ProfileName != "Alice" {
		t.Errorf("profile name = %q, want Alice", alice.ProfileName)
	}
	if alice.LastMessage == nil || alice.LastMessage.ID != "live" {
		t.Errorf("last message = %+v, want the newer local one", alice.LastMessage)
	}
	if alice.UnreadCount != 1 {
		t.Errorf("unread = %d, want local projection 1, not stale 9", alice.UnreadCount)
	}
}

func TestConversationSnapshotAdoptedWhenNewer(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	s.ApplyIncoming(msgAt("old", "alice", "me", "old", base.Add(-time.Hour)))

	fresh := msgAt("new", "alice", "me", "new", base)
	s.ApplyConversationSnapshot([]wire.Conversation{
		{UserID: "alice", LastMessage: &fresh, UnreadCount: 3},
	})

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if convs[0].LastMessage.ID != "new" || convs[0].UnreadCount != 3 {
		t.Errorf("got last=%s unread=%d, want new/3", convs[0].LastMessage.ID, convs[0].UnreadCount)
	}
}

func TestConversationsSortedByActivity(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	s.ApplyIncoming(msgAt("m1", "alice", "me", "older", base.Add(-time.Minute)))
	s.ApplyIncoming(msgAt("m2", "bob", "me", "newer", base))

	convs := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	if convs[0].UserID != "bob" || convs[1].UserID != "alice" {
		t.Errorf("order = [%s %s], want [bob alice]", convs[0].UserID, convs[1].UserID)
	}
}

func TestResetPublishes(t *testing.T) {
	b := bus.New()
	s := New(b, nil)
	s.ApplyIncoming(msgAt("m1", "alice", "me", "hi", time.Now()))

	ch, unsub := b.Subscribe("store.reset", 1)
	defer unsub()

	s.Reset()
	if got := len(s.Conversations()); got != 0 {
		t.Errorf("conversations after reset = %d, want 0", got)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no store.reset event published")
	}
}

func TestConcurrentMutation(t *testing.T) {
	s := New(bus.New(), nil)
	base := time.Now()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.ApplyIncoming(msgAt(fmt.Sprintf("in-%d", i), "alice", "me", "x", base.Add(time.Duration(i)*time.Millisecond)))
		}
	}()
	for i := 0; i < 100; i++ {
		temp := wire.TemporaryMessage{
			TemporaryID: fmt.Sprintf("tmp-%d", i),
			ReceiverID:  "alice",
			Content:     "y",
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}
		s.InsertOptimistic(temp)
		s.Reconcile(temp.TemporaryID, msgAt(fmt.Sprintf("srv-%d", i), "me", "alice", "y", temp.CreatedAt))
	}
	<-done

	hist := s.History("alice")
	if len(hist) != 200 {
		t.Fatalf("history length = %d, want 200", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].CreatedAt.Before(hist[i-1].CreatedAt) {
			t.Fatalf("ordering violated at %d", i)
		}
	}
}
