package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"courier/pkg/convstore"
	"courier/pkg/inbox"
	"courier/pkg/models"
	"courier/pkg/presence"
	"courier/pkg/snowflake"
	"courier/pkg/store"
)

type fakeSessions struct {
	mu        sync.Mutex
	connected map[string]bool
	failPush  bool
	frames    map[string][][]byte
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{connected: make(map[string]bool), frames: make(map[string][][]byte)}
}

func (s *fakeSessions) IsConnected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[userID]
}

func (s *fakeSessions) Push(userID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPush {
		return errors.New("no live device accepted the frame")
	}
	s.frames[userID] = append(s.frames[userID], data)
	return nil
}

func (s *fakeSessions) framesFor(userID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[userID]
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) last() (models.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return models.Event{}, false
	}
	return p.events[len(p.events)-1], true
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	coord    *Coordinator
	store    *store.MessageStore
	convs    *convstore.ConversationStore
	bus      *capturePublisher
	presence *presence.MemoryCache
	inbox    *inbox.MemoryQueue
	sessions *fakeSessions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "msgs"))
	if err != nil {
		t.Fatalf("open message store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cs, err := convstore.Open(filepath.Join(dir, "conv.db"))
	if err != nil {
		t.Fatalf("open conversation store: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	gen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	f := &fixture{
		store:    st,
		convs:    cs,
		bus:      &capturePublisher{},
		presence: presence.NewMemoryCache(0),
		inbox:    inbox.NewMemoryQueue(),
		sessions: newFakeSessions(),
	}
	f.coord = New(st, cs, f.bus, f.presence, f.inbox, f.sessions, gen)
	return f
}

func (f *fixture) send(t *testing.T, sender, receiver, text string) *models.Message {
	t.Helper()
	msg, err := f.coord.SendMessage(context.Background(), sender, SendRequest{
		ReceiverID: receiver,
		Kind:       models.ContentText,
		Data:       text,
	})
	if err != nil {
		t.Fatalf("send %s -> %s: %v", sender, receiver, err)
	}
	return msg
}

func TestSendMessageCreatesConversationAndPublishes(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "hello bob")

	if msg.Status != models.StatusSent {
		t.Fatalf("status = %s, want SENT", msg.Status)
	}
	stored, err := f.store.Get(msg.ID)
	if err != nil {
		t.Fatalf("message not durable: %v", err)
	}
	if stored.ConversationID != msg.ConversationID {
		t.Fatalf("conversation mismatch")
	}

	conv, err := f.convs.FindOneToOneByPair("bob", "alice")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.LastMsgID != msg.ID {
		t.Fatalf("last msg = %s, want %s", conv.LastMsgID, msg.ID)
	}
	if conv.UnreadFor("bob") != 1 {
		t.Fatalf("bob unread = %d, want 1", conv.UnreadFor("bob"))
	}
	if conv.UnreadFor("alice") != 0 {
		t.Fatalf("alice unread = %d, want 0", conv.UnreadFor("alice"))
	}

	ev, ok := f.bus.last()
	if !ok || ev.EventType != models.EventMessageSent || ev.MessageID != msg.ID {
		t.Fatalf("published event = %+v", ev)
	}
}

func TestSendMessageReusesExistingConversation(t *testing.T) {
	f := newFixture(t)
	m1 := f.send(t, "alice", "bob", "first")
	m2 := f.send(t, "bob", "alice", "second")
	if m1.ConversationID != m2.ConversationID {
		t.Fatalf("both directions must share one conversation")
	}
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SendMessage(ctx, "alice", SendRequest{Kind: models.ContentText, Data: "hi"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing target err = %v, want ErrValidation", err)
	}
	_, err = f.coord.SendMessage(ctx, "alice", SendRequest{ReceiverID: "bob", Kind: models.ContentText, Data: "   "})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("blank text err = %v, want ErrValidation", err)
	}
	_, err = f.coord.SendMessage(ctx, "alice", SendRequest{ReceiverID: "alice", Kind: models.ContentText, Data: "hi"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("self-send err = %v, want ErrValidation", err)
	}
}

func TestSendIntoConversationRequiresMembership(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "hello")

	_, err := f.coord.SendMessage(context.Background(), "mallory", SendRequest{
		ConversationID: msg.ConversationID,
		Kind:           models.ContentText,
		Data:           "intruding",
	})
	if !errors.Is(err, models.ErrPermission) {
		t.Fatalf("outsider send err = %v, want ErrPermission", err)
	}
}

func TestMarkDeliveredReceiverOnlyAndIdempotent(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "hello")
	ctx := context.Background()

	if _, err := f.coord.MarkDelivered(ctx, "alice", msg.ID); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("sender ack err = %v, want ErrPermission", err)
	}

	got, err := f.coord.MarkDelivered(ctx, "bob", msg.ID)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if got.Status != models.StatusDelivered || got.DeliveredAt == nil {
		t.Fatalf("status = %s, want DELIVERED", got.Status)
	}
	firstAt := *got.DeliveredAt
	published := f.bus.count()

	// Second ack changes nothing and publishes nothing.
	again, err := f.coord.MarkDelivered(ctx, "bob", msg.ID)
	if err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
	if !again.DeliveredAt.Equal(firstAt) {
		t.Fatalf("repeat ack moved the timestamp")
	}
	if f.bus.count() != published {
		t.Fatalf("repeat ack published an extra event")
	}
}

func TestMarkReadBackfillsDeliveryAndResetsUnread(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "hello")
	ctx := context.Background()

	got, err := f.coord.MarkRead(ctx, "bob", msg.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got.Status != models.StatusRead || got.ReadAt == nil || got.DeliveredAt == nil {
		t.Fatalf("read must backfill delivery: %+v", got)
	}

	conv, _ := f.convs.Get(msg.ConversationID)
	if conv.UnreadFor("bob") != 0 {
		t.Fatalf("bob unread after read = %d, want 0", conv.UnreadFor("bob"))
	}

	ev, _ := f.bus.last()
	if ev.EventType != models.EventMessageRead {
		t.Fatalf("last event = %s, want MESSAGE_READ", ev.EventType)
	}

	// READ is terminal; a late delivery ack must not regress it.
	late, err := f.coord.MarkDelivered(ctx, "bob", msg.ID)
	if err != nil {
		t.Fatalf("late ack: %v", err)
	}
	if late.Status != models.StatusRead {
		t.Fatalf("status regressed to %s", late.Status)
	}
}

func TestDeleteMessageRules(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "regrettable")
	ctx := context.Background()

	if _, err := f.coord.DeleteMessage(ctx, "bob", msg.ID); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("receiver delete err = %v, want ErrPermission", err)
	}

	got, err := f.coord.DeleteMessage(ctx, "alice", msg.ID)
	if err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	if !got.Deleted || got.DeletedAt == nil {
		t.Fatalf("message not tombstoned: %+v", got)
	}

	if _, err := f.coord.DeleteMessage(ctx, "alice", msg.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("double delete err = %v, want ErrConflict", err)
	}
}

func TestHistoryPagingAndPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var convID string
	for i := 0; i < 5; i++ {
		msg := f.send(t, "alice", "bob", "msg")
		convID = msg.ConversationID
	}

	page, err := f.coord.History(ctx, "bob", convID, "", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page = %d messages, want 3", len(page))
	}
	// Newest first.
	if page[0].CreatedAt.Before(page[2].CreatedAt) {
		t.Fatalf("history not newest-first")
	}

	rest, err := f.coord.History(ctx, "bob", convID, page[2].ID, 10)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("second page = %d messages, want 2", len(rest))
	}

	if _, err := f.coord.History(ctx, "mallory", convID, "", 10); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("outsider history err = %v, want ErrPermission", err)
	}
}

func TestHandleConnectFlushesQueuedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three sends while bob is offline; the relay would have parked the
	// first two in the inbox, the third only made the durable index.
	m1 := f.send(t, "alice", "bob", "one")
	m2 := f.send(t, "alice", "bob", "two")
	m3 := f.send(t, "alice", "bob", "three")
	_ = f.inbox.Push(ctx, "bob", m1.ID)
	_ = f.inbox.Push(ctx, "bob", m2.ID)

	f.sessions.connected["bob"] = true
	publishedBefore := f.bus.count()

	flushed, err := f.coord.HandleConnect(ctx, "bob")
	if err != nil {
		t.Fatalf("handle connect: %v", err)
	}
	if flushed != 3 {
		t.Fatalf("flushed = %d, want 3", flushed)
	}
	if !f.presence.IsOnline(ctx, "bob") {
		t.Fatalf("bob should be marked online")
	}

	frames := f.sessions.framesFor("bob")
	if len(frames) != 3 {
		t.Fatalf("bob got %d frames, want 3", len(frames))
	}
	var first models.Frame
	_ = json.Unmarshal(frames[0], &first)
	if first.Message == nil || first.Message.ID != m1.ID {
		t.Fatalf("first flushed frame = %+v, want %s", first, m1.ID)
	}

	for _, id := range []string{m1.ID, m2.ID, m3.ID} {
		got, _ := f.store.Get(id)
		if got.Status != models.StatusDelivered {
			t.Fatalf("message %s = %s, want DELIVERED", id, got.Status)
		}
	}
	if f.bus.count()-publishedBefore != 3 {
		t.Fatalf("expected one MESSAGE_DELIVERED per flushed message")
	}

	// A second connect finds nothing left.
	flushed, err = f.coord.HandleConnect(ctx, "bob")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if flushed != 0 {
		t.Fatalf("second connect flushed %d, want 0", flushed)
	}
}

func TestDeletedMessageIgnoresAcksAndReconnectFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.send(t, "alice", "bob", "retracted")
	_ = f.inbox.Push(ctx, "bob", msg.ID)

	if _, err := f.coord.DeleteMessage(ctx, "alice", msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// A late receiver ack must not advance the tombstone.
	got, err := f.coord.MarkDelivered(ctx, "bob", msg.ID)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if got.Status != models.StatusSent || got.DeliveredAt != nil {
		t.Fatalf("deleted message advanced: status=%s deliveredAt=%v", got.Status, got.DeliveredAt)
	}
	if got, err = f.coord.MarkRead(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got.Status != models.StatusSent || got.ReadAt != nil {
		t.Fatalf("deleted message advanced: status=%s readAt=%v", got.Status, got.ReadAt)
	}

	// Deletion cleared the undelivered index, so reconnect pushes nothing.
	pending, err := f.store.FindUndelivered("bob")
	if err != nil {
		t.Fatalf("find undelivered: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("undelivered after delete = %d, want 0", len(pending))
	}

	f.sessions.connected["bob"] = true
	flushed, err := f.coord.HandleConnect(ctx, "bob")
	if err != nil {
		t.Fatalf("handle connect: %v", err)
	}
	if flushed != 0 {
		t.Fatalf("flushed = %d, want 0", flushed)
	}
	if frames := f.sessions.framesFor("bob"); len(frames) != 0 {
		t.Fatalf("bob received %d frames for a deleted message", len(frames))
	}
	final, _ := f.store.Get(msg.ID)
	if final.Status != models.StatusSent || !final.Deleted {
		t.Fatalf("final state = status=%s deleted=%v, want SENT tombstone", final.Status, final.Deleted)
	}
}

func TestFlushKeepsMessageSentWhenPushFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.send(t, "alice", "bob", "hold on")
	_ = f.inbox.Push(ctx, "bob", msg.ID)

	f.sessions.connected["bob"] = true
	f.sessions.failPush = true

	flushed, err := f.coord.HandleConnect(ctx, "bob")
	if err != nil {
		t.Fatalf("handle connect: %v", err)
	}
	if flushed != 0 {
		t.Fatalf("flushed = %d, want 0 when no device accepts", flushed)
	}
	got, _ := f.store.Get(msg.ID)
	if got.Status != models.StatusSent {
		t.Fatalf("status = %s, want SENT after failed push", got.Status)
	}
	if n, _ := f.inbox.Len(ctx, "bob"); n != 1 {
		t.Fatalf("inbox len = %d, want the entry re-queued", n)
	}

	// The next connect, with a working device, delivers it.
	f.sessions.failPush = false
	flushed, err = f.coord.HandleConnect(ctx, "bob")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if flushed != 1 {
		t.Fatalf("second connect flushed %d, want 1", flushed)
	}
	got, _ = f.store.Get(msg.ID)
	if got.Status != models.StatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", got.Status)
	}
}

func TestHistoryUsesConfiguredDefaultLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.send(t, "alice", "bob", "m0")
	for i := 1; i < 4; i++ {
		_, err := f.coord.SendMessage(ctx, "alice", SendRequest{
			ConversationID: first.ConversationID, Kind: models.ContentText, Data: "more",
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	f.coord.SetHistoryLimit(2)
	page, err := f.coord.History(ctx, "bob", first.ConversationID, "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want configured default 2", len(page))
	}
}

func TestDisconnectClearsPresenceOnLastDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.coord.HandleConnect(ctx, "bob"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.coord.HandleDisconnect(ctx, "bob", false)
	if !f.presence.IsOnline(ctx, "bob") {
		t.Fatalf("presence cleared while another device remained")
	}
	f.coord.HandleDisconnect(ctx, "bob", true)
	if f.presence.IsOnline(ctx, "bob") {
		t.Fatalf("presence should clear with the last device")
	}
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.coord.CreateGroup(ctx,
		models.Participant{UserID: "alice", DisplayName: "Alice"},
		"team", "the team",
		[]models.Participant{{UserID: "bob", DisplayName: "Bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if _, err := f.coord.AddParticipant(ctx, "bob", conv.ID, models.Participant{UserID: "carol", DisplayName: "Carol"}); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("non-admin add err = %v, want ErrPermission", err)
	}
	if _, err := f.coord.AddParticipant(ctx, "alice", conv.ID, models.Participant{UserID: "carol", DisplayName: "Carol"}); err != nil {
		t.Fatalf("admin add: %v", err)
	}

	// Carol can leave on her own; bob cannot remove alice.
	if _, err := f.coord.RemoveParticipant(ctx, "carol", conv.ID, "carol"); err != nil {
		t.Fatalf("self removal: %v", err)
	}
	if _, err := f.coord.RemoveParticipant(ctx, "bob", conv.ID, "alice"); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("non-admin removal err = %v, want ErrPermission", err)
	}

	got, err := f.coord.GetConversation(ctx, "alice", conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.IsParticipant("carol") {
		t.Fatalf("carol should be gone")
	}
}

func TestConversationsListedForUser(t *testing.T) {
	f := newFixture(t)
	f.send(t, "alice", "bob", "hi bob")
	f.send(t, "alice", "carol", "hi carol")

	convs, err := f.coord.Conversations(context.Background(), "alice")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("alice conversations = %d, want 2", len(convs))
	}
}
