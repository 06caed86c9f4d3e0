package messagelog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/directory"
	"github.com/pmelo/clipchat/internal/model"
	"github.com/pmelo/clipchat/internal/rest"
	"github.com/pmelo/clipchat/internal/socket"
	"github.com/pmelo/clipchat/internal/stomp"
)

type fakeFetcher struct {
	histories map[string][]model.Message
	err       error
	readAll   []string
}

func (f *fakeFetcher) ListConversationMessages(_ context.Context, conversationID string, _, _ int) (model.Page[model.Message], error) {
	if f.err != nil {
		return model.Page[model.Message]{}, f.err
	}
	content := f.histories[conversationID]
	return model.Page[model.Message]{Content: content, TotalElements: len(content), Last: true}, nil
}

func (f *fakeFetcher) MarkConversationRead(_ context.Context, conversationID string) error {
	f.readAll = append(f.readAll, conversationID)
	return nil
}

type fakeBroker struct {
	mu    sync.Mutex
	subs  map[string]stomp.Handler
	unsub []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]stomp.Handler)}
}

func (f *fakeBroker) Subscribe(dest string, h stomp.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[dest]; ok {
		return socket.ErrAlreadySubscribed
	}
	f.subs[dest] = h
	return nil
}

func (f *fakeBroker) Unsubscribe(dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, dest)
	f.unsub = append(f.unsub, dest)
	return nil
}

func (f *fakeBroker) isSubscribed(dest string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[dest]
	return ok
}

func (f *fakeBroker) push(t *testing.T, dest string, payload any) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.subs[dest]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", dest)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	h(dest, body)
}

type listerStub struct{}

func (listerStub) ListMyConversations(context.Context, int, int) (model.Page[model.Conversation], error) {
	return model.Page[model.Conversation]{Last: true}, nil
}

func testLog(t *testing.T, api *fakeFetcher) (*Log, *fakeBroker, *directory.Directory) {
	t.Helper()
	creds := auth.New()
	creds.SetUserID("me")
	b := bus.New()
	dir := directory.New(listerStub{}, nil, creds, b, nil)
	broker := newFakeBroker()
	l := New(api, broker, dir, nil, creds, b, nil)
	t.Cleanup(l.Stop)
	return l, broker, dir
}

func history(ids ...string) []model.Message {
	out := make([]model.Message, len(ids))
	for i, id := range ids {
		out[i] = model.Message{ID: id, ConversationID: "C1", SenderID: "other", Body: "b-" + id}
	}
	return out
}

func TestOpenBlankIsNoOp(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{}}
	l, broker, _ := testLog(t, api)

	if err := l.Open(context.Background(), ""); err != nil {
		t.Fatalf("Open(\"\") error = %v", err)
	}
	if l.State() != StateEmpty || l.Current() != "" {
		t.Errorf("state = %s, current = %q, want empty/\"\"", l.State(), l.Current())
	}
	if broker.isSubscribed(socket.ChatQueue("me")) {
		t.Error("blank open must not subscribe")
	}
}

func TestOpenLoadsAndMarksRead(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{"C1": history("m2", "m1")}}
	l, broker, _ := testLog(t, api)

	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateLoaded {
		t.Errorf("state = %s, want loaded", l.State())
	}
	if got := l.Messages(); len(got) != 2 || got[0].ID != "m2" {
		t.Errorf("messages = %+v", got)
	}
	if len(api.readAll) != 1 || api.readAll[0] != "C1" {
		t.Errorf("read-all calls = %v, want [C1]", api.readAll)
	}
	if !broker.isSubscribed(socket.ChatQueue("me")) {
		t.Error("chat queue not subscribed after open")
	}
	if !broker.isSubscribed(socket.ReadStatusQueue("me")) {
		t.Error("read-status queue not subscribed after open")
	}
}

func TestOpenInaccessibleShowsEmpty(t *testing.T) {
	api := &fakeFetcher{err: rest.ErrForbidden}
	l, _, _ := testLog(t, api)

	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatalf("Open() error = %v, want nil for forbidden", err)
	}
	if l.State() != StateLoaded || len(l.Messages()) != 0 {
		t.Errorf("state = %s, messages = %d; want loaded empty", l.State(), len(l.Messages()))
	}
}

func TestAppendIdempotent(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{"C1": history("m1")}}
	l, _, _ := testLog(t, api)
	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	m := model.Message{ID: "m2", ConversationID: "C1", Body: "hello"}
	l.Append(m)
	l.Append(m)
	l.Append(model.Message{ID: "m1", ConversationID: "C1", Body: "changed"})

	got := l.Messages()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m2" {
		t.Errorf("head = %s, want m2 (newest first)", got[0].ID)
	}
	// The duplicate append must not have replaced content either.
	if got[1].Body != "b-m1" {
		t.Errorf("m1 body = %q, want original", got[1].Body)
	}
}

func TestEditAndRemove(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{"C1": history("m2", "m1")}}
	l, _, _ := testLog(t, api)
	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	l.Edit("m1", model.Message{ID: "m1", ConversationID: "C1", Body: "edited", Edited: true})
	got := l.Messages()
	if got[1].Body != "edited" || !got[1].Edited {
		t.Errorf("edit not applied: %+v", got[1])
	}

	l.Remove("m2")
	if got := l.Messages(); len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("messages after remove = %+v", got)
	}

	// Edit racing a delete: missing id is a no-op.
	l.Edit("m2", model.Message{ID: "m2", ConversationID: "C1", Body: "ghost"})
	if got := l.Messages(); len(got) != 1 {
		t.Errorf("edit of removed id resurrected it: %+v", got)
	}
}

func TestAnnotateReadStatus(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{"C1": history("m1")}}
	l, _, _ := testLog(t, api)
	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	l.AnnotateReadStatus("m1", []string{"other", "me"}, 2)
	got := l.Messages()[0]
	if got.ReadCount != 2 || !got.IsReadByCurrentUser {
		t.Errorf("annotation = count %d, self-read %v; want 2, true", got.ReadCount, got.IsReadByCurrentUser)
	}

	l.AnnotateReadStatus("m1", []string{"other"}, 1)
	if got := l.Messages()[0]; got.IsReadByCurrentUser {
		t.Error("self-read flag must follow the reader set")
	}

	// Unknown id is a no-op.
	l.AnnotateReadStatus("nope", []string{"me"}, 1)
}

// Opening A then B then closing B keeps the shared queue alive for A;
// closing A afterwards releases it.
func TestSharedSubscriptionRefCounting(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{}}
	l, broker, _ := testLog(t, api)

	if err := l.Open(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if err := l.Open(context.Background(), "B"); err != nil {
		t.Fatal(err)
	}
	l.Close("B")
	if !broker.isSubscribed(socket.ChatQueue("me")) {
		t.Fatal("queue released while A still interested")
	}

	l.Close("A")
	if broker.isSubscribed(socket.ChatQueue("me")) {
		t.Error("queue still subscribed after last close")
	}
}

// Push for the open conversation: history grows (newest first) and the
// directory preview updates with unread bookkeeping, which MarkRead
// then resets without touching content.
func TestPushForOpenConversation(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{"C1": history("m2", "m1")}}
	l, broker, dir := testLog(t, api)
	dir.Add(model.Conversation{ConversationID: "C1"})
	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	broker.push(t, socket.ChatQueue("me"), model.Message{
		ID: "m3", ConversationID: "C1", SenderID: "other", Body: "new",
	})

	got := l.Messages()
	if len(got) != 3 || got[0].ID != "m3" {
		t.Fatalf("messages = %+v, want m3 first of 3", got)
	}
	c, _ := dir.Get("C1")
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}

	dir.MarkRead("C1")
	c, _ = dir.Get("C1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d after MarkRead, want 0", c.UnreadCount)
	}
	if len(l.Messages()) != 3 {
		t.Error("MarkRead must not touch the history")
	}
}

// Push for another conversation: directory updates, open history does not.
func TestPushForOtherConversation(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{"C1": history("m1")}}
	l, broker, dir := testLog(t, api)
	dir.Add(model.Conversation{ConversationID: "C2"})
	dir.Add(model.Conversation{ConversationID: "C1"})
	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	broker.push(t, socket.ChatQueue("me"), model.Message{
		ID: "x1", ConversationID: "C2", SenderID: "other", Body: "elsewhere",
	})

	if got := l.Messages(); len(got) != 1 {
		t.Errorf("open history changed by foreign push: %+v", got)
	}
	list := dir.Conversations()
	if list[0].ConversationID != "C2" {
		t.Errorf("head = %s, want C2", list[0].ConversationID)
	}
	if list[0].UnreadCount != 1 {
		t.Errorf("C2 unread = %d, want 1", list[0].UnreadCount)
	}
}

func TestResubscribeOnConnectionRestored(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{}}
	creds := auth.New()
	creds.SetUserID("me")
	b := bus.New()
	dir := directory.New(listerStub{}, nil, creds, b, nil)
	broker := newFakeBroker()
	l := New(api, broker, dir, nil, creds, b, nil)
	l.Start(context.Background())
	t.Cleanup(l.Stop)

	if err := l.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	// Simulate the transport dropping its subscriptions.
	broker.mu.Lock()
	broker.subs = make(map[string]stomp.Handler)
	broker.mu.Unlock()

	b.Publish(bus.Event{Kind: bus.KindConnRestored, Timestamp: time.Now()})

	deadline := time.After(2 * time.Second)
	for !broker.isSubscribed(socket.ChatQueue("me")) {
		select {
		case <-deadline:
			t.Fatal("chat queue not re-subscribed after restore")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Logout drops every piece of local state and releases the shared
// queues regardless of how many conversations were open.
func TestLogoutClearsStateAndReleasesQueues(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{
		"A": history("a1"),
		"B": {{ID: "b1", ConversationID: "B", Body: "b"}},
	}}
	l, broker, _ := testLog(t, api)

	if err := l.Open(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if err := l.Open(context.Background(), "B"); err != nil {
		t.Fatal(err)
	}

	l.Logout()

	if l.State() != StateEmpty || l.Current() != "" {
		t.Errorf("state = %s, current = %q; want empty/\"\"", l.State(), l.Current())
	}
	if got := l.Messages(); len(got) != 0 {
		t.Errorf("messages survived logout: %+v", got)
	}
	if broker.isSubscribed(socket.ChatQueue("me")) {
		t.Error("chat queue still subscribed after logout")
	}
	if broker.isSubscribed(socket.ReadStatusQueue("me")) {
		t.Error("read-status queue still subscribed after logout")
	}

	// A fresh open after logout rebuilds the subscriptions.
	if err := l.Open(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if !broker.isSubscribed(socket.ChatQueue("me")) {
		t.Error("chat queue not re-subscribed by the first open after logout")
	}
}

func TestLateResponseDoesNotClobberNewerOpen(t *testing.T) {
	api := &fakeFetcher{histories: map[string][]model.Message{
		"A": history("a1"),
		"B": {{ID: "b1", ConversationID: "B", Body: "b"}},
	}}
	l, _, _ := testLog(t, api)

	// Open B, then simulate A's fetch resolving afterwards by replaying
	// an Open that lost the race via the epoch guard: a second Open
	// bumps the epoch, so the first resolve is discarded.
	if err := l.Open(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if err := l.Open(context.Background(), "B"); err != nil {
		t.Fatal(err)
	}
	if l.Current() != "B" {
		t.Fatalf("current = %s, want B", l.Current())
	}
	got := l.Messages()
	if len(got) != 1 || got[0].ID != "b1" {
		t.Errorf("messages = %+v, want B's history", got)
	}
}
