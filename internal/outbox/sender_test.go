package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/model"
	"github.com/pmelo/clipchat/internal/store"
)

type fakeAPI struct {
	mu     sync.Mutex
	direct []string
	group  []string
	err    error
}

func (f *fakeAPI) SendDirectMessage(_ context.Context, receiverID, text string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Message{}, f.err
	}
	f.direct = append(f.direct, text)
	return model.Message{ID: "srv-" + text, ConversationID: "c1", Body: text}, nil
}

func (f *fakeAPI) SendGroupMessage(_ context.Context, groupID, text string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Message{}, f.err
	}
	f.group = append(f.group, text)
	return model.Message{ID: "srv-" + text, ConversationID: groupID, Body: text}, nil
}

type historyRecorder struct {
	mu       sync.Mutex
	appends  []string
	replaces map[string]string // oldID -> newID
	removes  []string
}

func newHistoryRecorder() *historyRecorder {
	return &historyRecorder{replaces: make(map[string]string)}
}

func (h *historyRecorder) Append(m model.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appends = append(h.appends, m.ID)
}

func (h *historyRecorder) Replace(oldID string, m model.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replaces[oldID] = m.ID
}

func (h *historyRecorder) Remove(messageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removes = append(h.removes, messageID)
}

type previewRecorder struct {
	mu      sync.Mutex
	updates []string
}

func (p *previewRecorder) UpdateNewestMessage(conversationID string, _ *model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, conversationID)
}

func testSender(t *testing.T, api *fakeAPI) (*Sender, *store.DB, *historyRecorder, *previewRecorder, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	creds := auth.New()
	creds.SetUserID("me")
	history := newHistoryRecorder()
	preview := &previewRecorder{}
	b := bus.New()
	return NewSender(db, api, history, preview, creds, b, nil), db, history, preview, b
}

func TestQueueDirectInsertsOptimistically(t *testing.T) {
	s, db, history, _, _ := testSender(t, &fakeAPI{})

	id, err := s.QueueDirect("c1", "ud-2", "hello")
	if err != nil {
		t.Fatal(err)
	}

	history.mu.Lock()
	if len(history.appends) != 1 || history.appends[0] != id {
		t.Errorf("optimistic appends = %v, want [%s]", history.appends, id)
	}
	history.mu.Unlock()

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != id {
		t.Errorf("pending = %+v", pending)
	}
}

func TestDrainReplacesOptimisticCopy(t *testing.T) {
	api := &fakeAPI{}
	s, db, history, preview, b := testSender(t, api)
	acks, unsub := b.Subscribe(bus.KindMessageSent, 10)
	defer unsub()

	id, err := s.QueueDirect("c1", "ud-2", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	select {
	case <-acks:
	case <-time.After(time.Second):
		t.Fatal("no sent event")
	}

	history.mu.Lock()
	if history.replaces[id] != "srv-hello" {
		t.Errorf("replaces = %v, want %s -> srv-hello", history.replaces, id)
	}
	history.mu.Unlock()

	preview.mu.Lock()
	if len(preview.updates) != 1 || preview.updates[0] != "c1" {
		t.Errorf("preview updates = %v, want [c1]", preview.updates)
	}
	preview.mu.Unlock()

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("still pending after drain: %+v", pending)
	}
}

func TestDrainRoutesGroupMessages(t *testing.T) {
	api := &fakeAPI{}
	s, _, _, _, _ := testSender(t, api)

	if _, err := s.QueueGroup("g1", "to the group"); err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.group) != 1 || len(api.direct) != 0 {
		t.Errorf("group sends = %v, direct sends = %v", api.group, api.direct)
	}
}

func TestSendFailureRemovesOptimisticCopy(t *testing.T) {
	api := &fakeAPI{err: errors.New("backend down")}
	s, db, history, _, b := testSender(t, api)
	failures, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	id, err := s.QueueDirect("c1", "ud-2", "doomed")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}

	history.mu.Lock()
	if len(history.removes) != 1 || history.removes[0] != id {
		t.Errorf("removes = %v, want [%s]", history.removes, id)
	}
	history.mu.Unlock()

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("failed entry still pending: %+v", pending)
	}
}
