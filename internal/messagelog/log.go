// Package messagelog holds the message history of the one currently
// open conversation and owns the shared chat-queue subscription. All
// live message delivery for a user arrives on a single broker queue,
// so the log multiplexes: pushes for the open conversation are
// appended locally, pushes for any other conversation only update the
// directory preview.
package messagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/model"
	"github.com/pmelo/clipchat/internal/rest"
	"github.com/pmelo/clipchat/internal/socket"
	"github.com/pmelo/clipchat/internal/stomp"
	"github.com/pmelo/clipchat/internal/store"
)

// Log load states.
const (
	StateEmpty   = "empty"
	StateLoading = "loading"
	StateLoaded  = "loaded"
)

// Fetcher is the REST surface the log needs. *rest.Client satisfies it.
type Fetcher interface {
	ListConversationMessages(ctx context.Context, conversationID string, page, size int) (model.Page[model.Message], error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// historyPageSize is the snapshot size fetched on open.
const historyPageSize = 100

// Broker hands out queue subscriptions. *socket.Manager satisfies it.
type Broker interface {
	Subscribe(destination string, handler stomp.Handler) error
	Unsubscribe(destination string) error
}

// ConversationSink is the slice of the directory the log feeds.
type ConversationSink interface {
	UpdateNewestMessage(conversationID string, m *model.Message)
	MarkRead(conversationID string)
}

type Log struct {
	api    Fetcher
	broker Broker
	dir    ConversationSink
	cache  *store.DB
	creds  *auth.Credentials
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	state      string
	current    string
	epoch      int
	msgs       []model.Message
	interest   map[string]struct{}
	subscribed bool

	cancel context.CancelFunc
}

func New(api Fetcher, broker Broker, dir ConversationSink, cache *store.DB, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		api:      api,
		broker:   broker,
		dir:      dir,
		cache:    cache,
		creds:    creds,
		bus:      b,
		logger:   logger,
		state:    StateEmpty,
		interest: make(map[string]struct{}),
	}
}

// Start listens for connection-restored signals and re-establishes the
// shared queue subscriptions while any conversation is open.
func (l *Log) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	events, unsub := l.bus.Subscribe(bus.KindConnRestored, 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				l.resubscribe()
			}
		}
	}()
}

// Stop cancels the restore listener. The open conversation, if any,
// stays open.
func (l *Log) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Open makes conversationID the current conversation: fetch its
// history, mark it read, and make sure the shared queues are
// subscribed. A blank id means "no conversation open" and just clears
// local state. A 404 or 403 on the fetch shows as an empty history,
// not an error.
func (l *Log) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		l.mu.Lock()
		l.current = ""
		l.msgs = nil
		l.state = StateEmpty
		l.epoch++
		l.mu.Unlock()
		return nil
	}

	l.mu.Lock()
	l.current = conversationID
	l.msgs = nil
	l.state = StateLoading
	l.epoch++
	epoch := l.epoch
	l.interest[conversationID] = struct{}{}
	l.mu.Unlock()

	page, err := l.api.ListConversationMessages(ctx, conversationID, 0, historyPageSize)
	msgs := page.Content
	if errors.Is(err, rest.ErrNotFound) || errors.Is(err, rest.ErrForbidden) {
		l.logger.Info("conversation not accessible, showing empty",
			zap.String("conversation_id", conversationID), zap.Error(err))
		msgs, err = nil, nil
	}

	l.mu.Lock()
	if l.epoch != epoch {
		// A later Open or close superseded this fetch.
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		l.state = StateEmpty
		l.msgs = nil
		l.mu.Unlock()
		return fmt.Errorf("open conversation: %w", err)
	}
	l.msgs = msgs
	l.state = StateLoaded
	l.mu.Unlock()

	if l.cache != nil {
		if cerr := l.cache.ReplaceMessages(conversationID, msgs); cerr != nil {
			l.logger.Warn("cache history write failed", zap.Error(cerr))
		}
	}

	l.dir.MarkRead(conversationID)
	if rerr := l.api.MarkConversationRead(ctx, conversationID); rerr != nil {
		l.logger.Warn("mark conversation read failed",
			zap.String("conversation_id", conversationID), zap.Error(rerr))
	}

	if serr := l.ensureSubscribed(); serr != nil {
		// Not fatal: the restore listener retries once the
		// connection is back.
		l.logger.Warn("chat queue subscription deferred", zap.Error(serr))
	}
	return nil
}

// Close releases conversationID's interest in the shared chat queue.
// The queue is unsubscribed only when the last interested conversation
// closes. Closing the current conversation also clears the history.
func (l *Log) Close(conversationID string) {
	l.mu.Lock()
	delete(l.interest, conversationID)
	if l.current == conversationID {
		l.current = ""
		l.msgs = nil
		l.state = StateEmpty
		l.epoch++
	}
	teardown := l.subscribed && len(l.interest) == 0
	if teardown {
		l.subscribed = false
	}
	l.mu.Unlock()

	if teardown {
		l.unsubscribeQueues()
	}
}

// Logout clears everything: history, interest set, subscriptions.
func (l *Log) Logout() {
	l.mu.Lock()
	l.current = ""
	l.msgs = nil
	l.state = StateEmpty
	l.epoch++
	l.interest = make(map[string]struct{})
	teardown := l.subscribed
	l.subscribed = false
	l.mu.Unlock()

	if teardown {
		l.unsubscribeQueues()
	}
}

// Append inserts m at the head of the open history. Appends are
/// idempotent by message id: an optimistic local send and its server
// echo collapse into one entry. Messages for other conversations are
// ignored.
func (l *Log) Append(m model.Message) {
	l.mu.Lock()
	if l.current == "" || m.ConversationID != l.current {
		l.mu.Unlock()
		return
	}
	if l.indexOf(m.ID) >= 0 {
		l.mu.Unlock()
		return
	}
	l.msgs = append([]model.Message{m}, l.msgs...)
	l.mu.Unlock()

	if l.cache != nil {
		if err := l.cache.UpsertMessage(m); err != nil {
			l.logger.Warn("cache message write failed", zap.Error(err))
		}
	}
}

// Edit replaces the stored message wholesale. Editing an id that is
// not present (already deleted, or a different conversation) is a
// no-op.
func (l *Log) Edit(messageID string, m model.Message) {
	l.mu.Lock()
	i := l.indexOf(messageID)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	l.msgs[i] = m
	l.mu.Unlock()

	if l.cache != nil {
		if err := l.cache.UpsertMessage(m); err != nil {
			l.logger.Warn("cache message write failed", zap.Error(err))
		}
	}
}

// Remove deletes the stored message by id.
func (l *Log) Remove(messageID string) {
	l.mu.Lock()
	i := l.indexOf(messageID)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	conversationID := l.msgs[i].ConversationID
	l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	l.mu.Unlock()

	if l.cache != nil {
		if err := l.cache.DeleteMessage(conversationID, messageID); err != nil {
			l.logger.Warn("cache message delete failed", zap.Error(err))
		}
	}
}

// Replace swaps the optimistic local copy (oldID) for the server's
// record once a queued send is confirmed. If the server echo already
// arrived on the chat queue, the optimistic copy is just dropped.
func (l *Log) Replace(oldID string, m model.Message) {
	l.mu.Lock()
	i := l.indexOf(oldID)
	if i < 0 {
		l.mu.Unlock()
		l.Append(m)
		return
	}
	if j := l.indexOf(m.ID); j >= 0 && j != i {
		l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	} else {
		l.msgs[i] = m
	}
	l.mu.Unlock()

	if l.cache != nil {
		_ = l.cache.DeleteMessage(m.ConversationID, oldID)
		if err := l.cache.UpsertMessage(m); err != nil {
			l.logger.Warn("cache message write failed", zap.Error(err))
		}
	}
}

// AnnotateReadStatus sets the reader set on the matching message and
// recomputes whether the current user has read it. Unknown ids are
// ignored.
func (l *Log) AnnotateReadStatus(messageID string, readerIDs []string, readCount int) {
	self := l.creds.UserID()

	l.mu.Lock()
	i := l.indexOf(messageID)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	l.msgs[i].ReadParticipantsID = readerIDs
	l.msgs[i].ReadCount = readCount
	l.msgs[i].IsReadByCurrentUser = false
	for _, id := range readerIDs {
		if id == self {
			l.msgs[i].IsReadByCurrentUser = true
			break
		}
	}
	updated := l.msgs[i]
	l.mu.Unlock()

	if l.cache != nil {
		if err := l.cache.UpsertMessage(updated); err != nil {
			l.logger.Warn("cache message write failed", zap.Error(err))
		}
	}
}

// Messages returns a snapshot of the open history, newest first.
func (l *Log) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Current returns the open conversation id, empty when none is open.
func (l *Log) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// State reports the load state: empty, loading, or loaded.
func (l *Log) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// indexOf must be called with l.mu held.
func (l *Log) indexOf(messageID string) int {
	for i := range l.msgs {
		if l.msgs[i].ID == messageID {
			return i
		}
	}
	return -1
}

// ensureSubscribed lazily establishes the shared chat and read-status
// queue subscriptions.
func (l *Log) ensureSubscribed() error {
	l.mu.Lock()
	if l.subscribed {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	user := l.creds.UserID()
	if user == "" {
		return errors.New("messagelog: user identity not resolved")
	}

	if err := l.broker.Subscribe(socket.ChatQueue(user), l.onChatFrame); err != nil && !errors.Is(err, socket.ErrAlreadySubscribed) {
		return fmt.Errorf("subscribe chat queue: %w", err)
	}
	if err := l.broker.Subscribe(socket.ReadStatusQueue(user), l.onReadFrame); err != nil && !errors.Is(err, socket.ErrAlreadySubscribed) {
		return fmt.Errorf("subscribe read-status queue: %w", err)
	}

	l.mu.Lock()
	l.subscribed = true
	l.mu.Unlock()
	l.logger.Info("chat queues subscribed", zap.String("user_detail_id", user))
	return nil
}

func (l *Log) unsubscribeQueues() {
	user := l.creds.UserID()
	if user == "" {
		return
	}
	if err := l.broker.Unsubscribe(socket.ChatQueue(user)); err != nil {
		l.logger.Warn("unsubscribe chat queue failed", zap.Error(err))
	}
	if err := l.broker.Unsubscribe(socket.ReadStatusQueue(user)); err != nil {
		l.logger.Warn("unsubscribe read-status queue failed", zap.Error(err))
	}
	l.logger.Info("chat queues released")
}

// resubscribe re-establishes the shared queues after a reconnect while
// a conversation is still open.
func (l *Log) resubscribe() {
	l.mu.Lock()
	wanted := len(l.interest) > 0
	l.subscribed = false
	l.mu.Unlock()

	if !wanted {
		return
	}
	if err := l.ensureSubscribed(); err != nil {
		l.logger.Warn("resubscribe after reconnect failed", zap.Error(err))
	}
}

// onChatFrame handles a live message push. The directory preview
// always updates; the history only grows when the push targets the
// open conversation.
func (l *Log) onChatFrame(_ string, body []byte) {
	var m model.Message
	if err := json.Unmarshal(body, &m); err != nil {
		l.logger.Warn("malformed chat push", zap.Error(err))
		return
	}
	if m.ConversationID == "" {
		return
	}

	l.dir.UpdateNewestMessage(m.ConversationID, &m)
	l.Append(m)
	l.publish(bus.KindPushMessage, &m)
}

// onReadFrame relays a read receipt onto the bus; the read-status
// synchronizer fans it out.
func (l *Log) onReadFrame(_ string, body []byte) {
	var u model.ReadStatusUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		l.logger.Warn("malformed read-status push", zap.Error(err))
		return
	}
	l.publish(bus.KindPushReadStatus, &u)
}

func (l *Log) publish(kind string, payload any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
