// Package directory holds the local copy of the user's conversation
// list: ordered most-recently-active-first, merged on conflict, with
// unread bookkeeping. The REST backend stays authoritative; the
// directory is the client's working view of it.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/model"
	"github.com/pmelo/clipchat/internal/store"
)

const defaultPageSize = 50

// Lister is the REST surface the directory needs. *rest.Client
// satisfies it.
type Lister interface {
	ListMyConversations(ctx context.Context, page, size int) (model.Page[model.Conversation], error)
}

type Directory struct {
	api    Lister
	cache  *store.DB
	creds  *auth.Credentials
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	list   []model.Conversation
	loaded bool
}

// New builds a directory. cache may be nil to run without the on-disk
// mirror.
func New(api Lister, cache *store.DB, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{api: api, cache: cache, creds: creds, bus: b, logger: logger}
}

// Prime fills the directory from the on-disk cache so the list is
// usable before the first fetch. Does nothing after LoadInitial.
func (d *Directory) Prime() {
	if d.cache == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded || len(d.list) > 0 {
		return
	}
	cached, err := d.cache.ListConversations()
	if err != nil {
		d.logger.Warn("prime from cache failed", zap.Error(err))
		return
	}
	d.list = cached
	d.logger.Info("directory primed from cache", zap.Int("conversations", len(cached)))
}

// LoadInitial fetches the conversation list once per session. Repeat
// calls are no-ops; use Refresh for an explicit refetch.
func (d *Directory) LoadInitial(ctx context.Context) error {
	d.mu.Lock()
	if d.loaded {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.Refresh(ctx)
}

// Refresh refetches every page and replaces local state.
func (d *Directory) Refresh(ctx context.Context) error {
	var all []model.Conversation
	for page := 0; ; page++ {
		p, err := d.api.ListMyConversations(ctx, page, defaultPageSize)
		if err != nil {
			return fmt.Errorf("refresh directory: %w", err)
		}
		all = append(all, p.Content...)
		if p.Last || len(p.Content) == 0 {
			break
		}
	}

	d.mu.Lock()
	d.list = all
	d.loaded = true
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.ClearConversations(); err != nil {
			d.logger.Warn("cache clear failed", zap.Error(err))
		}
		// Keep the fetched ordering: newer activity gets a later stamp.
		base := time.Now().Add(-time.Duration(len(all)) * time.Millisecond)
		for i, c := range all {
			at := base.Add(time.Duration(len(all)-i) * time.Millisecond)
			if err := d.cache.UpsertConversation(c, at); err != nil {
				d.logger.Warn("cache write failed", zap.Error(err),
					zap.String("conversation_id", c.ConversationID))
			}
		}
	}

	d.logger.Info("directory loaded", zap.Int("conversations", len(all)))
	d.notify()
	return nil
}

// Add inserts a conversation at the head of the list. When an entry
// with the same id exists, incoming non-empty fields overwrite it and
// everything the incoming record omits is preserved, so a partial
// update cannot erase known participant or avatar data.
func (d *Directory) Add(c model.Conversation) {
	d.mu.Lock()
	merged := c
	if i := d.indexOf(c.ConversationID); i >= 0 {
		existing := d.list[i]
		if err := copier.CopyWithOption(&existing, &c, copier.Option{IgnoreEmpty: true}); err != nil {
			d.logger.Warn("conversation merge failed", zap.Error(err))
		} else {
			merged = existing
		}
		d.list = append(d.list[:i], d.list[i+1:]...)
	}
	d.list = append([]model.Conversation{merged}, d.list...)
	d.mu.Unlock()

	d.persist(merged, time.Now())
	d.notify()
}

// UpdateNewestMessage attaches m as the conversation's newest-message
// snapshot and moves it to the head. The unread counter grows unless
// the sender is the current user. Unknown conversation ids get a
// minimal placeholder entry so the preview still shows up.
func (d *Directory) UpdateNewestMessage(conversationID string, m *model.Message) {
	if conversationID == "" || m == nil {
		return
	}
	self := d.creds.UserID()

	d.mu.Lock()
	var c model.Conversation
	if i := d.indexOf(conversationID); i >= 0 {
		c = d.list[i]
		d.list = append(d.list[:i], d.list[i+1:]...)
	} else {
		c = model.Conversation{ConversationID: conversationID}
	}
	c.NewestChatMessage = m
	if m.SenderID != self {
		c.UnreadCount++
		c.HasUnreadMessages = true
	}
	d.list = append([]model.Conversation{c}, d.list...)
	d.mu.Unlock()

	d.persist(c, activityTime(m))
	d.notify()
}

// MarkRead zeroes the unread counter without touching message content.
func (d *Directory) MarkRead(conversationID string) {
	d.mu.Lock()
	var updated *model.Conversation
	if i := d.indexOf(conversationID); i >= 0 {
		d.list[i].UnreadCount = 0
		d.list[i].HasUnreadMessages = false
		c := d.list[i]
		updated = &c
	}
	d.mu.Unlock()

	if updated != nil {
		d.persist(*updated, time.Time{})
		d.notify()
	}
}

// UpdateMessageReadStatus annotates the newest-message snapshot with
// the reader set, but only when the snapshot is the message the
// receipt refers to.
func (d *Directory) UpdateMessageReadStatus(u model.ReadStatusUpdate) {
	d.mu.Lock()
	var updated *model.Conversation
	if i := d.indexOf(u.ConversationID); i >= 0 {
		newest := d.list[i].NewestChatMessage
		if newest != nil && newest.ID == u.MessageID {
			snapshot := *newest
			snapshot.ReadParticipantsID = u.ReadParticipantsID
			snapshot.ReadCount = u.ReadCount
			d.list[i].NewestChatMessage = &snapshot
			c := d.list[i]
			updated = &c
		}
	}
	d.mu.Unlock()

	if updated != nil {
		d.persist(*updated, time.Time{})
		d.notify()
	}
}

// Remove drops one conversation from the directory.
func (d *Directory) Remove(conversationID string) {
	d.mu.Lock()
	if i := d.indexOf(conversationID); i >= 0 {
		d.list = append(d.list[:i], d.list[i+1:]...)
	}
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.DeleteConversation(conversationID); err != nil {
			d.logger.Warn("cache delete failed", zap.Error(err))
		}
	}
	d.notify()
}

// Clear empties the directory. Used on logout.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.list = nil
	d.loaded = false
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.ClearConversations(); err != nil {
			d.logger.Warn("cache clear failed", zap.Error(err))
		}
	}
	d.notify()
}

// Conversations returns a snapshot of the ordered list.
func (d *Directory) Conversations() []model.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Conversation, len(d.list))
	copy(out, d.list)
	return out
}

// Get looks up one conversation by id.
func (d *Directory) Get(conversationID string) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(conversationID); i >= 0 {
		return d.list[i], true
	}
	return model.Conversation{}, false
}

// indexOf must be called with d.mu held.
func (d *Directory) indexOf(conversationID string) int {
	for i := range d.list {
		if d.list[i].ConversationID == conversationID {
			return i
		}
	}
	return -1
}

func (d *Directory) persist(c model.Conversation, activityAt time.Time) {
	if d.cache == nil {
		return
	}
	if err := d.cache.UpsertConversation(c, activityAt); err != nil {
		d.logger.Warn("cache write failed", zap.Error(err),
			zap.String("conversation_id", c.ConversationID))
	}
}

func (d *Directory) notify() {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: bus.KindDirectoryUpdated, Timestamp: time.Now()})
}

func activityTime(m *model.Message) time.Time {
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		return t
	}
	return time.Now()
}
