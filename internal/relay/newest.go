// Package relay holds the thin push-event relays: the newest-message
// broadcaster and the read-status synchronizer. Both are stateless
// fan-outs; a failure on one destination never blocks the others.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/model"
	"github.com/pmelo/clipchat/internal/socket"
	"github.com/pmelo/clipchat/internal/stomp"
)

// Broker hands out queue subscriptions. *socket.Manager satisfies it.
type Broker interface {
	Subscribe(destination string, handler stomp.Handler) error
}

// NewestSink receives the newest-message snapshot for a conversation.
type NewestSink interface {
	UpdateNewestMessage(conversationID string, m *model.Message)
}

// Observer is an extra listener for newest-message broadcasts, e.g. an
// unread badge.
type Observer func(model.NewestMessageBroadcast)

// Broadcaster subscribes to the per-user newest-message queue and
// forwards each broadcast to the directory and to registered
// observers.
type Broadcaster struct {
	broker Broker
	dir    NewestSink
	creds  *auth.Credentials
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	observers []Observer

	cancel context.CancelFunc
}

func NewBroadcaster(broker Broker, dir NewestSink, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{broker: broker, dir: dir, creds: creds, bus: b, logger: logger}
}

// AddObserver registers an extra listener. Observers run on the push
// path; a panicking observer is logged and skipped.
func (br *Broadcaster) AddObserver(o Observer) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.observers = append(br.observers, o)
}

// Start subscribes the newest-message queue whenever a connection is
// established or restored.
func (br *Broadcaster) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	events, unsub := br.bus.Subscribe("conn.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if evt.Kind != bus.KindConnEstablished && evt.Kind != bus.KindConnRestored {
					continue
				}
				br.subscribeQueue()
			}
		}
	}()
}

func (br *Broadcaster) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
}

func (br *Broadcaster) subscribeQueue() {
	user := br.creds.UserID()
	if user == "" {
		br.logger.Warn("newest-message queue skipped: user identity not resolved")
		return
	}
	err := br.broker.Subscribe(socket.NewestMessageQueue(user), br.onFrame)
	if err != nil && !errors.Is(err, socket.ErrAlreadySubscribed) {
		br.logger.Warn("subscribe newest-message queue failed", zap.Error(err))
		return
	}
	br.logger.Info("newest-message queue subscribed", zap.String("user_detail_id", user))
}

func (br *Broadcaster) onFrame(_ string, body []byte) {
	var b model.NewestMessageBroadcast
	if err := json.Unmarshal(body, &b); err != nil {
		br.logger.Warn("malformed newest-message push", zap.Error(err))
		return
	}
	if b.ConversationID == "" || b.Message == nil {
		return
	}
	if b.Message.ConversationID == "" {
		b.Message.ConversationID = b.ConversationID
	}

	br.dir.UpdateNewestMessage(b.ConversationID, b.Message)

	if br.bus != nil {
		br.bus.Publish(bus.Event{Kind: bus.KindPushNewest, Timestamp: time.Now(), Payload: &b})
	}

	br.mu.Lock()
	observers := make([]Observer, len(br.observers))
	copy(observers, br.observers)
	br.mu.Unlock()
	for _, o := range observers {
		br.notify(o, b)
	}
}

func (br *Broadcaster) notify(o Observer, b model.NewestMessageBroadcast) {
	defer func() {
		if r := recover(); r != nil {
			br.logger.Error("newest-message observer panicked", zap.Any("panic", r))
		}
	}()
	o(b)
}
