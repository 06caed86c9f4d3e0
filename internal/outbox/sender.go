// Package outbox queues outgoing messages durably and drains them to
// the REST API. Queued sends survive restarts; an optimistic copy
// shows in the open history immediately and is swapped for the
// server's record on confirmation.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/model"
	"github.com/pmelo/clipchat/internal/store"
)

// MessageSender is the REST surface the outbox drains into.
// *rest.Client satisfies it.
type MessageSender interface {
	SendDirectMessage(ctx context.Context, receiverID, text string) (model.Message, error)
	SendGroupMessage(ctx context.Context, groupID, text string) (model.Message, error)
}

// HistorySink is the message-log surface for optimistic inserts.
type HistorySink interface {
	Append(m model.Message)
	Replace(oldID string, m model.Message)
	Remove(messageID string)
}

// ConversationSink updates the directory preview for a sent message.
type ConversationSink interface {
	UpdateNewestMessage(conversationID string, m *model.Message)
}

// Sender drains the outbox and sends messages via the REST API.
type Sender struct {
	db     *store.DB
	api    MessageSender
	log    HistorySink
	dir    ConversationSink
	creds  *auth.Credentials
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, api MessageSender, log HistorySink, dir ConversationSink, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:     db,
		api:    api,
		log:    log,
		dir:    dir,
		creds:  creds,
		bus:    b,
		logger: logger,
	}
}

// QueueDirect enqueues a direct message to receiverID. The returned id
// is the optimistic client message id.
func (s *Sender) QueueDirect(conversationID, receiverID, text string) (string, error) {
	return s.queue(store.OutboxEntry{
		ClientMsgID:    uuid.NewString(),
		ConversationID: conversationID,
		Kind:           store.OutboxDirect,
		TargetID:       receiverID,
		Body:           text,
	})
}

// QueueGroup enqueues a message to a group conversation.
func (s *Sender) QueueGroup(conversationID, text string) (string, error) {
	return s.queue(store.OutboxEntry{
		ClientMsgID:    uuid.NewString(),
		ConversationID: conversationID,
		Kind:           store.OutboxGroup,
		TargetID:       conversationID,
		Body:           text,
	})
}

func (s *Sender) queue(e store.OutboxEntry) (string, error) {
	if err := s.db.QueueOutbox(e); err != nil {
		return "", err
	}
	// Optimistic insert: show the message immediately.
	s.log.Append(s.optimistic(e))
	return e.ClientMsgID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		var sent model.Message
		if entry.Kind == store.OutboxGroup {
			sent, err = s.api.SendGroupMessage(ctx, entry.TargetID, entry.Body)
		} else {
			sent, err = s.api.SendDirectMessage(ctx, entry.TargetID, entry.Body)
		}
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.log.Remove(entry.ClientMsgID)
			s.bus.Publish(bus.Event{
				Kind:      bus.KindMessageSendFailed,
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, sent.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if sent.ConversationID == "" {
			sent.ConversationID = entry.ConversationID
		}

		// Swap the optimistic copy for the server's record and refresh
		// the directory preview.
		s.log.Replace(entry.ClientMsgID, sent)
		s.dir.UpdateNewestMessage(sent.ConversationID, &sent)

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", sent.ID))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSent,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"server_msg_id": sent.ID,
			},
		})
	}
}

func (s *Sender) optimistic(e store.OutboxEntry) model.Message {
	return model.Message{
		ID:             e.ClientMsgID,
		ConversationID: e.ConversationID,
		SenderID:       s.creds.UserID(),
		Body:           e.Body,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
}
