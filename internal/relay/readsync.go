package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/model"
)

// MessageAnnotator is the message-log side of a read receipt.
type MessageAnnotator interface {
	AnnotateReadStatus(messageID string, readerIDs []string, readCount int)
}

// ConversationAnnotator is the directory side of a read receipt.
type ConversationAnnotator interface {
	UpdateMessageReadStatus(u model.ReadStatusUpdate)
}

// Synchronizer relays read-receipt pushes to the message log and the
// conversation directory. Each destination is attempted independently.
type Synchronizer struct {
	bus    *bus.Bus
	log    MessageAnnotator
	dir    ConversationAnnotator
	logger *zap.Logger

	cancel context.CancelFunc
}

func NewSynchronizer(b *bus.Bus, log MessageAnnotator, dir ConversationAnnotator, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{bus: b, log: log, dir: dir, logger: logger}
}

func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	events, unsub := s.bus.Subscribe(bus.KindPushReadStatus, 64)

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
				u, ok := evt.Payload.(*model.ReadStatusUpdate)
				if !ok || u == nil {
					continue
				}
				s.relay(*u)
			}
		}
	}()
}

func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Synchronizer) relay(u model.ReadStatusUpdate) {
	s.guard("message log", func() {
		s.log.AnnotateReadStatus(u.MessageID, u.ReadParticipantsID, u.ReadCount)
	})
	s.guard("conversation directory", func() {
		s.dir.UpdateMessageReadStatus(u)
	})
}

// guard keeps one failing destination from blocking the other.
func (s *Synchronizer) guard(dest string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("read-status relay failed",
				zap.String("destination", dest), zap.Any("panic", r))
		}
	}()
	fn()
}
