package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/config"
	"github.com/pmelo/clipchat/internal/status"
	"github.com/pmelo/clipchat/internal/stomp"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Subscribe/Unsubscribe when no transport
	// is live. Callers re-subscribe after the conn.restored signal instead
	// of queuing.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrAlreadySubscribed enforces the one-subscription-per-destination
	// invariant.
	ErrAlreadySubscribed = errors.New("socket: destination already subscribed")
)

// Transport is the broker session the manager drives. Satisfied by
// *stomp.Conn; tests substitute fakes.
type Transport interface {
	Subscribe(destination string, handler stomp.Handler) error
	Unsubscribe(destination string) error
	Close() error
}

// DialFunc builds a Transport. The default dials STOMP over a websocket.
type DialFunc func(ctx context.Context, url string, opts stomp.Options) (Transport, error)

// Manager owns the single broker connection of a session. It deduplicates
// concurrent connect calls, enforces the bounded reconnection policy and
// publishes connection lifecycle events on the bus. It deliberately does
// not restore subscriptions after a reconnect; owners listen for
// conn.restored and re-subscribe themselves.
type Manager struct {
	cfg     config.Socket
	creds   *auth.Credentials
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	dial    DialFunc

	mu       sync.Mutex
	conn     Transport
	inflight *connectAttempt
	subs     map[string]struct{}
	attempts int
	gen      int // bumped on Disconnect to orphan running reconnect loops
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// NewManager creates a connection manager. dial may be nil to use the real
// STOMP dialer.
func NewManager(cfg config.Socket, creds *auth.Credentials, b *bus.Bus, machine *status.Machine, logger *zap.Logger, dial DialFunc) *Manager {
	if dial == nil {
		dial = func(ctx context.Context, url string, opts stomp.Options) (Transport, error) {
			return stomp.Dial(ctx, url, opts)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		creds:   creds,
		bus:     b,
		machine: machine,
		logger:  logger,
		dial:    dial,
		subs:    make(map[string]struct{}),
	}
}

// IsConnected reports whether a transport is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Attempts returns the number of consecutive failed reconnection attempts.
// It is zeroed on every successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect establishes the broker connection. It is idempotent: when already
// connected it returns immediately, and a call made while an attempt is in
// flight waits for that same attempt instead of starting a second one.
// An explicit Connect also leaves the Suspended state and resets the
// reconnection budget.
func (m *Manager) Connect(ctx context.Context) error {
	token, err := m.creds.Token()
	if err != nil {
		return fmt.Errorf("socket connect: %w", err)
	}

	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		attempt := m.inflight
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.inflight = attempt
	m.attempts = 0
	m.mu.Unlock()

	if cur := m.machine.Current(); cur == status.Offline || cur == status.Suspended {
		_ = m.machine.Transition(status.Connecting)
	}

	conn, err := m.establish(ctx, token)

	m.mu.Lock()
	m.inflight = nil
	if err == nil {
		m.conn = conn
		m.attempts = 0
	}
	attempt.err = err
	m.mu.Unlock()
	close(attempt.done)

	if err != nil {
		_ = m.machine.Transition(status.Offline)
		return err
	}

	_ = m.machine.Transition(status.Connected)
	m.publish(bus.KindConnEstablished, nil)
	m.logger.Info("socket connected")
	return nil
}

// establish performs one bounded dial attempt.
func (m *Manager) establish(ctx context.Context, token string) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout.Duration)
	defer cancel()

	conn, err := m.dial(dialCtx, m.cfg.URL, stomp.Options{
		Token:          token,
		ConnectTimeout: m.cfg.ConnectTimeout.Duration,
		OnClose:        m.handleClose,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("socket connect: %w", err)
	}
	return conn, nil
}

// Subscribe registers a handler for a destination on the live transport.
// It fails rather than queues when disconnected.
func (m *Manager) Subscribe(destination string, handler stomp.Handler) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, dup := m.subs[destination]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, destination)
	}
	m.subs[destination] = struct{}{}
	m.mu.Unlock()

	if err := conn.Subscribe(destination, handler); err != nil {
		m.mu.Lock()
		delete(m.subs, destination)
		m.mu.Unlock()
		return err
	}
	m.logger.Info("subscribed", zap.String("destination", destination))
	return nil
}

// Unsubscribe tears down a destination's subscription. Safe to call when
// disconnected or not subscribed.
func (m *Manager) Unsubscribe(destination string) error {
	m.mu.Lock()
	conn := m.conn
	_, known := m.subs[destination]
	delete(m.subs, destination)
	m.mu.Unlock()

	if conn == nil || !known {
		return nil
	}
	if err := conn.Unsubscribe(destination); err != nil {
		return err
	}
	m.logger.Info("unsubscribed", zap.String("destination", destination))
	return nil
}

// Disconnect tears down the transport and resets all counters. Always safe
// to call; running reconnect loops are orphaned.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.subs = make(map[string]struct{})
	m.attempts = 0
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if m.machine.Current() != status.Offline {
		_ = m.machine.Transition(status.Offline)
	}
	m.logger.Info("socket disconnected")
}

// handleClose runs when the transport dies unexpectedly. Subscriptions are
// dropped (the transport is gone) and bounded reconnection starts.
func (m *Manager) handleClose(reason string) {
	m.mu.Lock()
	m.conn = nil
	m.subs = make(map[string]struct{})
	gen := m.gen
	m.mu.Unlock()

	m.logger.Warn("socket connection lost", zap.String("reason", reason))
	_ = m.machine.Transition(status.Reconnecting)
	m.publish(bus.KindConnLost, reason)

	go m.reconnectLoop(gen)
}

func (m *Manager) reconnectLoop(gen int) {
	for {
		time.Sleep(m.cfg.ReconnectDelay.Duration)

		m.mu.Lock()
		if m.gen != gen || m.conn != nil {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.MaxReconnectAttempts {
			attempts := m.attempts
			m.mu.Unlock()
			m.logger.Error("reconnection budget exhausted",
				zap.Int("attempts", attempts))
			_ = m.machine.Transition(status.Suspended)
			m.publish(bus.KindConnSuspended, attempts)
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		token, err := m.creds.Token()
		if err != nil {
			// Logged out while reconnecting; nothing to resume.
			m.logger.Info("reconnect abandoned: no token")
			_ = m.machine.Transition(status.Offline)
			return
		}

		conn, err := m.establish(context.Background(), token)
		if err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if m.gen != gen || m.conn != nil {
			// Disconnect orphaned this loop, or an explicit Connect
			// already installed a transport while our dial was in
			// flight. Either way that connection wins; ours must not
			// replace it.
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()

		_ = m.machine.Transition(status.Connected)
		m.publish(bus.KindConnRestored, nil)
		m.logger.Info("socket reconnected", zap.Int("after_attempts", attempt))
		return
	}
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
