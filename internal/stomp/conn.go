package stomp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives the body of a MESSAGE frame delivered on a subscription.
type Handler func(destination string, body []byte)

// Options configures a Dial.
type Options struct {
	// Token is appended as a query parameter and sent as a CONNECT header;
	// the broker authenticates the session with it.
	Token string
	// ConnectTimeout bounds the websocket handshake plus the CONNECTED
	// exchange.
	ConnectTimeout time.Duration
	// OnClose is invoked exactly once when the connection dies for any
	// reason other than an explicit Close, with a human-readable reason.
	OnClose func(reason string)
	Logger  *zap.Logger
}

const writeTimeout = 10 * time.Second

// Conn is a STOMP 1.2 session over a websocket.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*subEntry // keyed by destination
	byID    map[string]*subEntry
	closed  bool
	onClose func(string)
}

type subEntry struct {
	id          string
	destination string
	handler     Handler
}

// Dial opens a websocket to rawURL, performs the STOMP handshake and starts
// the read loop. The returned Conn is ready for Subscribe/Send.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{
		ws:      ws,
		logger:  logger,
		subs:    make(map[string]*subEntry),
		byID:    make(map[string]*subEntry),
		onClose: opts.OnClose,
	}

	connect := NewFrame(CmdConnect,
		"accept-version", "1.2",
		"host", u.Host,
		"heart-beat", "0,0",
		"Authorization", "Bearer "+opts.Token,
	)
	if err := c.writeFrame(connect); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	if err := c.awaitConnected(timeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Conn) awaitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.ws.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		f, err := Parse(data)
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		if f == nil { // heart-beat
			continue
		}
		switch f.Command {
		case CmdConnected:
			return c.ws.SetReadDeadline(time.Time{})
		case CmdError:
			return fmt.Errorf("broker rejected connect: %s", errorReason(f))
		default:
			return fmt.Errorf("unexpected frame %s before CONNECTED", f.Command)
		}
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(closeReason(err))
			return
		}
		f, err := Parse(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if f == nil { // heart-beat
			continue
		}
		switch f.Command {
		case CmdMessage:
			c.dispatch(f)
		case CmdError:
			c.fail("broker error: " + errorReason(f))
			return
		}
	}
}

func (c *Conn) dispatch(f *Frame) {
	c.mu.Lock()
	entry := c.byID[f.Headers["subscription"]]
	if entry == nil {
		entry = c.subs[f.Headers["destination"]]
	}
	c.mu.Unlock()

	if entry == nil {
		c.logger.Warn("message for unknown subscription",
			zap.String("destination", f.Headers["destination"]))
		return
	}
	// Handlers run on the read loop so per-destination delivery order is
	// the broker's send order.
	entry.handler(entry.destination, f.Body)
}

// Subscribe registers a handler for a destination. At most one subscription
// per destination is allowed.
func (c *Conn) Subscribe(destination string, handler Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: connection closed", destination)
	}
	if _, dup := c.subs[destination]; dup {
		c.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", destination)
	}
	entry := &subEntry{
		id:          uuid.NewString(),
		destination: destination,
		handler:     handler,
	}
	c.subs[destination] = entry
	c.byID[entry.id] = entry
	c.mu.Unlock()

	err := c.writeFrame(NewFrame(CmdSubscribe,
		"id", entry.id,
		"destination", destination,
		"ack", "auto",
	))
	if err != nil {
		c.mu.Lock()
		delete(c.subs, destination)
		delete(c.byID, entry.id)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return nil
}

// Unsubscribe tears down the subscription for a destination. Unknown
// destinations are a no-op.
func (c *Conn) Unsubscribe(destination string) error {
	c.mu.Lock()
	entry, ok := c.subs[destination]
	if ok {
		delete(c.subs, destination)
		delete(c.byID, entry.id)
	}
	closed := c.closed
	c.mu.Unlock()

	if !ok || closed {
		return nil
	}
	if err := c.writeFrame(NewFrame(CmdUnsubscribe, "id", entry.id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", destination, err)
	}
	return nil
}

// Send publishes a JSON body to a destination.
func (c *Conn) Send(destination string, body []byte) error {
	f := NewFrame(CmdSend,
		"destination", destination,
		"content-type", "application/json",
		"content-length", fmt.Sprintf("%d", len(body)),
	)
	f.Body = body
	if err := c.writeFrame(f); err != nil {
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}

// Close shuts the session down cleanly. OnClose is not invoked.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.writeFrame(NewFrame(CmdDisconnect))
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, f.Marshal())
}

// fail handles an unexpected connection death: close the socket once and
// report the reason upward.
func (c *Conn) fail(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	_ = c.ws.Close()
	if onClose != nil {
		onClose(reason)
	}
}

func errorReason(f *Frame) string {
	if msg := f.Headers["message"]; msg != "" {
		return msg
	}
	if len(f.Body) > 0 {
		return string(f.Body)
	}
	return "unknown error"
}

// closeReason maps a websocket read error to a human-readable description.
func closeReason(err error) string {
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		return err.Error()
	}
	switch ce.Code {
	case websocket.CloseNormalClosure:
		return "connection closed by server"
	case websocket.CloseGoingAway:
		return "server going away"
	case websocket.CloseProtocolError:
		return "protocol error"
	case websocket.CloseAbnormalClosure:
		return "connection lost"
	case websocket.ClosePolicyViolation:
		return "policy violation"
	case websocket.CloseInternalServerErr:
		return "server error"
	default:
		return fmt.Sprintf("connection closed (code %d)", ce.Code)
	}
}
