// Package realtime is the websocket client side of the hub protocol. It lets a
// remote participant use the hub as its presence transport and insert feed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	requestTimeout = 10 * time.Second
	insertBuffer   = 64
)

var (
	errNotConnected  = errors.New("not connected")
	errAlreadyJoined = errors.New("topic already joined on this connection")
)

// route receives the pushes addressed to one subscription ref. Both methods
// run with Client.mu held.
type route interface {
	pushLocked(msg signal.ServerMessage)
	endLocked()
}

// Client dials lazily: the first operation, or the first after a dropped
// connection, opens a new socket. A drop ends every channel and subscription
// opened on the old socket.
type Client struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	dialMu  sync.Mutex
	writeMu sync.Mutex // serialises all conn writes; taken before mu

	mu       sync.Mutex
	conn     *websocket.Conn
	outbox   []outgoing
	pending  map[string]chan error
	routes   map[string]route
	presence map[string]*presenceChannel
	chats    map[domain.ModuleID]*chatFeed
	closed   bool

	seq atomic.Uint64
}

// outgoing is a notification queued under mu and written after it is released.
type outgoing struct {
	conn *websocket.Conn
	msg  signal.ClientMessage
}

var (
	_ core.PresenceTransport = (*Client)(nil)
	_ core.InsertFeed        = (*Client)(nil)
)

// NewClient creates a client for the realtime endpoint at url. The identity,
// when set, is sent in the X-User-ID header.
func NewClient(url string, identity domain.UserID) *Client {
	h := http.Header{}
	if identity != "" {
		h.Set("X-User-ID", string(identity))
	}
	return &Client{
		URL:      url,
		Header:   h,
		Dialer:   websocket.DefaultDialer,
		pending:  make(map[string]chan error),
		routes:   make(map[string]route),
		presence: make(map[string]*presenceChannel),
		chats:    make(map[domain.ModuleID]*chatFeed),
	}
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// connect returns the live socket, dialing one if needed.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if conn := c.current(); conn != nil {
		return conn, nil
	}
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		log.Error().Err(err).Str("module", "realtime").Str("url", c.URL).Msg("ws dial error")
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, core.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	pingCtx, stopPing := context.WithCancel(context.Background())
	go c.pingLoop(pingCtx, conn)
	go c.readLoop(conn, stopPing)
	log.Info().Str("module", "realtime").Str("url", c.URL).Msg("connected")
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn, stopPing context.CancelFunc) {
	defer stopPing()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg signal.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "realtime").Msg("bad frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signal.ServerMessage) {
	c.mu.Lock()
	defer func() {
		queued := len(c.outbox) > 0
		c.mu.Unlock()
		if queued {
			go c.flush()
		}
	}()
	switch msg.Type {
	case signal.TypeAck, signal.TypePong:
		c.resolveLocked(msg.Ref, nil)
	case signal.TypeError:
		if msg.Ref == "" {
			log.Warn().Str("module", "realtime").Str("error", msg.Error).Msg("server error")
			return
		}
		c.resolveLocked(msg.Ref, errors.New(msg.Error))
	case signal.TypePresenceState, signal.TypeChatInsert:
		if r, ok := c.routes[msg.Ref]; ok {
			r.pushLocked(msg)
		}
	case signal.TypeClosed:
		if r, ok := c.routes[msg.Ref]; ok {
			r.endLocked()
		}
	default:
		log.Debug().Str("module", "realtime").Str("type", msg.Type).Msg("unknown frame")
	}
}

func (c *Client) resolveLocked(ref string, err error) {
	if ch, ok := c.pending[ref]; ok {
		delete(c.pending, ref)
		ch <- err
	}
}

// drop forgets conn and ends everything opened on it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	for ref, ch := range c.pending {
		delete(c.pending, ref)
		ch <- errNotConnected
	}
	routes := make([]route, 0, len(c.routes))
	for _, r := range c.routes {
		routes = append(routes, r)
	}
	for _, r := range routes {
		r.endLocked()
	}
	c.mu.Unlock()
	_ = conn.Close()
	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warn().Err(cause).Str("module", "realtime").Int("routes", len(routes)).Msg("connection dropped")
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// write sends msg after anything already queued by notifyLocked.
func (c *Client) write(conn *websocket.Conn, msg signal.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.flushQueued()
	return writeFrame(conn, msg)
}

// flush writes the queued notifications.
func (c *Client) flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.flushQueued()
}

// flushQueued drains the outbox. Caller holds writeMu, not mu.
func (c *Client) flushQueued() {
	c.mu.Lock()
	queue := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, o := range queue {
		if err := writeFrame(o.conn, o.msg); err != nil {
			log.Debug().Err(err).Str("module", "realtime").Str("type", o.msg.Type).Msg("notify failed")
		}
	}
}

func writeFrame(conn *websocket.Conn, msg signal.ClientMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// request sends msg and waits for its ack. Errors wrap core.ErrTransport.
func (c *Client) request(ctx context.Context, op string, msg signal.ClientMessage) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return core.NewError(core.ErrTransport, op, err)
	}
	return c.requestOn(ctx, conn, op, msg)
}

// subscribe registers r under a fresh ref on the live socket, then sends msg
// with that ref. The route is gone again when subscribe fails.
func (c *Client) subscribe(ctx context.Context, op string, msg signal.ClientMessage, register func(ref string) route) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return core.NewError(core.ErrTransport, op, err)
	}
	msg.Ref = c.nextRef()
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return core.NewError(core.ErrTransport, op, errNotConnected)
	}
	r := register(msg.Ref)
	if r == nil {
		c.mu.Unlock()
		return core.NewError(core.ErrTransport, op, errAlreadyJoined)
	}
	c.routes[msg.Ref] = r
	c.mu.Unlock()

	if err := c.requestOn(ctx, conn, op, msg); err != nil {
		c.mu.Lock()
		if _, ok := c.routes[msg.Ref]; ok {
			r.endLocked()
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) requestOn(ctx context.Context, conn *websocket.Conn, op string, msg signal.ClientMessage) error {
	if msg.Ref == "" {
		msg.Ref = c.nextRef()
	}
	done := make(chan error, 1)
	c.mu.Lock()
	c.pending[msg.Ref] = done
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.forget(msg.Ref)
		return core.NewError(core.ErrTransport, op, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return core.NewError(core.ErrTransport, op, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(msg.Ref)
		return core.NewError(core.ErrTransport, op, ctx.Err())
	case <-timer.C:
		c.forget(msg.Ref)
		return core.NewError(core.ErrTransport, op, fmt.Errorf("no reply to %s", msg.Type))
	}
}

func (c *Client) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// notifyLocked queues msg, reply unawaited, ahead of any later write. The
// caller flushes once it has released c.mu. It is a no-op when no socket is
// open. Caller holds c.mu.
func (c *Client) notifyLocked(msg signal.ClientMessage) {
	if c.conn == nil {
		return
	}
	msg.Ref = c.nextRef()
	c.outbox = append(c.outbox, outgoing{conn: c.conn, msg: msg})
}

// Ping round-trips a ping frame through the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, "realtime.ping", signal.ClientMessage{Type: signal.TypePing})
}

// Close ends every channel and subscription and closes the socket. A closed
// client does not reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	c.drop(conn, nil)
	return nil
}
