package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReadLimit  = 32768
	DefaultPingPeriod = 54 * time.Second
	sendBuffer        = 64
	writeWait         = 5 * time.Second
)

// IdentityKey is the gin context key holding the caller's identity.
const IdentityKey = "identity"

// SignalWSController bridges websocket clients onto the hub topics.
type SignalWSController struct {
	Hub      *app.Hub
	Registry *app.Registry
	Policy   app.Policy

	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(hub *app.Hub, reg *app.Registry, policy app.Policy) *SignalWSController {
	return &SignalWSController{
		Hub:        hub,
		Registry:   reg,
		Policy:     policy,
		ReadLimit:  DefaultReadLimit,
		PingPeriod: DefaultPingPeriod,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until the socket or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := app.SessionID(uuid.NewString())
	identity := domain.UserID(c.GetString(IdentityKey))
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("identity", string(identity)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.BindSignal(sid, identity, conn, cancel)

	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, sid, conn)
}

// kick drops a connection that cannot keep up with its pushes.
func (ctl *SignalWSController) kick(sid app.SessionID, c *WsSignalConn) {
	action := app.KickSubscriber
	if ctl.Policy != nil {
		action = ctl.Policy.OnBackPressure("signal", string(sid))
	}
	if action != app.KickSubscriber {
		return
	}
	log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("slow connection kicked")
	ctl.Registry.Cancel(sid)
	c.Close()
}
