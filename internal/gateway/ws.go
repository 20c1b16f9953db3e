package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/sync"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the websocket side of the gateway: one connection
// per device, a send queue with backpressure, and the message switch
// over the sync wire protocol.
type Controller struct {
	Hub        *Hub
	Limiter    *WriteRateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(hub *Hub, limiter *WriteRateLimiter, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{Hub: hub, Limiter: limiter, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     gosync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
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

// HandleSync upgrades the connection and starts the pump pair.
func (ctl *Controller) HandleSync(ctx context.Context, c *gin.Context) {
	cid := ClientID(c.GetString("client_token"))
	log.Info().Str("module", "gateway.ws").Str("client", string(cid)).Msg("new sync connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cid, conn, cancel)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "gateway.ws").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "gateway.ws").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "gateway.ws").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "gateway.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "gateway.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cid ClientID, c *wsConn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "gateway.ws").Str("client", string(cid)).Msg("readPump closing")
		cancel()
		ctl.Hub.DetachClient(cid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "gateway.ws").Str("client", string(cid)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(cid, c, data)
		}
	}
}

func (ctl *Controller) handleMessage(cid ClientID, c *wsConn, data []byte) {
	var env sync.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Msg("bad frame")
		ctl.sendError(c, "bad_payload")
		return
	}
	if env.Session == "" && env.Type != sync.MsgPing {
		ctl.sendError(c, "missing session")
		return
	}
	sid := domain.SessionID(env.Session)

	switch env.Type {
	case sync.MsgSubscribeRoster:
		ctl.Hub.GetOrCreate(sid).SubscribeRoster(cid, c)
	case sync.MsgSubscribeRequests:
		ctl.Hub.GetOrCreate(sid).SubscribeRequests(cid, c)
	case sync.MsgSetRoster:
		if !ctl.allowWrite(cid, c) || env.Doc == nil {
			return
		}
		ctl.Hub.GetOrCreate(sid).SetRoster(sync.Document(env.Doc))
	case sync.MsgUpsertRequest:
		if !ctl.allowWrite(cid, c) || env.RequestID == "" || env.Doc == nil {
			ctl.sendError(c, "bad_payload")
			return
		}
		ctl.Hub.GetOrCreate(sid).UpsertRequest(domain.RequestID(env.RequestID), sync.Document(env.Doc))
	case sync.MsgDeleteRequest:
		if env.RequestID == "" {
			ctl.sendError(c, "bad_payload")
			return
		}
		ctl.Hub.GetOrCreate(sid).DeleteRequest(domain.RequestID(env.RequestID))
	case sync.MsgPing:
		ctl.sendEnvelope(c, sync.Envelope{Type: sync.MsgPong})
	default:
		log.Warn().Str("module", "gateway.ws").Str("type", env.Type).Msg("unknown message type")
	}
}

func (ctl *Controller) allowWrite(cid ClientID, c *wsConn) bool {
	if ctl.Limiter == nil || ctl.Limiter.Allow(cid) {
		return true
	}
	log.Warn().Str("module", "gateway.ws").Str("client", string(cid)).Msg("write rate limited")
	ctl.sendError(c, "rate_limited")
	return false
}

func (ctl *Controller) sendError(c *wsConn, msg string) {
	ctl.sendEnvelope(c, sync.Envelope{Type: sync.MsgError, Error: msg})
}

func (ctl *Controller) sendEnvelope(c *wsConn, env sync.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Msg("sendEnvelope marshal")
		return
	}
	_ = c.TrySend(b)
}
