// Package gateway is the WebSocket upgrade gate and connection hub: it
// validates origin and token, applies the connect rate limiter, upgrades
// the HTTP request, and wires the resulting connection into the
// heartbeat supervisor and dispatcher (§4.3).
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/internal/authtoken"
	"github.com/signalhub/signalhub/internal/conn"
	"github.com/signalhub/signalhub/internal/dispatch"
	"github.com/signalhub/signalhub/internal/frame"
	"github.com/signalhub/signalhub/internal/logging"
	"github.com/signalhub/signalhub/internal/metrics"
	"github.com/signalhub/signalhub/internal/ratelimit"
	"github.com/signalhub/signalhub/internal/registry"
)

const sendBufferSize = 32

// Hub owns every live connection and ties the supporting packages
// together into the upgrade-and-serve path.
type Hub struct {
	verifier   *authtoken.Verifier
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	supervisor *conn.Supervisor

	allowedOrigins  []string
	developmentMode bool
	maxFrameBytes   int64

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	byClient map[string]*conn.Conn
	byUser   map[string]*conn.Conn

	shuttingDown bool
}

// Config collects the dependencies and policy knobs a Hub needs.
type Config struct {
	Verifier          *authtoken.Verifier
	Limiter           *ratelimit.Limiter
	Registry          *registry.Registry
	AllowedOrigins     []string
	DevelopmentMode    bool
	MaxFrameBytes      int64
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int
}

// New constructs a Hub and starts its heartbeat supervisor goroutine.
func New(cfg Config) *Hub {
	h := &Hub{
		verifier:        cfg.Verifier,
		limiter:         cfg.Limiter,
		registry:        cfg.Registry,
		supervisor:      conn.NewSupervisor(cfg.HeartbeatInterval, cfg.HeartbeatMaxMissed),
		allowedOrigins:  cfg.AllowedOrigins,
		developmentMode: cfg.DevelopmentMode,
		maxFrameBytes:   cfg.MaxFrameBytes,
		byClient:        make(map[string]*conn.Conn),
		byUser:          make(map[string]*conn.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // origin checked explicitly beforehand
		},
	}
	h.dispatcher = dispatch.New(cfg.Registry, h, cfg.Limiter, cfg.MaxFrameBytes)

	go h.supervisor.Run(h.sendPing, h.terminateConnection)
	return h
}

// ByClientID implements dispatch.ConnLookup.
func (h *Hub) ByClientID(clientID string) (*conn.Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byClient[clientID]
	return c, ok
}

// ByUserID implements dispatch.ConnLookup.
func (h *Hub) ByUserID(userID string) (*conn.Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byUser[userID]
	return c, ok
}

// ServeWs is the Gin handler for the WebSocket upgrade endpoint (§4.3).
// It enforces, in order: not-shutting-down, origin allow-list (prod
// only), connect rate limit, token requirement (prod only; dev mode
// bypasses auth but rate limits still apply), then performs the
// handshake and registers the resulting connection.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()
	remoteAddr := c.Request.RemoteAddr

	h.mu.RLock()
	shuttingDown := h.shuttingDown
	h.mu.RUnlock()
	if shuttingDown {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	if !h.developmentMode {
		if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
			logging.Warn(ctx, "rejecting upgrade: origin not allowed", zap.Error(err))
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
	}

	if h.limiter != nil {
		if decision := h.limiter.AllowConnect(ctx, remoteAddr); !decision.Allowed {
			c.Header("Retry-After", decision.RetryAfter.String())
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		if !h.limiter.AcquireConcurrency(remoteAddr) {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
	}

	identity, err := h.authenticate(c)
	if err != nil {
		if h.limiter != nil {
			h.limiter.ReleaseConcurrency(remoteAddr)
		}
		logging.Warn(ctx, "rejecting upgrade: authentication failed", zap.Error(err))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.limiter != nil {
			h.limiter.ReleaseConcurrency(remoteAddr)
		}
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	h.handleConnection(ctx, wsConn, identity, remoteAddr, c.Request)
}

// authenticate verifies the upgrade token and folds in the upgrade's
// userId/roomId query parameters (§4.3 step 1, §3). In development mode
// the query parameters stand in for (or override) whatever identity a
// token supplied; in production they only fill in a roomId the token
// left blank — the token's own claims always win on disagreement.
func (h *Hub) authenticate(c *gin.Context) (*authtoken.Identity, error) {
	queryUserID := c.Query("userId")
	queryRoomID := c.Query("roomId")

	if h.developmentMode && h.verifier == nil {
		return h.devIdentity(queryUserID, queryRoomID), nil
	}

	token := extractToken(c)
	identity, err := h.verifier.Verify(token)
	if err != nil {
		if h.developmentMode {
			return h.devIdentity(queryUserID, queryRoomID), nil
		}
		return nil, err
	}

	if h.developmentMode {
		if queryUserID != "" {
			identity.UserID = queryUserID
		}
		if queryRoomID != "" {
			identity.RoomID = queryRoomID
		}
	} else if identity.RoomID == "" && queryRoomID != "" {
		identity.RoomID = queryRoomID
	}

	return identity, nil
}

func (h *Hub) devIdentity(queryUserID, queryRoomID string) *authtoken.Identity {
	userID := queryUserID
	if userID == "" {
		userID = "dev-" + uuid.NewString()
	}
	return &authtoken.Identity{UserID: userID, RoomID: queryRoomID}
}

func (h *Hub) handleConnection(reqCtx context.Context, wsConn *websocket.Conn, identity *authtoken.Identity, remoteAddr string, r *http.Request) {
	clientID := uuid.NewString()
	sink := conn.NewWebsocketSink(wsConn, sendBufferSize)
	c := conn.New(clientID, identity.UserID, r.Header.Get("Origin"), r.UserAgent(), remoteAddr, sink)

	// A pong is the client's side of the heartbeat (§4.4); without this
	// handler gorilla/websocket swallows pong control frames before they
	// ever reach the read loop, so a quiet-but-alive peer would otherwise
	// be killed for missing heartbeats it was actually answering.
	wsConn.SetPongHandler(func(string) error {
		c.Touch()
		return nil
	})

	// A second connection from the same user reclaims the identity; the
	// stale connection is evicted through the ordinary disconnect path
	// rather than left to linger until its heartbeat finally times out.
	if identity.UserID != "" {
		if stale, ok := h.ByUserID(identity.UserID); ok {
			logging.Info(reqCtx, "evicting stale connection for reconnecting user",
				zap.String("user_id", identity.UserID), zap.String("stale_client_id", stale.ClientID))
			stale.Close("superseded by reconnect")
		}
	}

	h.mu.Lock()
	h.byClient[clientID] = c
	if identity.UserID != "" {
		h.byUser[identity.UserID] = c
	}
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	h.supervisor.Track(c)

	ctx := logging.WithFields(reqCtx, clientID, identity.RoomID)
	logging.Info(ctx, "connection established")

	go sink.WritePump()
	h.sendConnected(c)

	if identity.RoomID != "" {
		if raw, err := json.Marshal(joinFrame{Type: frame.TypeJoin, RoomID: identity.RoomID}); err == nil {
			h.dispatcher.Dispatch(ctx, c, raw)
		}
	}

	go h.readPump(ctx, wsConn, c, remoteAddr)
}

func (h *Hub) readPump(ctx context.Context, wsConn *websocket.Conn, c *conn.Conn, remoteAddr string) {
	defer h.disconnect(ctx, c, remoteAddr)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatcher.Dispatch(ctx, c, raw)
	}
}

func (h *Hub) disconnect(ctx context.Context, c *conn.Conn, remoteAddr string) {
	h.supervisor.Untrack(c.ClientID)

	h.mu.Lock()
	delete(h.byClient, c.ClientID)
	if c.UserID != "" && h.byUser[c.UserID] == c {
		delete(h.byUser, c.UserID)
	}
	h.mu.Unlock()

	if roomID := c.RoomID(); roomID != "" {
		h.dispatcher.Dispatch(ctx, c, []byte(`{"type":"leave"}`))
	}

	c.Close("connection closed")
	metrics.DecConnection()
	if h.limiter != nil {
		h.limiter.ReleaseConcurrency(remoteAddr)
	}
	logging.Info(ctx, "connection closed")
}

func (h *Hub) sendPing(c *conn.Conn) {
	if err := c.Ping(); err != nil {
		logging.Warn(context.Background(), "ping failed", zap.String("client_id", c.ClientID), zap.Error(err))
	}
}

func (h *Hub) terminateConnection(c *conn.Conn) {
	ctx := logging.WithFields(context.Background(), c.ClientID, c.RoomID())
	logging.Warn(ctx, "terminating connection for missed heartbeats")
	c.Close("heartbeat timeout")
}

func (h *Hub) sendConnected(c *conn.Conn) {
	snapshot := frame.PeersSnapshot{}
	if roomID := c.RoomID(); roomID != "" {
		members := h.registry.Members(roomID)
		snapshot = registry.PeersSnapshot(func(id string) frame.PeerDescriptor {
			if peer, ok := h.ByClientID(id); ok {
				return peer.PeerDescriptor()
			}
			return frame.PeerDescriptor{ID: id, RoomID: roomID}
		}, members, c.ClientID)
	}
	out := &frame.Outbound{
		Type:      frame.TypeConnected,
		From:      frame.FromServer,
		Payload:   frame.ConnectedPayload{ClientID: c.ClientID, Peers: snapshot},
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := frame.Encode(out)
	if err != nil {
		return
	}
	c.Send(raw)
}

// Shutdown stops accepting new upgrades and closes every live
// connection, following the bounded-drain pattern described in §5.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	conns := make([]*conn.Conn, 0, len(h.byClient))
	for _, c := range h.byClient {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close("server shutting down")
	}
	h.supervisor.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Sec-WebSocket-Protocol"); header != "" {
		return header
	}
	return c.Query("token")
}

func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return &originError{origin: origin}
}

type originError struct{ origin string }

func (e *originError) Error() string { return "origin not allowed: " + e.origin }

type joinFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}
