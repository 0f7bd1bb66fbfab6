// Package conn models a single client connection's state and the
// heartbeat supervisor that terminates connections which stop
// responding.
package conn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalhub/signalhub/internal/frame"
	"github.com/signalhub/signalhub/internal/metrics"
)

// Sink is the outbound path a Conn writes frames to. The WritePump
// owns the actual socket; Conn only ever touches it through this
// narrow interface so tests can substitute a fake.
type Sink interface {
	// Send enqueues raw bytes for delivery, returning false if the
	// outbound buffer is full (the caller should treat this as a slow
	// consumer and may choose to drop the frame rather than block).
	Send(raw []byte) bool
	// Ping writes a transport-level ping control frame.
	Ping() error
	// Close terminates the underlying transport.
	Close(reason string)
}

// Conn is the server-side record for one live connection (§4.4, §3).
type Conn struct {
	ClientID      string
	UserID        string
	Origin        string
	UserAgent     string
	RemoteAddress string

	sink Sink

	mu             sync.Mutex
	currentRoomID  string
	isAlive        bool
	missedBeats    int
	lastActivityAt time.Time
}

// New constructs a Conn bound to the given outbound sink.
func New(clientID, userID, origin, userAgent, remoteAddress string, sink Sink) *Conn {
	return &Conn{
		ClientID:       clientID,
		UserID:         userID,
		Origin:         origin,
		UserAgent:      userAgent,
		RemoteAddress:  remoteAddress,
		sink:           sink,
		isAlive:        true,
		lastActivityAt: time.Now(),
	}
}

// Send enqueues raw bytes on the connection's outbound sink.
func (c *Conn) Send(raw []byte) bool {
	return c.sink.Send(raw)
}

// Close terminates the connection's transport.
func (c *Conn) Close(reason string) {
	c.sink.Close(reason)
}

// Ping writes a transport-level ping control frame.
func (c *Conn) Ping() error {
	return c.sink.Ping()
}

// PeerDescriptor builds the derived, never-stored peer view of this
// connection (§3): id prefers userId over clientId, since that is the
// identifier clients address signaling and peer lookups by.
func (c *Conn) PeerDescriptor() frame.PeerDescriptor {
	id := c.UserID
	if id == "" {
		id = c.ClientID
	}
	return frame.PeerDescriptor{
		ID:            id,
		Origin:        c.Origin,
		UserAgent:     c.UserAgent,
		RemoteAddress: c.RemoteAddress,
		RoomID:        c.RoomID(),
	}
}

// RoomID returns the room this connection currently believes it is in.
func (c *Conn) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRoomID
}

// SetRoomID updates the connection's current room.
func (c *Conn) SetRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRoomID = roomID
}

// Touch records activity, resetting the missed-heartbeat counter and
// marking the connection alive. It should be called on every inbound
// frame as well as every pong.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.missedBeats = 0
	c.isAlive = true
}

// recordMissedBeat increments the missed-heartbeat counter and reports
// the new count.
func (c *Conn) recordMissedBeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedBeats++
	return c.missedBeats
}

// markDead flips isAlive to false. Called by the Heartbeat Supervisor
// when a connection exceeds its missed-beat threshold.
func (c *Conn) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = false
}

// WebsocketSink adapts a *websocket.Conn plus a buffered outbound
// channel into the Sink interface: WritePump is the only goroutine
// that ever calls conn.WriteMessage, so Send merely enqueues.
type WebsocketSink struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewWebsocketSink wraps conn with a send buffer of the given size.
func NewWebsocketSink(wsConn *websocket.Conn, bufferSize int) *WebsocketSink {
	return &WebsocketSink{
		conn: wsConn,
		send: make(chan []byte, bufferSize),
	}
}

// Send enqueues raw bytes without blocking. Returns false if the
// buffer is full, signaling a slow consumer.
func (s *WebsocketSink) Send(raw []byte) bool {
	select {
	case s.send <- raw:
		return true
	default:
		return false
	}
}

// Close closes the send channel exactly once, stopping WritePump.
func (s *WebsocketSink) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Ping writes a ping control frame directly to the socket. Control
// frames bypass the buffered send channel since gorilla serializes
// writes internally but expects callers not to interleave them with
// WriteMessage from another goroutine; writePump is the only other
// writer, so this is only safe because pings are infrequent relative
// to the write deadline below.
func (s *WebsocketSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// WritePump drains the send channel to the socket until it is closed.
func (s *WebsocketSink) WritePump() {
	for raw := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = s.conn.Close()
}

// Supervisor pings every live connection on an interval and terminates
// any that miss maxMissed consecutive beats (§4.4, §4.9).
type Supervisor struct {
	interval  time.Duration
	maxMissed int

	mu    sync.Mutex
	conns map[string]*Conn

	stop chan struct{}
	once sync.Once
}

// NewSupervisor constructs a Supervisor with the given interval and
// missed-beat threshold.
func NewSupervisor(interval time.Duration, maxMissed int) *Supervisor {
	return &Supervisor{
		interval:  interval,
		maxMissed: maxMissed,
		conns:     make(map[string]*Conn),
		stop:      make(chan struct{}),
	}
}

// Track registers c with the supervisor.
func (s *Supervisor) Track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ClientID] = c
}

// Untrack removes c from the supervisor, e.g. on disconnect.
func (s *Supervisor) Untrack(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, clientID)
}

// Run ticks every interval, pinging tracked connections and
// terminating ones that have exceeded maxMissed. ping is called with
// each connection that is due for a ping; onTerminate is called for
// each connection terminated for missed beats (the caller is
// responsible for untracking and for the registry/dispatch cleanup
// that follows).
func (s *Supervisor) Run(ping func(*Conn), onTerminate func(*Conn)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ping, onTerminate)
		}
	}
}

func (s *Supervisor) tick(ping func(*Conn), onTerminate func(*Conn)) {
	s.mu.Lock()
	snapshot := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		missed := c.recordMissedBeat()
		if missed > s.maxMissed {
			c.markDead()
			s.Untrack(c.ClientID)
			metrics.HeartbeatTerminations.Inc()
			onTerminate(c)
			continue
		}
		ping(c)
	}
}

// Stop halts the supervisor's ticking goroutine. Safe to call more than
// once.
func (s *Supervisor) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
}
