// Package dispatch parses inbound frames, routes them to the right
// handler, relays signaling messages between peers, and rebroadcasts
// presence after every membership change (§4.5-§4.7).
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/signalhub/signalhub/internal/conn"
	"github.com/signalhub/signalhub/internal/frame"
	"github.com/signalhub/signalhub/internal/logging"
	"github.com/signalhub/signalhub/internal/metrics"
	"github.com/signalhub/signalhub/internal/ratelimit"
	"github.com/signalhub/signalhub/internal/registry"
)

// ConnLookup resolves live connections by identifier. The gateway's hub
// implements this; dispatch only depends on the narrow interface to
// avoid an import cycle.
type ConnLookup interface {
	ByClientID(clientID string) (*conn.Conn, bool)
	ByUserID(userID string) (*conn.Conn, bool)
}

// Dispatcher routes inbound frames for one connection at a time. A
// single Dispatcher is shared by every connection in the process.
type Dispatcher struct {
	reg      *registry.Registry
	conns    ConnLookup
	limiter  *ratelimit.Limiter
	maxBytes int64
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, conns ConnLookup, limiter *ratelimit.Limiter, maxFrameBytes int64) *Dispatcher {
	return &Dispatcher{reg: reg, conns: conns, limiter: limiter, maxBytes: maxFrameBytes}
}

// Dispatch decodes and routes a single inbound frame from c. It never
// returns an error to the caller — all failures are reported to the
// client as an error frame and/or logged, matching the fire-and-forget
// shape of a per-message WebSocket handler.
func (d *Dispatcher) Dispatch(ctx context.Context, c *conn.Conn, raw []byte) {
	start := time.Now()
	c.Touch()

	env, err := frame.Decode(raw, d.maxBytes)
	if err != nil {
		d.sendError(c, "", frame.ReasonInvalidJSON, err.Error())
		metrics.DispatchedFrames.WithLabelValues("unknown", "invalid").Inc()
		return
	}

	if d.limiter != nil {
		if decision := d.limiter.AllowMessage(ctx, c.ClientID); !decision.Allowed {
			d.sendError(c, env.Type, frame.ReasonRateLimited, "")
			metrics.DispatchedFrames.WithLabelValues(env.Type, "rate_limited").Inc()
			return
		}
	}

	outcome := "ok"
	switch env.Type {
	case frame.TypeJoin, frame.TypeJoinRoom:
		outcome = d.handleJoin(c, env, raw)
	case frame.TypeLeave:
		outcome = d.handleLeave(c)
	case frame.TypeGetPeers:
		outcome = d.handleGetPeers(c)
	case frame.TypeGetDoc, frame.TypeRequestDoc:
		outcome = d.handleGetDoc(c)
	case frame.TypeUpdate:
		outcome = d.handleUpdate(c, raw)
	case frame.TypeCursor:
		outcome = d.handleCursor(c, raw)
	case frame.TypeOffer, frame.TypeAnswer, frame.TypeICECandidate, frame.TypeICEAlias:
		outcome = d.handleSignal(c, env.Type, raw)
	default:
		d.sendError(c, env.Type, frame.ReasonUnknownType, "")
		outcome = "unknown_type"
	}

	metrics.DispatchedFrames.WithLabelValues(env.Type, outcome).Inc()
	metrics.DispatchDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) handleJoin(c *conn.Conn, env *frame.Inbound, raw []byte) string {
	payload, err := frame.DecodePayload[frame.JoinPayload](raw)
	if err != nil || payload.RoomID == "" {
		d.sendError(c, env.Type, frame.ReasonInvalidMessage, frame.ReasonJoinRequiresRoom)
		return "invalid"
	}

	prevRoomID, _ := d.reg.RoomOf(c.ClientID)
	d.reg.Join(c.ClientID, payload.RoomID)
	c.SetRoomID(payload.RoomID)

	d.send(c, frame.TypeJoined, "", frame.JoinedPayload{RoomID: payload.RoomID})
	if prevRoomID != payload.RoomID {
		d.broadcastPeers(prevRoomID)
	}
	d.broadcastPeers(payload.RoomID)
	return "ok"
}

func (d *Dispatcher) handleLeave(c *conn.Conn) string {
	roomID, _, ok := d.reg.Leave(c.ClientID)
	if !ok {
		return "noop"
	}
	c.SetRoomID("")
	d.send(c, frame.TypeLeft, "", frame.LeftPayload{RoomID: roomID})
	d.broadcastPeers(roomID)
	return "ok"
}

func (d *Dispatcher) handleGetPeers(c *conn.Conn) string {
	roomID := c.RoomID()
	if roomID == "" {
		d.sendError(c, frame.TypeGetPeers, frame.ReasonInvalidMessage, "not in a room")
		return "invalid"
	}
	d.send(c, frame.TypePeersUpdated, "", d.peersSnapshot(roomID, c.ClientID))
	return "ok"
}

func (d *Dispatcher) handleGetDoc(c *conn.Conn) string {
	roomID := c.RoomID()
	if roomID == "" {
		d.sendError(c, frame.TypeGetDoc, frame.ReasonInvalidMessage, "not in a room")
		return "invalid"
	}
	version, text, ok := d.reg.Doc(roomID)
	if !ok {
		version, text = 0, ""
	}
	d.send(c, frame.TypeDoc, "", frame.DocPayload{Version: version, Text: text})
	return "ok"
}

func (d *Dispatcher) handleUpdate(c *conn.Conn, raw []byte) string {
	roomID := c.RoomID()
	if roomID == "" {
		d.sendError(c, frame.TypeUpdate, frame.ReasonInvalidMessage, "not in a room")
		return "invalid"
	}
	payload, err := frame.DecodePayload[frame.UpdatePayload](raw)
	if err != nil {
		d.sendError(c, frame.TypeUpdate, frame.ReasonInvalidMessage, err.Error())
		return "invalid"
	}

	outcome, version, text := d.reg.Update(roomID, payload.BaseVersion, payload.Text)
	if outcome == registry.UpdateRejected {
		d.send(c, frame.TypeUpdateRejected, "", frame.UpdateRejectedPayload{CurrentVersion: version, Text: text})
		return "rejected"
	}

	d.broadcastRoom(roomID, "", frame.TypeDocUpdated, frame.DocUpdatedPayload{
		Version: version,
		Text:    text,
		Author:  c.ClientID,
	}, "")
	return "accepted"
}

func (d *Dispatcher) handleCursor(c *conn.Conn, raw []byte) string {
	roomID := c.RoomID()
	if roomID == "" {
		d.sendError(c, frame.TypeCursor, frame.ReasonInvalidMessage, "not in a room")
		return "invalid"
	}
	payload, err := frame.DecodePayload[frame.CursorPayload](raw)
	if err != nil {
		d.sendError(c, frame.TypeCursor, frame.ReasonInvalidMessage, err.Error())
		return "invalid"
	}
	d.broadcastRoom(roomID, c.ClientID, frame.TypeCursor, payload, "")
	return "ok"
}

// handleSignal relays offer/answer/ice-candidate frames (§4.6). The
// target is resolved by userId then clientId, first among the sender's
// room, then globally; if no direct target is found the frame is
// rebroadcast to the room, excluding the sender, so peers that have not
// yet reported their identifier can still pick it up. The outgoing
// frame is stamped with the sender's userId, falling back to its
// clientId when it has none.
func (d *Dispatcher) handleSignal(c *conn.Conn, frameType string, raw []byte) string {
	payload, err := frame.DecodePayload[frame.SignalPayload](raw)
	if err != nil {
		d.sendError(c, frameType, frame.ReasonInvalidMessage, err.Error())
		return "invalid"
	}

	from := c.UserID
	if from == "" {
		from = c.ClientID
	}

	roomID := c.RoomID()
	if target, ok := d.resolveTarget(payload.To, roomID); ok {
		out := &frame.Outbound{Type: frameType, From: from, To: payload.To, Payload: payload, Timestamp: time.Now().UnixMilli()}
		raw, err := frame.Encode(out)
		if err != nil {
			logging.Error(context.Background(), "failed to encode outbound frame", zap.Error(err))
			return "invalid"
		}
		if !target.Send(raw) {
			logging.Warn(context.Background(), "dropping frame for slow consumer", zap.String("client_id", target.ClientID))
		}
		return "relayed"
	}

	if roomID == "" {
		d.sendError(c, frameType, frame.ReasonInvalidMessage, "not in a room and no resolvable target")
		return "invalid"
	}
	d.broadcastRoom(roomID, c.ClientID, frameType, payload, from)
	return "broadcast_fallback"
}

func (d *Dispatcher) resolveTarget(to, roomID string) (*conn.Conn, bool) {
	if to == "" {
		return nil, false
	}
	if roomID != "" {
		for _, memberID := range d.reg.Members(roomID) {
			if target, ok := d.conns.ByClientID(memberID); ok && (target.UserID == to || target.ClientID == to) {
				return target, true
			}
		}
	}
	if target, ok := d.conns.ByUserID(to); ok {
		return target, true
	}
	if target, ok := d.conns.ByClientID(to); ok {
		return target, true
	}
	return nil, false
}

// broadcastPeers recomputes and sends peers-updated to every member of
// roomID (§4.7). Called after every membership transition. Every
// recipient is itself a room member, so each gets its own snapshot
// with count = total-1 (peers excluding itself).
func (d *Dispatcher) broadcastPeers(roomID string) {
	if roomID == "" {
		return
	}
	for _, memberID := range d.reg.Members(roomID) {
		target, ok := d.conns.ByClientID(memberID)
		if !ok {
			continue
		}
		d.send(target, frame.TypePeersUpdated, "", d.peersSnapshot(roomID, memberID))
	}
}

func (d *Dispatcher) peersSnapshot(roomID, forClientID string) frame.PeersSnapshot {
	members := d.reg.Members(roomID)
	return registry.PeersSnapshot(func(clientID string) frame.PeerDescriptor {
		if c, ok := d.conns.ByClientID(clientID); ok {
			return c.PeerDescriptor()
		}
		return frame.PeerDescriptor{ID: clientID, RoomID: roomID}
	}, members, forClientID)
}

// broadcastRoom sends a frame to every member of roomID, optionally
// excluding one clientId (the sender, for relays that should not echo).
// from is stamped on the outbound frame, defaulting to FromServer when
// empty (presence and document broadcasts are server-originated; the
// signaling relay's broadcast fallback passes the sender's identity).
func (d *Dispatcher) broadcastRoom(roomID, excludeClientID, frameType string, payload any, from string) {
	if from == "" {
		from = frame.FromServer
	}
	out := &frame.Outbound{
		Type:      frameType,
		From:      from,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := frame.Encode(out)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound broadcast frame", zap.Error(err))
		return
	}

	for _, memberID := range d.reg.Members(roomID) {
		if memberID == excludeClientID {
			continue
		}
		if target, ok := d.conns.ByClientID(memberID); ok {
			if !target.Send(raw) {
				logging.Warn(context.Background(), "dropping broadcast frame for slow consumer",
					zap.String("client_id", memberID), zap.String("room_id", roomID))
			}
		}
	}
}

func (d *Dispatcher) send(c *conn.Conn, frameType, from string, payload any) {
	if from == "" {
		from = frame.FromServer
	}
	out := &frame.Outbound{
		Type:      frameType,
		From:      from,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := frame.Encode(out)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound frame", zap.Error(err))
		return
	}
	if !c.Send(raw) {
		logging.Warn(context.Background(), "dropping frame for slow consumer", zap.String("client_id", c.ClientID))
	}
}

func (d *Dispatcher) sendError(c *conn.Conn, inReplyTo, reason, details string) {
	d.send(c, frame.TypeError, "", frame.ErrorPayload{Reason: reason, Details: details})
}
