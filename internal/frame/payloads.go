package frame

// Payload shapes for each recognized inbound type (§6). Fields use
// `omitempty` where the field is optional on the wire.

// JoinPayload is the body of join / join-room.
type JoinPayload struct {
	RoomID string `json:"roomId"`
}

// LeavePayload is the body of leave. RoomID is informational only —
// the dispatcher always uses the connection's current room.
type LeavePayload struct {
	RoomID string `json:"roomId,omitempty"`
}

// GetPeersPayload is the (empty) body of get-peers.
type GetPeersPayload struct{}

// GetDocPayload is the (empty) body of get-doc / request-doc.
type GetDocPayload struct{}

// UpdatePayload is the body of update (§4.8).
type UpdatePayload struct {
	RoomID      string `json:"roomId"`
	Text        string `json:"text"`
	BaseVersion *int64 `json:"baseVersion,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// CursorPayload is the body of cursor; Data is forwarded opaquely.
type CursorPayload struct {
	RoomID string         `json:"roomId,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// SignalPayload is the body of offer / answer / ice-candidate (§4.6).
// SDP and Candidate are both accepted as opaque JSON so the server
// never needs to understand WebRTC wire formats — it only relays them.
type SignalPayload struct {
	RoomID    string `json:"roomId,omitempty"`
	To        string `json:"to,omitempty"`
	SDP       any    `json:"sdp,omitempty"`
	Candidate any    `json:"candidate,omitempty"`
}

// --- Outbound payload shapes ---

// ConnectedPayload is the body of the initial connected frame.
type ConnectedPayload struct {
	ClientID string         `json:"clientId"`
	Peers    PeersSnapshot  `json:"peers"`
}

// JoinedPayload is the body of joined.
type JoinedPayload struct {
	RoomID string `json:"roomId"`
}

// LeftPayload is the body of left.
type LeftPayload struct {
	RoomID string `json:"roomId"`
}

// DocPayload is the body of doc replies that carry full document state.
type DocPayload struct {
	Version int64  `json:"version"`
	Text    string `json:"text"`
}

// DocUpdatedPayload is the body of doc-updated (§4.8).
type DocUpdatedPayload struct {
	Version int64  `json:"version"`
	Text    string `json:"text"`
	Author  string `json:"author,omitempty"`
}

// UpdateRejectedPayload is the body of update-rejected (§4.8).
type UpdateRejectedPayload struct {
	CurrentVersion int64  `json:"currentVersion"`
	Text           string `json:"text"`
}

// PeerDescriptor is the derived, never-stored peer view (§3).
type PeerDescriptor struct {
	ID            string `json:"id"`
	Origin        string `json:"origin,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
	RoomID        string `json:"roomId"`
}

// PeersSnapshot is the body of peers-updated (§4.7).
type PeersSnapshot struct {
	Peers []PeerDescriptor `json:"peers"`
	Total int              `json:"total"`
	Count int              `json:"count"`
}

// ErrorPayload is the body of error frames (§7).
type ErrorPayload struct {
	Reason     string `json:"reason"`
	Details    string `json:"details,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}
