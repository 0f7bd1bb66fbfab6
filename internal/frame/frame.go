// Package frame defines the JSON wire schema exchanged between clients
// and the signaling server (spec §6) and the codec that parses it.
//
// Frames are modeled as a tagged union over the "type" field: Decode
// parses the envelope and checks that it carries a type, and the
// dispatcher re-unmarshals the raw frame bytes into the concrete shape it
// expects for that type. Malformed or typeless envelopes are reported as
// invalid_json and bad payload shapes as invalid_message; Decode does not
// check the tag against the known types (the dispatcher answers an
// unrecognized one with unknown_type).
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types recognized by the dispatcher (§6).
const (
	TypeJoin         = "join"
	TypeJoinRoom     = "join-room"
	TypeLeave        = "leave"
	TypeGetPeers     = "get-peers"
	TypeGetDoc       = "get-doc"
	TypeRequestDoc   = "request-doc"
	TypeUpdate       = "update"
	TypeCursor       = "cursor"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeICEAlias     = "ice"
)

// Outbound frame types (§6).
const (
	TypeConnected      = "connected"
	TypeJoined         = "joined"
	TypeLeft           = "left"
	TypeDoc            = "doc"
	TypeDocUpdated     = "doc-updated"
	TypeUpdateRejected = "update-rejected"
	TypePeersUpdated   = "peers-updated"
	TypeError          = "error"
)

// Error reasons on the wire (§6, §7).
const (
	ReasonInvalidJSON      = "invalid_json"
	ReasonInvalidMessage   = "invalid_message"
	ReasonUnknownType      = "unknown_type"
	ReasonAuthRequired     = "auth_required"
	ReasonAuthFailed       = "auth_failed"
	ReasonTokenExpired     = "token_expired"
	ReasonRateLimited      = "rate_limited"
	ReasonServerError      = "server_error"
	ReasonJoinRequiresRoom = "join requires roomId"
)

// FromServer marks an outbound frame as server-originated (no user
// identity attached).
const FromServer = "server"

// Inbound is the generic envelope every inbound frame must satisfy.
// Handlers re-decode the raw frame bytes into their specific shape once
// Decode has confirmed Type is present.
type Inbound struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
}

// DecodeError distinguishes "could not parse the envelope (or it has no
// type)" from "parsed fine but the payload shape for its type is wrong,"
// so the dispatcher can choose between invalid_json and invalid_message.
type DecodeError struct {
	Reason  string
	Details string
}

func (e *DecodeError) Error() string {
	if e.Details == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Details)
}

var errOversize = errors.New("frame exceeds maximum size")

// Decode parses raw bytes into the generic Inbound envelope, enforcing
// the maximum frame size (default 65536 bytes per spec §4.5). It does
// NOT validate the per-type payload shape — callers do that with
// DecodePayload once they know which concrete type to expect.
func Decode(raw []byte, maxBytes int64) (*Inbound, error) {
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, &DecodeError{Reason: ReasonInvalidJSON, Details: errOversize.Error()}
	}

	var env Inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: ReasonInvalidJSON, Details: err.Error()}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: ReasonInvalidJSON, Details: "missing type field"}
	}
	return &env, nil
}

// DecodePayload re-unmarshals raw frame bytes into a concrete payload
// struct, wrapping any failure as invalid_message — the envelope parsed
// fine but the shape for this type did not.
func DecodePayload[T any](raw []byte) (T, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, &DecodeError{Reason: ReasonInvalidMessage, Details: err.Error()}
	}
	return payload, nil
}

// Outbound is the generic envelope every outbound frame carries (§6):
// From, Payload, and a millisecond timestamp. Signaling frames delivered
// directly to a resolved peer add To.
type Outbound struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Encode marshals an outbound frame to JSON. Errors are only possible
// for a Payload value that cannot be marshaled, which should never
// happen for the concrete payload structs defined in this package.
func Encode(o *Outbound) ([]byte, error) {
	return json.Marshal(o)
}
