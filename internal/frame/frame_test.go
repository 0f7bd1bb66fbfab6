package frame

import "testing"

func TestDecodeValidEnvelope(t *testing.T) {
	in, err := Decode([]byte(`{"type":"join","roomId":"room-1"}`), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Type != TypeJoin {
		t.Errorf("Type = %q, want %q", in.Type, TypeJoin)
	}
	if in.RoomID != "room-1" {
		t.Errorf("RoomID = %q, want %q", in.RoomID, "room-1")
	}
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"roomId":"room-1"}`), 0)
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("error is %T, want *DecodeError", err)
	}
	if de.Reason != ReasonInvalidJSON {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonInvalidJSON)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`), 0)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	de := err.(*DecodeError)
	if de.Reason != ReasonInvalidJSON {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonInvalidJSON)
	}
}

func TestDecodeOversizeFrame(t *testing.T) {
	raw := []byte(`{"type":"join","roomId":"room-1"}`)
	_, err := Decode(raw, 5)
	if err == nil {
		t.Fatal("expected error for oversize frame")
	}
	de := err.(*DecodeError)
	if de.Reason != ReasonInvalidJSON {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonInvalidJSON)
	}
}

func TestDecodeNoLimitWhenZero(t *testing.T) {
	raw := []byte(`{"type":"join","roomId":"room-1"}`)
	if _, err := Decode(raw, 0); err != nil {
		t.Fatalf("unexpected error with maxBytes=0: %v", err)
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"update","roomId":"room-1","text":"hello","baseVersion":3}`)
	payload, err := DecodePayload[UpdatePayload](raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.RoomID != "room-1" || payload.Text != "hello" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if payload.BaseVersion == nil || *payload.BaseVersion != 3 {
		t.Errorf("BaseVersion = %v, want 3", payload.BaseVersion)
	}
}

func TestDecodePayloadInvalidShape(t *testing.T) {
	_, err := DecodePayload[UpdatePayload]([]byte(`{"roomId": 123}`))
	if err == nil {
		t.Fatal("expected error for invalid payload shape")
	}
	de := err.(*DecodeError)
	if de.Reason != ReasonInvalidMessage {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonInvalidMessage)
	}
}

func TestEncodeOutbound(t *testing.T) {
	out := &Outbound{
		Type:      TypeJoined,
		From:      FromServer,
		Payload:   JoinedPayload{RoomID: "room-1"},
		Timestamp: 1234,
	}
	raw, err := Encode(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	if decoded.Type != TypeJoined {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeJoined)
	}
}

func TestDecodeErrorMessageFormatting(t *testing.T) {
	withDetails := &DecodeError{Reason: ReasonInvalidJSON, Details: "boom"}
	if withDetails.Error() != "invalid_json: boom" {
		t.Errorf("Error() = %q", withDetails.Error())
	}

	bare := &DecodeError{Reason: ReasonUnknownType}
	if bare.Error() != ReasonUnknownType {
		t.Errorf("Error() = %q, want %q", bare.Error(), ReasonUnknownType)
	}
}
