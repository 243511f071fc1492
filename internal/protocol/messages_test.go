package protocol

import (
	"encoding/json"
	"testing"
)

// ---------- ParseClientMessage tests ----------

func TestParseClientMessage_Register(t *testing.T) {
	data := []byte(`{
		"type": "register",
		"user_id": "u-123",
		"username": "anon42",
		"profile": {"gender": "female", "country": "DE", "attrs": {"mood": "curious"}}
	}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRegister {
		t.Errorf("expected type %s, got %s", TypeRegister, msgType)
	}

	reg, ok := msg.(RegisterMsg)
	if !ok {
		t.Fatalf("expected RegisterMsg, got %T", msg)
	}
	if reg.UserID != "u-123" || reg.Username != "anon42" {
		t.Errorf("fields not decoded: %+v", reg)
	}
	if reg.Profile.Gender != "female" || reg.Profile.Country != "DE" {
		t.Errorf("profile not decoded: %+v", reg.Profile)
	}
	if reg.Profile.Attrs["mood"] != "curious" {
		t.Errorf("attrs not decoded: %+v", reg.Profile.Attrs)
	}
}

func TestParseClientMessage_FindPartner(t *testing.T) {
	data := []byte(`{"type": "find_partner", "filter": {"gender": "any", "country": "US"}}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindPartner {
		t.Errorf("expected type %s, got %s", TypeFindPartner, msgType)
	}

	find, ok := msg.(FindPartnerMsg)
	if !ok {
		t.Fatalf("expected FindPartnerMsg, got %T", msg)
	}
	if find.Filter.Gender != "any" || find.Filter.Country != "US" {
		t.Errorf("filter not decoded: %+v", find.Filter)
	}
}

func TestParseClientMessage_SignalPayloadIsOpaque(t *testing.T) {
	payload := `{"kind":"offer","sdp":"v=0...","nested":{"n":1.250}}`
	data := []byte(`{"type": "signal", "call_id": "c-1", "payload": ` + payload + `}`)

	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sig, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}
	if sig.CallID != "c-1" {
		t.Errorf("expected call_id c-1, got %s", sig.CallID)
	}
	// The payload must be retained byte-for-byte, not re-encoded.
	if string(sig.Payload) != payload {
		t.Errorf("payload altered:\n  want %s\n  got  %s", payload, sig.Payload)
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, _, err := ParseClientMessage([]byte(`{}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type": "teleport"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if msgType != "teleport" {
		t.Errorf("the offending type should be returned, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %+v", msg)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	// Server-to-client types are not valid input.
	if _, _, err := ParseClientMessage([]byte(`{"type": "partner_found"}`)); err == nil {
		t.Error("expected error for server-only type")
	}
}

// ---------- NewServerMessage tests ----------

func TestNewServerMessage_InjectsType(t *testing.T) {
	out, err := NewServerMessage(TypePartnerLeft, PartnerLeftMsg{
		CallID: "c-9",
		Reason: ReasonSkipped,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypePartnerLeft {
		t.Errorf("expected type %s, got %v", TypePartnerLeft, decoded["type"])
	}
	if decoded["call_id"] != "c-9" {
		t.Errorf("expected call_id c-9, got %v", decoded["call_id"])
	}
	if decoded["reason"] != ReasonSkipped {
		t.Errorf("expected reason %s, got %v", ReasonSkipped, decoded["reason"])
	}
}

func TestNewServerMessage_RoundTripsThroughParse(t *testing.T) {
	out, err := NewServerMessage(TypeWaiting, WaitingMsg{Position: 3, EstimatedWaitSeconds: 15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded WaitingMsg
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.Type != TypeWaiting || decoded.Position != 3 || decoded.EstimatedWaitSeconds != 15 {
		t.Errorf("round trip lost data: %+v", decoded)
	}
}
