package pairing

import (
	"testing"
	"time"
)

func TestNewPayloadRoundTrip(t *testing.T) {
	p, err := NewPayload("sess-abc", "Alice's MacBook", time.Minute)
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}
	if p.Version != Version {
		t.Fatalf("unexpected version %d", p.Version)
	}
	if p.TokenID == "" || p.Token == "" {
		t.Fatal("expected token material")
	}

	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw, time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Token != p.Token || got.RelaySessionID != "sess-abc" || got.DeviceName != "Alice's MacBook" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestNewPayloadValidation(t *testing.T) {
	if _, err := NewPayload("", "dev", time.Minute); err == nil {
		t.Fatal("expected error for missing session id")
	}
	if _, err := NewPayload("sess", "", time.Minute); err == nil {
		t.Fatal("expected error for missing device name")
	}
}

func TestTokensAreUnique(t *testing.T) {
	a, err := NewPayload("sess", "dev", time.Minute)
	if err != nil {
		t.Fatalf("payload a: %v", err)
	}
	b, err := NewPayload("sess", "dev", time.Minute)
	if err != nil {
		t.Fatalf("payload b: %v", err)
	}
	if a.Token == b.Token || a.TokenID == b.TokenID {
		t.Fatal("pairing tokens must be unique per issue")
	}
}

func TestDecodeRejectsExpired(t *testing.T) {
	p, err := NewPayload("sess", "dev", time.Minute)
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := Decode(raw, p.ExpiresAt); err == nil {
		t.Fatal("expected error at expiry instant")
	}
	if _, err := Decode(raw, p.ExpiresAt.Add(time.Second)); err == nil {
		t.Fatal("expected error after expiry")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	now := time.Now()
	if _, err := Decode([]byte("{not json"), now); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := Decode([]byte(`{"version":99}`), now); err == nil {
		t.Fatal("expected error for unknown version")
	}
	if _, err := Decode([]byte(`{"version":1,"tokenId":"t","token":"x"}`), now); err == nil {
		t.Fatal("expected error for missing relay session id")
	}
}
