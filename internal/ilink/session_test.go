package ilink

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/clock"
)

type fakeProxy struct {
	negotiateErr error
	establishErr error
	terminateErr error

	negotiateCalls int
	establishCalls int
	terminateCalls int

	lastNegotiateSig []byte
	lastEstablishSig []byte
}

func (p *fakeProxy) SendNegotiate(sig []byte, accessKeyID string, uuid, requestTimestamp int64, sessionID, firmID string) error {
	p.negotiateCalls++
	p.lastNegotiateSig = sig
	return p.negotiateErr
}

func (p *fakeProxy) SendEstablish(sig []byte, accessKeyID, tradingSystemName, tradingSystemVendor, tradingSystemVersion string,
	uuid, requestTimestamp, nextSentSeqNo int64, sessionID, firmID string, keepAliveInterval int) error {
	p.establishCalls++
	p.lastEstablishSig = sig
	return p.establishErr
}

func (p *fakeProxy) SendTerminate(reason string, uuid, requestTimestamp int64, errorCodes int) error {
	p.terminateCalls++
	return p.terminateErr
}

type fakeOwner struct {
	disconnects []DisconnectReason
	unbound     bool
}

func (o *fakeOwner) RequestDisconnect(connectionID int64, reason DisconnectReason) {
	o.disconnects = append(o.disconnects, reason)
}

func (o *fakeOwner) OnUnbind(s *Session) {
	o.unbound = true
}

func testConfig() Config {
	return Config{
		SessionID:                  "ABC",
		FirmID:                     "FIRM",
		AccessKeyID:                "access-key",
		UserKey:                    "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		TradingSystemName:          "sys",
		TradingSystemVersion:       "1.0",
		TradingSystemVendor:        "vendor",
		RequestedKeepAliveInterval: 10,
		InitialSentSequenceNumber:  AutomaticInitialSequenceNumber,
	}
}

func TestNegotiateCanonicalStringAndHMACMatchesSpecExample(t *testing.T) {
	const (
		uuid             = int64(1_600_000_000_000_000)
		sessionID        = "ABC"
		firmID           = "FIRM"
		requestTimestamp = int64(1_600_000_000_000_000_000)
		key              = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	)

	canonical := negotiateCanonical(requestTimestamp, uuid, sessionID, firmID)
	want := "1600000000000000000\n1600000000000000\nABC\nFIRM"
	if canonical != want {
		t.Fatalf("canonical string = %q, want %q", canonical, want)
	}

	got, err := computeHMAC(key, canonical)
	if err != nil {
		t.Fatalf("computeHMAC: unexpected error %v", err)
	}

	decodedKey, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("failed to decode test key: %v", err)
	}
	mac := hmac.New(sha256.New, decodedKey)
	mac.Write([]byte(canonical))
	want32 := mac.Sum(nil)

	if !bytes.Equal(got, want32) {
		t.Fatalf("HMAC mismatch: got %x, want %x", got, want32)
	}
	if len(got) != 32 {
		t.Fatalf("expected 32-byte HMAC output, got %d bytes", len(got))
	}
}

func TestHMACIsDeterministicAndFieldSensitive(t *testing.T) {
	canonical := negotiateCanonical(1, 2, "ABC", "FIRM")
	sig1, _ := computeHMAC("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", canonical)
	sig2, _ := computeHMAC("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", canonical)
	if !bytes.Equal(sig1, sig2) {
		t.Fatalf("expected identical inputs to yield identical HMAC output")
	}

	swapped := negotiateCanonical(1, 2, "XYZ", "FIRM")
	sig3, _ := computeHMAC("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", swapped)
	if bytes.Equal(sig1, sig3) {
		t.Fatalf("expected swapping sessionId to change the HMAC output")
	}
}

func TestNewSessionSendsNegotiateAndTransitions(t *testing.T) {
	proxy := &fakeProxy{}
	owner := &fakeOwner{}
	clk := &clock.ManualClock{Millis: 1000, Nanos: 0}

	s := NewSession(proxy, owner, testConfig(), 1, clk)

	if proxy.negotiateCalls != 1 {
		t.Fatalf("expected exactly 1 SendNegotiate call, got %d", proxy.negotiateCalls)
	}
	if s.State() != SentNegotiate {
		t.Fatalf("expected state SENT_NEGOTIATE, got %s", s.State())
	}
	if s.NextSentSeqNo() != 1 {
		t.Fatalf("expected AUTOMATIC initial sequence number to resolve to 1, got %d", s.NextSentSeqNo())
	}
}

func TestFullHandshakeNegotiateToEstablished(t *testing.T) {
	proxy := &fakeProxy{}
	owner := &fakeOwner{}
	clk := &clock.ManualClock{Millis: 1000, Nanos: 0}

	s := NewSession(proxy, owner, testConfig(), 1, clk)

	if err := s.OnNegotiationResponse(s.UUID(), 0, 0, 0); err != nil {
		t.Fatalf("OnNegotiationResponse: unexpected error %v", err)
	}
	if s.State() != SentEstablish {
		t.Fatalf("expected state SENT_ESTABLISH after negotiation response, got %s", s.State())
	}
	if proxy.establishCalls != 1 {
		t.Fatalf("expected exactly 1 SendEstablish call, got %d", proxy.establishCalls)
	}

	if err := s.OnEstablishmentAck(s.UUID(), 0, 1, 0, 0, 10); err != nil {
		t.Fatalf("OnEstablishmentAck: unexpected error %v", err)
	}
	if s.State() != Established {
		t.Fatalf("expected state ESTABLISHED, got %s", s.State())
	}

	if err := s.validateCanSend(); err != nil {
		t.Fatalf("expected validateCanSend to succeed in ESTABLISHED, got %v", err)
	}
}

func TestUUIDMismatchDisconnectsAndDoesNotAdvance(t *testing.T) {
	proxy := &fakeProxy{}
	owner := &fakeOwner{}
	clk := &clock.ManualClock{Millis: 1000, Nanos: 0}

	s := NewSession(proxy, owner, testConfig(), 1, clk)

	err := s.OnNegotiationResponse(s.UUID()+1, 0, 0, 0)
	if err != ErrUUIDMismatch {
		t.Fatalf("expected ErrUUIDMismatch, got %v", err)
	}
	if s.State() != SentNegotiate {
		t.Fatalf("expected state to remain SENT_NEGOTIATE after mismatch, got %s", s.State())
	}
	if len(owner.disconnects) != 1 {
		t.Fatalf("expected exactly 1 disconnect request, got %d", len(owner.disconnects))
	}
}

func TestTerminateByPeerUnbindsAndEchoes(t *testing.T) {
	proxy := &fakeProxy{}
	owner := &fakeOwner{}
	clk := &clock.ManualClock{Millis: 1000, Nanos: 0}

	s := NewSession(proxy, owner, testConfig(), 1, clk)
	_ = s.OnNegotiationResponse(s.UUID(), 0, 0, 0)
	_ = s.OnEstablishmentAck(s.UUID(), 0, 1, 0, 0, 10)

	if err := s.OnTerminate("bye", s.UUID(), 0, 0); err != nil {
		t.Fatalf("OnTerminate: unexpected error %v", err)
	}
	if s.State() != Unbound {
		t.Fatalf("expected state UNBOUND after peer terminate, got %s", s.State())
	}
	if proxy.terminateCalls != 1 {
		t.Fatalf("expected the session to echo exactly 1 Terminate, got %d", proxy.terminateCalls)
	}
	if !owner.unbound {
		t.Fatalf("expected owner.OnUnbind to be invoked")
	}
	if len(owner.disconnects) != 1 || owner.disconnects[0] != Logout {
		t.Fatalf("expected a single LOGOUT disconnect request, got %v", owner.disconnects)
	}
}

func TestOwnTerminateThenPeerAckUnbindsWithoutEcho(t *testing.T) {
	proxy := &fakeProxy{}
	owner := &fakeOwner{}
	clk := &clock.ManualClock{Millis: 1000, Nanos: 0}

	s := NewSession(proxy, owner, testConfig(), 1, clk)
	_ = s.OnNegotiationResponse(s.UUID(), 0, 0, 0)
	_ = s.OnEstablishmentAck(s.UUID(), 0, 1, 0, 0, 10)

	if err := s.Terminate("done", 0); err != nil {
		t.Fatalf("Terminate: unexpected error %v", err)
	}
	if s.State() != Unbinding {
		t.Fatalf("expected state UNBINDING, got %s", s.State())
	}

	if err := s.OnTerminate("done", s.UUID(), 0, 0); err != nil {
		t.Fatalf("OnTerminate: unexpected error %v", err)
	}
	if s.State() != Unbound {
		t.Fatalf("expected state UNBOUND, got %s", s.State())
	}
	// Only the initiating Terminate was sent; the peer's echo does not
	// trigger a second outbound Terminate.
	if proxy.terminateCalls != 1 {
		t.Fatalf("expected exactly 1 SendTerminate call, got %d", proxy.terminateCalls)
	}
}

func TestTerminateRequiresEstablishedState(t *testing.T) {
	proxy := &fakeProxy{}
	owner := &fakeOwner{}
	clk := &clock.ManualClock{Millis: 1000, Nanos: 0}

	s := NewSession(proxy, owner, testConfig(), 1, clk)

	if err := s.Terminate("bye", 0); err == nil {
		t.Fatalf("expected Terminate to fail from SENT_NEGOTIATE")
	}
}

func TestInvalidUserKeyPanicsAtConstruction(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected NewSession to panic on an invalid base64url user key")
		}
	}()

	cfg := testConfig()
	cfg.UserKey = "not valid base64url!!"
	clk := &clock.ManualClock{}
	NewSession(&fakeProxy{}, &fakeOwner{}, cfg, 1, clk)
}
