package store

import (
	"context"
	"testing"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
)

func TestMemorySessionIDStoreAllocatesOncePerKey(t *testing.T) {
	s := NewMemorySessionIDStore()
	key := session.CompositeKey{SenderCompID: "A", TargetCompID: "B"}

	id1, err := s.OnLogon(key)
	if err != nil {
		t.Fatalf("OnLogon: unexpected error %v", err)
	}
	id2, err := s.OnLogon(key)
	if err != nil {
		t.Fatalf("OnLogon: unexpected error %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected repeated logon with the same key to return the same session id, got %d and %d", id1, id2)
	}

	other := session.CompositeKey{SenderCompID: "C", TargetCompID: "D"}
	id3, err := s.OnLogon(other)
	if err != nil {
		t.Fatalf("OnLogon: unexpected error %v", err)
	}
	if id3 == id1 {
		t.Fatalf("expected a distinct composite key to get a distinct session id")
	}
}

func TestMemorySequenceIndexTracksEverLoggedIn(t *testing.T) {
	idx := NewMemorySequenceIndex()
	ctx := context.Background()

	_, _, everLoggedIn, err := idx.LastKnown(ctx, 1)
	if err != nil {
		t.Fatalf("LastKnown: unexpected error %v", err)
	}
	if everLoggedIn {
		t.Fatalf("expected everLoggedIn=false for a session with no recorded sequence numbers")
	}

	if err := idx.RecordReceived(ctx, 1, 5); err != nil {
		t.Fatalf("RecordReceived: unexpected error %v", err)
	}

	lastSent, lastRecv, everLoggedIn, err := idx.LastKnown(ctx, 1)
	if err != nil {
		t.Fatalf("LastKnown: unexpected error %v", err)
	}
	if !everLoggedIn {
		t.Fatalf("expected everLoggedIn=true after recording a sequence number")
	}
	if lastSent != 0 || lastRecv != 5 {
		t.Fatalf("expected lastSent=0 lastRecv=5, got %d/%d", lastSent, lastRecv)
	}
}
