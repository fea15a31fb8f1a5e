package library

import (
	"testing"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/endpoint"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
)

func TestRegistryRejectsDuplicateLibraryID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewInfo(7, 1, 1000, 0)); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	err := r.Register(NewInfo(7, 2, 1000, 0))
	if err != ErrDuplicateLibraryID {
		t.Fatalf("expected ErrDuplicateLibraryID, got %v", err)
	}
}

func TestLivenessDetectorDeclaresDeathAfterTimeout(t *testing.T) {
	d := NewLivenessDetector(1000, 0)
	if d.IsDead(500) {
		t.Fatalf("should not be dead before timeout")
	}
	if !d.IsDead(1501) {
		t.Fatalf("should be dead after exceeding timeout")
	}
}

func TestLivenessDetectorResetsOnHeartbeat(t *testing.T) {
	d := NewLivenessDetector(1000, 0)
	d.OnHeartbeat(1000)
	if d.IsDead(1999) {
		t.Fatalf("should not be dead within timeout of latest heartbeat")
	}
}

func TestPollDeadRemovesAndReturnsOnlyDeadLibraries(t *testing.T) {
	r := NewRegistry()
	alive := NewInfo(1, 1, 1000, 0)
	alive.Liveness.OnHeartbeat(900)
	dead := NewInfo(2, 2, 1000, 0)

	_ = r.Register(alive)
	_ = r.Register(dead)

	reclaimed := r.PollDead(1001)
	if len(reclaimed) != 1 || reclaimed[0].LibraryID != 2 {
		t.Fatalf("expected only library 2 reclaimed, got %+v", reclaimed)
	}
	if _, ok := r.Get(2); ok {
		t.Fatalf("expected dead library removed from registry")
	}
	if _, ok := r.Get(1); !ok {
		t.Fatalf("expected alive library to remain registered")
	}
}

func TestInfoAddRemoveSession(t *testing.T) {
	info := NewInfo(1, 1, 1000, 0)
	s := &session.GatewaySession{Connection: &endpoint.Connection{ID: 42}}
	info.AddSession(s)

	if len(info.Sessions()) != 1 {
		t.Fatalf("expected 1 session owned by library")
	}
	removed, ok := info.RemoveSession(42)
	if !ok || removed != s {
		t.Fatalf("expected RemoveSession to return the added session")
	}
	if len(info.Sessions()) != 0 {
		t.Fatalf("expected 0 sessions after removal")
	}
}
