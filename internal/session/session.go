// Package session implements GatewaySession, its composite key and the
// gateway-owned session pool of spec §3. A GatewaySession is owned by
// exactly one of: the gateway pool, or a single LibraryInfo — handover is
// modeled as a move (remove-then-insert), never a shared reference (spec
// §9 "Ownership transfer of sessions").
package session

import (
	"fmt"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/endpoint"
)

// State is the gateway-side lifecycle of a session while it is owned by the
// gateway pool (spec §3: "A session transitions through {CONNECTED, ACTIVE}
// while owned by the gateway").
type State int

const (
	Connected State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "CONNECTED"
}

// CompositeKey identifies a FIX logical session: sender/target/sub/location
// identifiers (spec §3, GLOSSARY "Composite key").
type CompositeKey struct {
	SenderCompID   string
	SenderSubID    string
	SenderLocation string
	TargetCompID   string
}

func (k CompositeKey) String() string {
	return fmt.Sprintf("%s/%s/%s->%s", k.SenderCompID, k.SenderSubID, k.SenderLocation, k.TargetCompID)
}

// SessionIDStrategy allocates the 64-bit session_id assigned on logon
// (spec §3). Implementations are an out-of-scope collaborator in the
// original design; internal/store provides a Mongo-backed one. OnLogon is
// idempotent per composite key — a reconnect under the same key must
// recover the same session_id, so duplicate-session detection (spec
// §4.1's DUPLICATE_SESSION check) is not this interface's job; it is done
// by scanning which keys are *currently* bound to a live session (see
// Framer.hasDuplicateSession).
type SessionIDStrategy interface {
	OnLogon(key CompositeKey) (sessionID int64, err error)
}

// GatewaySession pairs a Connection with ILink3 protocol session state
// (spec §3).
type GatewaySession struct {
	Connection *endpoint.Connection
	SessionID  int64
	Key        CompositeKey
	Username   string
	Password   string

	HeartbeatIntervalS int

	LastSentSeqNo     int64
	LastReceivedSeqNo int64

	State State
}

// Pool is the set of GatewaySessions currently owned by the gateway (not
// yet handed to a library, or released back to it). Sessions are keyed by
// connection_id.
type Pool struct {
	sessions map[int64]*GatewaySession
}

// NewPool returns an empty gateway-owned session pool.
func NewPool() *Pool {
	return &Pool{sessions: make(map[int64]*GatewaySession)}
}

// Insert adds a session to the pool. Used both for newly accepted/initiated
// connections and for sessions reclaimed from a dead library (spec §4.3).
func (p *Pool) Insert(s *GatewaySession) {
	p.sessions[s.Connection.ID] = s
}

// Remove takes a session out of the pool — the first half of a handover to
// a library.
func (p *Pool) Remove(connectionID int64) (*GatewaySession, bool) {
	s, ok := p.sessions[connectionID]
	if ok {
		delete(p.sessions, connectionID)
	}
	return s, ok
}

// Get looks up a pooled session without removing it.
func (p *Pool) Get(connectionID int64) (*GatewaySession, bool) {
	s, ok := p.sessions[connectionID]
	return s, ok
}

// Len reports the number of gateway-owned sessions.
func (p *Pool) Len() int {
	return len(p.sessions)
}

// All returns every gateway-owned session. Used by the admin
// gateway_sessions() query (spec §4.1).
func (p *Pool) All() []*GatewaySession {
	out := make([]*GatewaySession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}
