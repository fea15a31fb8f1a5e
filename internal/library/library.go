// Package library implements LibraryInfo, its liveness detector and the
// LibraryRegistry of spec §3/§4.3: tracking which trading-application
// processes currently own which sessions, and reclaiming them when a
// library stops heartbeating.
package library

import (
	"errors"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
)

// ErrDuplicateLibraryID is returned by Registry.Register when library_id is
// already registered (spec §3 Invariants: "a library-id is unique across
// the LibraryRegistry; duplicate registration is rejected").
var ErrDuplicateLibraryID = errors.New("library: duplicate library id")

// LivenessDetector tracks whether a library has heartbeated within its
// configured reply timeout (spec §4.3).
type LivenessDetector struct {
	replyTimeoutMs  int64
	lastHeartbeatMs int64
}

// NewLivenessDetector seeds the detector with the library's registration
// timestamp, per spec §4.3 ("seeded with the library's registration
// timestamp").
func NewLivenessDetector(replyTimeoutMs, registeredAtMs int64) *LivenessDetector {
	return &LivenessDetector{replyTimeoutMs: replyTimeoutMs, lastHeartbeatMs: registeredAtMs}
}

// OnHeartbeat records a fresh heartbeat at nowMs.
func (d *LivenessDetector) OnHeartbeat(nowMs int64) {
	d.lastHeartbeatMs = nowMs
}

// IsDead reports whether nowMs has exceeded the reply timeout since the
// last heartbeat.
func (d *LivenessDetector) IsDead(nowMs int64) bool {
	return nowMs-d.lastHeartbeatMs > d.replyTimeoutMs
}

// Info is a registered library: its id, pub/sub channel and the sessions
// it currently owns (spec §3).
type Info struct {
	LibraryID int32
	ChannelID int32
	Liveness  *LivenessDetector
	sessions  map[int64]*session.GatewaySession // keyed by connection_id
}

// NewInfo constructs a LibraryInfo registered at nowMs.
func NewInfo(libraryID int32, channelID int32, replyTimeoutMs, nowMs int64) *Info {
	return &Info{
		LibraryID: libraryID,
		ChannelID: channelID,
		Liveness:  NewLivenessDetector(replyTimeoutMs, nowMs),
		sessions:  make(map[int64]*session.GatewaySession),
	}
}

// AddSession records that this library now owns s.
func (i *Info) AddSession(s *session.GatewaySession) {
	i.sessions[s.Connection.ID] = s
}

// RemoveSession drops ownership of the session bound to connectionID.
func (i *Info) RemoveSession(connectionID int64) (*session.GatewaySession, bool) {
	s, ok := i.sessions[connectionID]
	if ok {
		delete(i.sessions, connectionID)
	}
	return s, ok
}

// Sessions returns every session currently owned by this library.
func (i *Info) Sessions() []*session.GatewaySession {
	out := make([]*session.GatewaySession, 0, len(i.sessions))
	for _, s := range i.sessions {
		out = append(out, s)
	}
	return out
}

// Registry is the map of library_id -> LibraryInfo (spec §3).
type Registry struct {
	libraries map[int32]*Info
}

// NewRegistry returns an empty LibraryRegistry.
func NewRegistry() *Registry {
	return &Registry{libraries: make(map[int32]*Info)}
}

// Register adds a newly connected library, rejecting duplicate ids.
func (r *Registry) Register(info *Info) error {
	if _, exists := r.libraries[info.LibraryID]; exists {
		return ErrDuplicateLibraryID
	}
	r.libraries[info.LibraryID] = info
	return nil
}

// Get looks up a library by id.
func (r *Registry) Get(libraryID int32) (*Info, bool) {
	info, ok := r.libraries[libraryID]
	return info, ok
}

// Remove drops a library from the registry (declared dead, or explicit
// disconnect).
func (r *Registry) Remove(libraryID int32) (*Info, bool) {
	info, ok := r.libraries[libraryID]
	if ok {
		delete(r.libraries, libraryID)
	}
	return info, ok
}

// All returns every registered library. Used by the admin query_libraries()
// command (spec §4.1).
func (r *Registry) All() []*Info {
	out := make([]*Info, 0, len(r.libraries))
	for _, info := range r.libraries {
		out = append(out, info)
	}
	return out
}

// PollDead advances every library's liveness detector at nowMs and returns
// the ones that have exceeded their reply timeout, removing them from the
// registry (spec §4.3: "poll_libraries(now_ms) advances each detector; if a
// library has not heartbeated within the timeout it is declared dead,
// removed from the registry").
func (r *Registry) PollDead(nowMs int64) []*Info {
	var dead []*Info
	for id, info := range r.libraries {
		if info.Liveness.IsDead(nowMs) {
			dead = append(dead, info)
			delete(r.libraries, id)
		}
	}
	return dead
}
