package framer

import "github.com/life-stream-dev/ilink3-gateway-core/internal/session"

// Command kinds carried on the outbound library stream (spec §6: "subscribes
// InitiateConnection, RequestDisconnect, LibraryConnect,
// ApplicationHeartbeat, ReleaseSession, RequestSession, and per-session
// message frames").
const (
	KindInitiateConnection = "INITIATE_CONNECTION"
	KindRequestDisconnect  = "REQUEST_DISCONNECT"
	KindLibraryConnect     = "LIBRARY_CONNECT"
	KindApplicationHB      = "APPLICATION_HEARTBEAT"
	KindReleaseSession     = "RELEASE_SESSION"
	KindRequestSession     = "REQUEST_SESSION"
	KindSaveLogon          = "SAVE_LOGON"
	KindMessageFrame       = "MESSAGE_FRAME"
)

// envelope is the common header every command on the outbound stream
// carries, used to dispatch to the right typed payload without touching an
// SBE codec (out of scope per spec §1).
type envelope struct {
	Kind string `json:"kind"`
}

// InitiateConnectionCmd asks the Framer to dial an exchange endpoint on
// behalf of libraryID (spec §4.1 "Initiate handling").
type InitiateConnectionCmd struct {
	Kind               string               `json:"kind"`
	LibraryID          int32                `json:"library_id"`
	Address            string               `json:"address"`
	Key                session.CompositeKey `json:"key"`
	Username           string               `json:"username"`
	Password           string               `json:"password"`
	HeartbeatIntervalS int                  `json:"heartbeat_interval_s"`
	CorrelationID      int64                `json:"correlation_id"`
}

// RequestDisconnectCmd asks the Framer to tear down connectionID.
type RequestDisconnectCmd struct {
	Kind         string `json:"kind"`
	ConnectionID int64  `json:"connection_id"`
	Reason       string `json:"reason"`
}

// LibraryConnectCmd registers a new library (spec §4.3).
type LibraryConnectCmd struct {
	Kind          string `json:"kind"`
	LibraryID     int32  `json:"library_id"`
	ChannelID     int32  `json:"channel_id"`
	CorrelationID int64  `json:"correlation_id"`
}

// ApplicationHeartbeatCmd feeds a library's LivenessDetector (spec §4.3,
// SPEC_FULL "SUPPLEMENTED FEATURES").
type ApplicationHeartbeatCmd struct {
	Kind      string `json:"kind"`
	LibraryID int32  `json:"library_id"`
}

// ReleaseSessionCmd hands a session back from a library to the gateway pool
// (spec §4.1 "Session handover").
type ReleaseSessionCmd struct {
	Kind          string `json:"kind"`
	LibraryID     int32  `json:"library_id"`
	ConnectionID  int64  `json:"connection_id"`
	CorrelationID int64  `json:"correlation_id"`
}

// RequestSessionCmd asks the Framer to hand a gateway-owned session over to
// a library, optionally replaying from a given sequence number (spec §4.1,
// §4.4 catch-up phase).
type RequestSessionCmd struct {
	Kind                     string `json:"kind"`
	LibraryID                int32  `json:"library_id"`
	ConnectionID             int64  `json:"connection_id"`
	ReplayFromSequenceNumber int64  `json:"replay_from_sequence_number"`
	CorrelationID            int64  `json:"correlation_id"`
}

// SaveLogonCmd models the boundary with the out-of-scope SBE codec layer: it
// has already decoded a Logon message off the wire for connectionID and asks
// the Framer to record it (spec §1: "The Framer does not parse payloads; it
// reads only the fixed header to route by connection_id" — logon field
// extraction is this external collaborator's job, not the Framer's).
type SaveLogonCmd struct {
	Kind         string               `json:"kind"`
	ConnectionID int64                `json:"connection_id"`
	Key          session.CompositeKey `json:"key"`
	Username     string               `json:"username"`
	Password     string               `json:"password"`
}

// MessageFrameCmd is a per-session application message frame forwarded to
// the connection's Sender, from the outbound library stream, the "slow"
// fan-out stream or the replay stream.
type MessageFrameCmd struct {
	Kind         string `json:"kind"`
	ConnectionID int64  `json:"connection_id"`
	Payload      []byte `json:"payload"`
}
