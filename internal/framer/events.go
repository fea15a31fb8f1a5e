package framer

import "github.com/life-stream-dev/ilink3-gateway-core/internal/endpoint"

// ErrorKind enumerates the error frames published on the inbound stream
// (spec §6 "Error kinds").
type ErrorKind string

const (
	UnknownLibrary     ErrorKind = "UNKNOWN_LIBRARY"
	UnableToConnect    ErrorKind = "UNABLE_TO_CONNECT"
	DuplicateSession   ErrorKind = "DUPLICATE_SESSION"
	DuplicateLibraryID ErrorKind = "DUPLICATE_LIBRARY_ID"
	ErrorKindException ErrorKind = "EXCEPTION"
)

// SessionReplyStatus enumerates the outcomes of a release/request-session
// reply (spec §6 "Session reply statuses").
type SessionReplyStatus string

const (
	StatusOK                    SessionReplyStatus = "OK"
	StatusUnknownLibrary        SessionReplyStatus = "UNKNOWN_LIBRARY"
	StatusUnknownSession        SessionReplyStatus = "UNKNOWN_SESSION"
	StatusSessionNotLoggedIn    SessionReplyStatus = "SESSION_NOT_LOGGED_IN"
	StatusSequenceNumberTooHigh SessionReplyStatus = "SEQUENCE_NUMBER_TOO_HIGH"
)

// LogonStatus distinguishes a fresh logon from a library-notification
// replay of an already-established session (spec §4.1 onLibraryConnect).
type LogonStatus string

const (
	LogonNew           LogonStatus = "NEW"
	LogonLibraryNotify LogonStatus = "LIBRARY_NOTIFICATION"
)

// Connect is published once per accepted connection (spec §6).
type Connect struct {
	Kind         string `json:"kind"`
	ConnectionID int64  `json:"connection_id"`
	Address      string `json:"address"`
}

// ManageConnection notifies a library (or the gateway itself, libraryId ==
// GatewayLibraryID) that it now owns a connection (spec §6).
type ManageConnection struct {
	Kind              string             `json:"kind"`
	ConnectionID      int64              `json:"connection_id"`
	SessionID         int64              `json:"session_id"`
	Address           string             `json:"address"`
	LibraryID         int32              `json:"library_id"`
	Direction         endpoint.Direction `json:"direction"`
	LastSentSeqNo     int64              `json:"last_sent_seq_no"`
	LastReceivedSeqNo int64              `json:"last_received_seq_no"`
	State             string             `json:"state"`
	HeartbeatInS      int                `json:"heartbeat_in_s"`
	CorrelationID     int64              `json:"correlation_id"`
}

// Logon reports a session's logon state to a library (spec §6).
type Logon struct {
	Kind              string             `json:"kind"`
	LibraryID         int32              `json:"library_id"`
	ConnectionID      int64              `json:"connection_id"`
	SessionID         int64              `json:"session_id"`
	LastSentSeqNo     int64              `json:"last_sent_seq_no"`
	LastReceivedSeqNo int64              `json:"last_received_seq_no"`
	CompKey           string             `json:"comp_key"`
	Username          string             `json:"username"`
	Password          string             `json:"password"`
	Status            LogonStatus        `json:"status"`
}

// Error is published for every recoverable protocol or I/O failure (spec
// §6, §7).
type Error struct {
	Kind          string    `json:"kind"`
	ErrorKind     ErrorKind `json:"error_kind"`
	LibraryID     int32     `json:"library_id"`
	CorrelationID int64     `json:"correlation_id"`
	Message       string    `json:"message"`
}

// ReleaseSessionReply answers a library's on_release_session request
// (spec §6).
type ReleaseSessionReply struct {
	Kind          string             `json:"kind"`
	Status        SessionReplyStatus `json:"status"`
	CorrelationID int64              `json:"correlation_id"`
}

// RequestSessionReply answers a library's on_request_session request
// (spec §6).
type RequestSessionReply struct {
	Kind          string             `json:"kind"`
	Status        SessionReplyStatus `json:"status"`
	CorrelationID int64              `json:"correlation_id"`
}

// Catchup announces the number of historical messages about to be replayed
// to align a library's view of a session (spec §6).
type Catchup struct {
	Kind          string `json:"kind"`
	LibraryID     int32  `json:"library_id"`
	ConnectionID  int64  `json:"connection_id"`
	ExpectedCount int64  `json:"expected_count"`
}

// ResetSessionIds notifies the book that the session-id allocator has been
// reset (spec §6).
type ResetSessionIds struct {
	Kind string `json:"kind"`
}
