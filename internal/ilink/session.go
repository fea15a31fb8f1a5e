// Package ilink implements the ILink3 Session state machine of spec §4.5:
// the negotiate/establish/terminate handshake, HMAC-SHA256 request
// signing, UUID/timestamp derivation and sequence-number management for
// CME's ILink3 binary protocol.
package ilink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/clock"
)

const (
	microsInMilli = 1_000
	nanosInMicro  = 1_000
	nanosInMilli  = microsInMilli * nanosInMicro
)

// AutomaticInitialSequenceNumber is the configuration sentinel meaning
// "derive the initial sent sequence number automatically" (spec §4.5:
// "if the configuration's initialSentSequenceNumber == AUTOMATIC then 1").
const AutomaticInitialSequenceNumber int64 = -1

// State is a node in the ILink3 handshake graph of spec §4.5.
type State int

const (
	Connected State = iota
	SentNegotiate
	NegotiateRejected
	Negotiated
	SentEstablish
	EstablishRejected
	Established
	Unbinding
	Unbound
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case SentNegotiate:
		return "SENT_NEGOTIATE"
	case NegotiateRejected:
		return "NEGOTIATE_REJECTED"
	case Negotiated:
		return "NEGOTIATED"
	case SentEstablish:
		return "SENT_ESTABLISH"
	case EstablishRejected:
		return "ESTABLISH_REJECTED"
	case Established:
		return "ESTABLISHED"
	case Unbinding:
		return "UNBINDING"
	case Unbound:
		return "UNBOUND"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DisconnectReason is passed to the owner when the session requests the
// Framer tear down its socket.
type DisconnectReason string

const Logout DisconnectReason = "LOGOUT"

// ErrIllegalState is returned when an operation is attempted from a state
// that does not permit it (spec §4.5 "Send-validation", §8 "unreachable
// transitions yield an IllegalState error").
var ErrIllegalState = errors.New("ilink: illegal state")

// ErrUUIDMismatch is the protocol-violation error for a reply whose UUID
// does not match this session's (spec §9 Open Questions: "implementations
// should define disconnect with protocol violation as the conservative
// behavior").
var ErrUUIDMismatch = errors.New("ilink: uuid mismatch")

// Config bundles the per-session ILink3 configuration named in spec §4.5:
// identity fields, the HMAC secret and trading-system metadata sent on
// Establish.
type Config struct {
	SessionID   string
	FirmID      string
	AccessKeyID string
	// UserKey is the base64url-encoded HMAC-SHA256 secret (spec §4.5
	// "HMAC signing").
	UserKey string

	TradingSystemName    string
	TradingSystemVersion string
	TradingSystemVendor  string

	RequestedKeepAliveInterval int

	// InitialSentSequenceNumber is either a configured starting sequence
	// number or AutomaticInitialSequenceNumber.
	InitialSentSequenceNumber int64
}

// Proxy encodes and publishes the three handshake message types. A
// non-nil error means the publish was back-pressured or failed; the
// caller (Session) does not advance state in that case.
type Proxy interface {
	SendNegotiate(hmacSignature []byte, accessKeyID string, uuid, requestTimestamp int64, sessionID, firmID string) error
	SendEstablish(
		hmacSignature []byte, accessKeyID, tradingSystemName, tradingSystemVendor, tradingSystemVersion string,
		uuid, requestTimestamp, nextSentSeqNo int64, sessionID, firmID string, keepAliveInterval int,
	) error
	SendTerminate(reason string, uuid, requestTimestamp int64, errorCodes int) error
}

// Owner is the Session's event sink — the Framer, or whatever holds the
// EndpointTable — inverted behind an interface to avoid a Session ->
// Framer import cycle (spec §9 "Cyclic reference avoidance").
type Owner interface {
	RequestDisconnect(connectionID int64, reason DisconnectReason)
	OnUnbind(s *Session)
}

// Session is one connection's ILink3 protocol state machine (spec §3,
// §4.5).
type Session struct {
	proxy        Proxy
	owner        Owner
	config       Config
	connectionID int64
	clk          clock.Clock

	uuid          int64
	state         State
	nextSentSeqNo int64
}

// NewSession constructs a Session, computes its UUID and initial sequence
// number, and immediately sends the Negotiate request (spec §4.5, mirroring
// the original's constructor-driven handshake kickoff). A malformed
// base64url user key is the one legitimate unchecked failure here (spec §7
// "Configuration / cryptographic: ... fatal at session construction").
func NewSession(proxy Proxy, owner Owner, config Config, connectionID int64, clk clock.Clock) *Session {
	if _, err := decodeUserKey(config.UserKey); err != nil {
		panic(fmt.Sprintf("ilink: invalid user key: %v", err))
	}

	s := &Session{
		proxy:        proxy,
		owner:        owner,
		config:       config,
		connectionID: connectionID,
		clk:          clk,
		state:        Connected,
	}
	s.uuid = s.microsecondTimestamp()
	s.nextSentSeqNo = calculateInitialSentSequenceNumber(config)

	s.sendNegotiate()

	return s
}

func calculateInitialSentSequenceNumber(config Config) int64 {
	if config.InitialSentSequenceNumber == AutomaticInitialSequenceNumber {
		return 1
	}
	return config.InitialSentSequenceNumber
}

// microsecondTimestamp computes the 64-bit microsecond UUID of spec §4.5:
// "(current_millis * 1000) + (monotonic_nanos * 1000 mod 1000)". This
// preserves the original's formula exactly, sub-millisecond term included.
func (s *Session) microsecondTimestamp() int64 {
	microseconds := (nanosInMicro * s.clk.NanoTime()) % microsInMilli
	return s.clk.TimeMillis()*microsInMilli + microseconds
}

// requestTimestamp computes the nanosecond-resolution epoch timestamp of
// spec §4.5 attached to every outgoing Negotiate/Establish/Terminate:
// "(current_millis * 1_000_000) + (monotonic_nanos mod 1_000_000)".
func (s *Session) requestTimestamp() int64 {
	nanoseconds := s.clk.NanoTime() % nanosInMilli
	return s.clk.TimeMillis()*nanosInMilli + nanoseconds
}

func decodeUserKey(userKey string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(userKey)
}

// computeHMAC computes the 32-byte HMAC-SHA256 signature over canonical,
// keyed by the base64url-decoded userKey (spec §4.5 "HMAC signing").
func computeHMAC(userKey, canonical string) ([]byte, error) {
	key, err := decodeUserKey(userKey)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical))
	return mac.Sum(nil), nil
}

// calculateHMAC computes the 32-byte HMAC-SHA256 signature over canonical
// using this session's user key.
func (s *Session) calculateHMAC(canonical string) []byte {
	signature, err := computeHMAC(s.config.UserKey, canonical)
	if err != nil {
		// NewSession already validated this key; a failure here would
		// mean the configuration was mutated after construction.
		panic(fmt.Sprintf("ilink: invalid user key: %v", err))
	}
	return signature
}

// negotiateCanonical builds the canonical string for a Negotiate request
// (spec §4.5): requestTimestamp "\n" uuid "\n" sessionId "\n" firmId.
func negotiateCanonical(requestTimestamp, uuid int64, sessionID, firmID string) string {
	return strings.Join([]string{
		strconv.FormatInt(requestTimestamp, 10),
		strconv.FormatInt(uuid, 10),
		sessionID,
		firmID,
	}, "\n")
}

// establishCanonical extends negotiateCanonical with the trading-system
// identity and session parameters sent on Establish (spec §4.5).
func establishCanonical(
	requestTimestamp, uuid int64, sessionID, firmID, tradingSystemName, tradingSystemVersion,
	tradingSystemVendor string, nextSentSeqNo int64, keepAliveInterval int,
) string {
	return strings.Join([]string{
		strconv.FormatInt(requestTimestamp, 10),
		strconv.FormatInt(uuid, 10),
		sessionID,
		firmID,
		tradingSystemName,
		tradingSystemVersion,
		tradingSystemVendor,
		strconv.FormatInt(nextSentSeqNo, 10),
		strconv.Itoa(keepAliveInterval),
	}, "\n")
}

func (s *Session) sendNegotiate() {
	requestTimestamp := s.requestTimestamp()
	canonical := negotiateCanonical(requestTimestamp, s.uuid, s.config.SessionID, s.config.FirmID)
	signature := s.calculateHMAC(canonical)

	err := s.proxy.SendNegotiate(signature, s.config.AccessKeyID, s.uuid, requestTimestamp, s.config.SessionID, s.config.FirmID)
	if err == nil {
		s.state = SentNegotiate
	}
}

func (s *Session) sendEstablish() {
	requestTimestamp := s.requestTimestamp()
	canonical := establishCanonical(
		requestTimestamp, s.uuid, s.config.SessionID, s.config.FirmID,
		s.config.TradingSystemName, s.config.TradingSystemVersion, s.config.TradingSystemVendor,
		s.nextSentSeqNo, s.config.RequestedKeepAliveInterval,
	)
	signature := s.calculateHMAC(canonical)

	err := s.proxy.SendEstablish(
		signature, s.config.AccessKeyID, s.config.TradingSystemName, s.config.TradingSystemVendor,
		s.config.TradingSystemVersion, s.uuid, requestTimestamp, s.nextSentSeqNo, s.config.SessionID,
		s.config.FirmID, s.config.RequestedKeepAliveInterval,
	)
	if err == nil {
		s.state = SentEstablish
	}
}

func (s *Session) sendTerminate(reason string, errorCodes int) error {
	requestTimestamp := s.requestTimestamp()
	return s.proxy.SendTerminate(reason, s.uuid, requestTimestamp, errorCodes)
}

// validateCanSend enforces spec §4.5 "Send-validation": business messages
// may be claimed only in state ESTABLISHED.
func (s *Session) validateCanSend() error {
	if s.state != Established {
		return fmt.Errorf("%w: state should be ESTABLISHED in order to send but is %s", ErrIllegalState, s.state)
	}
	return nil
}

// Terminate sends a Terminate request and moves to UNBINDING once it is
// accepted by the proxy (spec §4.5 graph: "ESTABLISHED --terminate()-->
// UNBINDING").
func (s *Session) Terminate(reason string, errorCodes int) error {
	if err := s.validateCanSend(); err != nil {
		return err
	}
	if err := s.sendTerminate(reason, errorCodes); err != nil {
		return err
	}
	s.state = Unbinding
	return nil
}

// Poll is the documented no-op placeholder of spec §9 Open Questions:
// "poll(timeInMs) on IlinkSession is a TODO placeholder; keepalive/
// retransmit timing is unspecified in the source." It intentionally does
// not invent retry/keepalive semantics beyond the spec.
func (s *Session) Poll(timeInMs int64) int {
	return 0
}

// OnNegotiationResponse handles the peer's reply to our Negotiate (spec
// §4.5 graph: "SENT_NEGOTIATE --onNegotiationResponse--> NEGOTIATED -->
// sendEstablish --> SENT_ESTABLISH"). A UUID mismatch is treated as a
// protocol violation: the session is disconnected and does not advance
// (spec §9 Open Questions decision).
func (s *Session) OnNegotiationResponse(uuid, requestTimestamp int64, previousSeqNo, previousUUID int64) error {
	if uuid != s.uuid {
		s.owner.RequestDisconnect(s.connectionID, Logout)
		return ErrUUIDMismatch
	}

	s.state = Negotiated
	s.sendEstablish()
	return nil
}

// OnEstablishmentAck handles the peer's acceptance of our Establish (spec
// §4.5 graph: "SENT_ESTABLISH --onEstablishmentAck--> ESTABLISHED").
func (s *Session) OnEstablishmentAck(uuid, requestTimestamp, nextSeqNo, previousSeqNo, previousUUID int64, keepAliveInterval int) error {
	if uuid != s.uuid {
		s.owner.RequestDisconnect(s.connectionID, Logout)
		return ErrUUIDMismatch
	}

	s.state = Established
	return nil
}

// OnTerminate handles a Terminate frame, whether it is the peer's echo of
// our own UNBINDING request or a peer-initiated termination (spec §4.5
// graph's two terminate edges). Backpressure on an echoed Terminate is
// left unhandled exactly as spec §9 Open Questions flags it: unbind()
// proceeds regardless of the echo's publish result.
func (s *Session) OnTerminate(reason string, uuid, requestTimestamp int64, errorCodes int) error {
	if uuid != s.uuid {
		s.owner.RequestDisconnect(s.connectionID, Logout)
		return ErrUUIDMismatch
	}

	if s.state == Unbinding {
		s.unbind()
		return nil
	}

	_ = s.sendTerminate(reason, errorCodes)
	s.unbind()
	return nil
}

// unbind implements spec §4.5 "Ownership exit": sets state = UNBOUND,
// requests socket disconnect with reason LOGOUT, and notifies the owner.
func (s *Session) unbind() {
	s.state = Unbound
	s.owner.RequestDisconnect(s.connectionID, Logout)
	s.owner.OnUnbind(s)
}

// UUID returns the session's 64-bit microsecond-timestamp identifier.
func (s *Session) UUID() int64 { return s.uuid }

// State returns the current node in the handshake graph.
func (s *Session) State() State { return s.state }

// ConnectionID returns the connection this session is bound to.
func (s *Session) ConnectionID() int64 { return s.connectionID }

// NextSentSeqNo returns the next outbound sequence number.
func (s *Session) NextSentSeqNo() int64 { return s.nextSentSeqNo }
