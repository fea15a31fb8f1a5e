// Package framer implements the Framer of spec §4.1: the single-threaded
// cooperative worker that owns every client-facing socket, dispatches
// outbound library messages and replay traffic, accepts new connections,
// tracks library liveness and drives backpressure-aware retry of multi-step
// Transactions. It is the orchestrator composing internal/retry,
// internal/endpoint, internal/library, internal/session, internal/pubsub,
// internal/store and internal/admin; see original_source/fix-gateway-core's
// Framer.java for the method-by-method grounding of do_work()'s work order.
package framer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/admin"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/clock"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/endpoint"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/ilink"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/library"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/pubsub"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/retry"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/store"
)

// GatewayLibraryID is the reserved library_id standing for "the gateway
// itself", used on ManageConnection notices published before a library has
// acquired a session (spec §4.1 accept handling; original's GATEWAY_LIBRARY_ID).
const GatewayLibraryID int32 = -1

// readChunkSize bounds a single Receiver.Poll call inside poll_end_points.
const readChunkSize = 4096

// Config carries the recognized options of spec §6 that the Framer itself
// consumes (the rest of internal/config.Config feeds internal/store).
type Config struct {
	BindAddress                  string
	OutboundLibraryFragmentLimit int
	ReplayFragmentLimit          int
	InboundBytesReceivedLimit    int
	NoLogonDisconnectTimeout     time.Duration
	ReplyTimeoutInMs             int64
	DefaultHeartbeatIntervalInS  int

	AcceptorSequenceNumbersResetUponReconnect bool

	// IdleStrategy is the cooperative-yield hook called between re-reads
	// inside awaitIndexingUpTo, the core's one suspension point (spec §5
	// "Suspension points", §6 "framerIdleStrategy"). Defaults to
	// runtime.Gosched if nil.
	IdleStrategy func()

	ReceiverSocketBufferSize int
	SenderSocketBufferSize   int
}

// ErrorHandler receives every recoverable internal failure so the driver can
// log/alert without the worker ever propagating an exception out of do_work
// (spec §7 "Propagation").
type ErrorHandler func(err error)

// Framer is the cooperative worker of spec §4.1.
type Framer struct {
	cfg          Config
	clk          clock.Clock
	errorHandler ErrorHandler
	idleStrategy func()

	retryMgr        *retry.Manager
	endpoints       *endpoint.EndpointTable
	libraries       *library.Registry
	gatewaySessions *session.Pool
	sessionIDs      session.SessionIDStrategy
	seqIndex        store.SequenceIndex
	admin           *admin.Queue

	inbound         pubsub.Publication
	outboundLibrary pubsub.Subscription
	outboundSlow    pubsub.Subscription
	replay          pubsub.Subscription

	listener         *net.TCPListener
	connections      map[int64]*endpoint.Connection
	nextConnectionID int64

	// positionSender broadcasts the outbound stream's current position to
	// each per-library image after a pass reads new fragments (spec §4.1
	// step 2: "If any new fragments were read from the primary stream,
	// broadcast the current position to each per-library image via the
	// PositionSender", grounded on Framer.java's sendOutboundMessages).
	positionSender func(pubsub.Position)
}

// positionReporter is implemented by subscriptions that can report their
// current read cursor; *pubsub.MemoryLog subscribers satisfy it.
type positionReporter interface {
	Position() pubsub.Position
}

// SetPositionSender installs the broadcast hook invoked after
// sendOutboundMessages reads new fragments from the primary outbound stream.
func (f *Framer) SetPositionSender(fn func(pubsub.Position)) {
	f.positionSender = fn
}

// New builds a Framer from its collaborators. listener may be nil, which
// disables accept handling (spec §6: "absence disables accept").
func New(
	cfg Config,
	clk clock.Clock,
	sessionIDs session.SessionIDStrategy,
	seqIndex store.SequenceIndex,
	inbound pubsub.Publication,
	outboundLibrary, outboundSlow, replay pubsub.Subscription,
	adminQueue *admin.Queue,
	errorHandler ErrorHandler,
	listener *net.TCPListener,
) *Framer {
	if errorHandler == nil {
		errorHandler = func(err error) { logger.ErrorF("framer: unhandled error: %v", err) }
	}
	idleStrategy := cfg.IdleStrategy
	if idleStrategy == nil {
		idleStrategy = runtime.Gosched
	}
	return &Framer{
		cfg:              cfg,
		clk:              clk,
		errorHandler:     errorHandler,
		idleStrategy:     idleStrategy,
		retryMgr:         retry.NewManager(),
		endpoints:        endpoint.NewEndpointTable(),
		libraries:        library.NewRegistry(),
		gatewaySessions:  session.NewPool(),
		sessionIDs:       sessionIDs,
		seqIndex:         seqIndex,
		admin:            adminQueue,
		inbound:          inbound,
		outboundLibrary:  outboundLibrary,
		outboundSlow:     outboundSlow,
		replay:           replay,
		listener:         listener,
		connections:      make(map[int64]*endpoint.Connection),
		nextConnectionID: clk.NanoTime(),
	}
}

// DoWork performs exactly one pass over every work source and returns the
// total units of work performed, per the fixed order of spec §4.1.
func (f *Framer) DoWork() (total int) {
	defer func() {
		if r := recover(); r != nil {
			f.publishError(ErrorKindException, GatewayLibraryID, 0, fmt.Sprintf("recovered panic: %v", r))
			f.errorHandler(fmt.Errorf("framer: recovered panic: %v", r))
		}
	}()

	nowMs := f.clk.TimeMillis()

	total += f.retryMgr.AttemptSteps()
	total += f.sendOutboundMessages()
	total += f.sendReplayMessages()
	total += f.pollEndPoints()
	total += f.pollNewConnections(nowMs)
	total += f.pollLibraries(nowMs)
	total += f.pollGatewaySessions(nowMs)
	total += f.admin.Drain()

	return total
}

// --- step 1 is retryMgr.AttemptSteps(), already a single call above ---

// sendOutboundMessages is step 2: drain the outbound library stream into
// dispatch, forward the message frames of the "slow" fan-out stream to
// their Senders, then drain buffered bytes for every "slow" sender (spec
// §4.1 step 2, §4.2).
func (f *Framer) sendOutboundMessages() int {
	n := f.outboundLibrary.Poll(func(fragment pubsub.Fragment) {
		f.dispatchOutboundCommand(fragment.Payload)
	}, f.cfg.OutboundLibraryFragmentLimit)

	if n > 0 && f.positionSender != nil {
		if pr, ok := f.outboundLibrary.(positionReporter); ok {
			f.positionSender(pr.Position())
		}
	}

	if f.outboundSlow != nil {
		n += f.outboundSlow.Poll(func(fragment pubsub.Fragment) {
			var cmd MessageFrameCmd
			if err := json.Unmarshal(fragment.Payload, &cmd); err != nil {
				f.errorHandler(fmt.Errorf("framer: malformed slow-stream frame: %w", err))
				return
			}
			f.forwardToSender(cmd.ConnectionID, cmd.Payload)
		}, f.cfg.OutboundLibraryFragmentLimit)
	}

	for _, connectionID := range f.endpoints.SlowSenders() {
		sender, ok := f.endpoints.Sender(connectionID)
		if !ok {
			continue
		}
		if err := sender.PollBuffered(); err != nil {
			f.onConnectionIOError(connectionID, err)
		}
	}

	return n
}

// sendReplayMessages is step 3: drain the replay stream, forwarding each
// frame to its owning connection's Sender (spec §4.1 step 3).
func (f *Framer) sendReplayMessages() int {
	if f.replay == nil {
		return 0
	}
	return f.replay.Poll(func(fragment pubsub.Fragment) {
		var cmd MessageFrameCmd
		if err := json.Unmarshal(fragment.Payload, &cmd); err != nil {
			f.errorHandler(fmt.Errorf("framer: malformed replay frame: %w", err))
			return
		}
		f.forwardToSender(cmd.ConnectionID, cmd.Payload)
	}, f.cfg.ReplayFragmentLimit)
}

// pollEndPoints is step 4: read from every Receiver endpoint until a full
// round reads zero bytes or the cumulative limit is reached (spec §4.1 step
// 4, §8 Boundaries).
func (f *Framer) pollEndPoints() int {
	return f.endpoints.PollAll(f.cfg.InboundBytesReceivedLimit, readChunkSize, func(connectionID int64) {
		logger.DebugF("framer: receiver for connection %d back-pressured", connectionID)
	})
}

// pollNewConnections is step 5: a non-blocking accept loop (spec §4.1 step 5,
// "Accept handling").
func (f *Framer) pollNewConnections(nowMs int64) int {
	if f.listener == nil {
		return 0
	}

	n := 0
	for {
		_ = f.listener.SetDeadline(time.Now())
		conn, err := f.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			f.errorHandler(fmt.Errorf("framer: accept failed: %w", err))
			break
		}
		f.acceptConnection(conn, nowMs)
		n++
	}
	return n
}

func (f *Framer) acceptConnection(conn net.Conn, nowMs int64) {
	connectionID := f.nextConnectionID
	f.nextConnectionID++

	c := endpoint.NewConnection(connectionID, conn, endpoint.Acceptor, f.cfg.ReceiverSocketBufferSize, f.cfg.SenderSocketBufferSize)
	c.DisconnectDeadline = time.Now().Add(f.cfg.NoLogonDisconnectTimeout)
	f.connections[connectionID] = c

	receiver := endpoint.NewReceiverEndPoint(connectionID, conn, f.inbound)
	sender := endpoint.NewSenderEndPoint(connectionID, conn)
	f.endpoints.Register(connectionID, receiver, sender)
	c.Receiver, c.Sender = receiver, sender

	if _, err := f.inbound.Offer(mustJSON(Connect{Kind: "CONNECT", ConnectionID: connectionID, Address: c.Address})); err != nil {
		// Spec §4.1: "logged best-effort; backpressure emits an error but
		// does not retry", and end-to-end scenario 3 requires an
		// IllegalState-shaped message naming the peer address, with the
		// accept completing regardless.
		f.errorHandler(fmt.Errorf("framer: illegal state: back-pressured publishing connect for %s", c.Address))
	}

	// spec §6 "acceptorSequenceNumbersResetUponReconnect": when set, an
	// accepted connection always starts from sequence number 0 rather
	// than resuming whatever the persistent index last recorded. The
	// connection's session_id is not known yet at accept time (assigned
	// later by OnSaveLogon), so there is nothing in the persistent index
	// to resume from regardless; this only matters once a real sessionID
	// replaces the lookup below.
	var lastSent, lastRecv int64
	if !f.cfg.AcceptorSequenceNumbersResetUponReconnect {
		var err error
		lastSent, lastRecv, _, err = f.seqIndex.LastKnown(context.Background(), 0)
		if err != nil {
			lastSent, lastRecv = 0, 0
		}
	}
	f.gatewaySessions.Insert(&session.GatewaySession{
		Connection:         c,
		State:              session.Connected,
		HeartbeatIntervalS: f.cfg.DefaultHeartbeatIntervalInS,
		LastSentSeqNo:      lastSent,
		LastReceivedSeqNo:  lastRecv,
	})
}

// pollLibraries is step 6: advance every library's LivenessDetector and
// reacquire the sessions of any that have died (spec §4.1 step 6, §4.3).
func (f *Framer) pollLibraries(nowMs int64) int {
	dead := f.libraries.PollDead(nowMs)
	for _, info := range dead {
		f.reacquireLibrarySessions(info)
	}
	return len(dead)
}

// awaitIndexingUpTo is the core's one cooperative yield point (spec §5
// "Suspension points": "The only cooperative yield is inside
// awaiting_indexing_up_to(...)"), entered before any read of
// last-sent/received sequence numbers during initiate handling (spec
// §4.1) and library-death reacquisition (spec §4.3). It spins the
// configured idle strategy between re-checks of whether seqIndex has
// finished indexing sessionID's latest writes.
func (f *Framer) awaitIndexingUpTo(sessionID int64) {
	reporter, ok := f.seqIndex.(store.IndexPositionReporter)
	if !ok {
		return
	}
	for !reporter.IndexedUpTo(sessionID) {
		f.idleStrategy()
	}
}

// reacquireLibrarySessions moves every session owned by a dead library back
// into the gateway pool, with state ACTIVE if the session has ever logged
// in, else CONNECTED (spec §4.3).
func (f *Framer) reacquireLibrarySessions(info *library.Info) {
	for _, gs := range info.Sessions() {
		f.awaitIndexingUpTo(gs.SessionID)
		_, _, everLoggedIn, err := f.seqIndex.LastKnown(context.Background(), gs.SessionID)
		if err != nil {
			f.errorHandler(fmt.Errorf("framer: reacquiring session %d: %w", gs.SessionID, err))
		}
		if everLoggedIn {
			gs.State = session.Active
		} else {
			gs.State = session.Connected
		}
		f.gatewaySessions.Insert(gs)
	}
}

// pollGatewaySessions is step 7: drive heartbeats and timers for
// gateway-owned sessions (spec §4.1 step 7). Gateway-owned sessions in this
// design carry no independent heartbeat timer beyond the disconnect
// deadline checked here; a session that never logs on within its deadline
// is disconnected.
func (f *Framer) pollGatewaySessions(nowMs int64) int {
	n := 0
	now := time.Now()
	for _, gs := range f.gatewaySessions.All() {
		if gs.State != session.Connected {
			continue
		}
		c := gs.Connection
		if c.DisconnectDeadline.IsZero() || !now.After(c.DisconnectDeadline) {
			continue
		}
		f.disconnect(c.ID, "NO_LOGON_TIMEOUT")
		n++
	}
	return n
}

// --- admin-command drain is the single admin.Queue.Drain() call in DoWork ---

// dispatchOutboundCommand decodes one outbound-stream fragment by its kind
// and routes it to the matching handler (spec §6 "Outbound library stream").
func (f *Framer) dispatchOutboundCommand(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		f.errorHandler(fmt.Errorf("framer: malformed outbound command: %w", err))
		return
	}

	switch env.Kind {
	case KindInitiateConnection:
		var cmd InitiateConnectionCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.OnInitiateConnection(cmd)
		}
	case KindRequestDisconnect:
		var cmd RequestDisconnectCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.OnRequestDisconnect(cmd.ConnectionID, cmd.Reason)
		}
	case KindLibraryConnect:
		var cmd LibraryConnectCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.OnLibraryConnect(cmd)
		}
	case KindApplicationHB:
		var cmd ApplicationHeartbeatCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.OnApplicationHeartbeat(cmd.LibraryID)
		}
	case KindReleaseSession:
		var cmd ReleaseSessionCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.OnReleaseSession(cmd)
		}
	case KindRequestSession:
		var cmd RequestSessionCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.OnRequestSession(cmd)
		}
	case KindSaveLogon:
		var cmd SaveLogonCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			if err := f.OnSaveLogon(cmd); err != nil {
				f.errorHandler(fmt.Errorf("framer: save logon for connection %d: %w", cmd.ConnectionID, err))
			}
		}
	case KindMessageFrame:
		var cmd MessageFrameCmd
		if err := json.Unmarshal(payload, &cmd); err == nil {
			f.forwardToSender(cmd.ConnectionID, cmd.Payload)
		}
	default:
		f.errorHandler(fmt.Errorf("framer: unknown outbound command kind %q", env.Kind))
	}
}

func (f *Framer) forwardToSender(connectionID int64, payload []byte) {
	sender, ok := f.endpoints.Sender(connectionID)
	if !ok {
		return
	}
	if err := sender.Offer(payload, 0, len(payload)); err != nil {
		f.onConnectionIOError(connectionID, err)
	}
}

// OnSaveLogon records a logon decoded by the out-of-scope SBE codec layer
// for a gateway-owned connection (spec §4.1 scenario 1 "client connects ...
// sends logon"; the Framer itself never parses payload bytes, spec §1).
func (f *Framer) OnSaveLogon(cmd SaveLogonCmd) error {
	gs, ok := f.gatewaySessions.Get(cmd.ConnectionID)
	if !ok {
		return fmt.Errorf("framer: unknown connection %d for logon", cmd.ConnectionID)
	}

	sessionID, err := f.sessionIDs.OnLogon(cmd.Key)
	if err != nil {
		return fmt.Errorf("framer: session id allocation: %w", err)
	}

	lastSent, lastRecv, _, err := f.seqIndex.LastKnown(context.Background(), sessionID)
	if err != nil {
		return fmt.Errorf("framer: sequence index lookup: %w", err)
	}

	gs.SessionID = sessionID
	gs.Key = cmd.Key
	gs.Username = cmd.Username
	gs.Password = cmd.Password
	gs.LastSentSeqNo = lastSent
	gs.LastReceivedSeqNo = lastRecv
	gs.State = session.Active
	gs.Connection.DisconnectDeadline = time.Time{}

	f.publishManageConnection(GatewayLibraryID, gs, 0)
	f.publishLogon(GatewayLibraryID, gs, LogonNew)
	return nil
}

// OnInitiateConnection implements spec §4.1 "Initiate handling".
func (f *Framer) OnInitiateConnection(cmd InitiateConnectionCmd) {
	if _, pending := f.retryMgr.Retry(cmd.CorrelationID); pending {
		return
	}

	if _, ok := f.libraries.Get(cmd.LibraryID); !ok {
		f.publishError(UnknownLibrary, cmd.LibraryID, cmd.CorrelationID, "")
		return
	}

	if f.hasDuplicateSession(cmd.Key) {
		f.publishError(DuplicateSession, cmd.LibraryID, cmd.CorrelationID, cmd.Key.String())
		return
	}

	conn, err := net.Dial("tcp", cmd.Address)
	if err != nil {
		f.publishError(UnableToConnect, cmd.LibraryID, cmd.CorrelationID, err.Error())
		return
	}

	connectionID := f.nextConnectionID
	f.nextConnectionID++

	c := endpoint.NewConnection(connectionID, conn, endpoint.Initiator, f.cfg.ReceiverSocketBufferSize, f.cfg.SenderSocketBufferSize)
	f.connections[connectionID] = c

	receiver := endpoint.NewReceiverEndPoint(connectionID, conn, f.inbound)
	sender := endpoint.NewSenderEndPoint(connectionID, conn)
	f.endpoints.Register(connectionID, receiver, sender)
	c.Receiver, c.Sender = receiver, sender

	sessionID, err := f.sessionIDs.OnLogon(cmd.Key)
	if err != nil {
		f.publishError(DuplicateSession, cmd.LibraryID, cmd.CorrelationID, err.Error())
		return
	}

	// spec §4.1 "Initiate handling": "await the sent-sequence index to
	// have indexed up to the header position (cooperatively yielding via
	// the idle strategy), read the last sent/received sequence numbers".
	f.awaitIndexingUpTo(sessionID)
	lastSent, lastRecv, _, err := f.seqIndex.LastKnown(context.Background(), sessionID)
	if err != nil {
		lastSent, lastRecv = 0, 0
	}

	gs := &session.GatewaySession{
		Connection:         c,
		SessionID:          sessionID,
		Key:                cmd.Key,
		Username:           cmd.Username,
		Password:           cmd.Password,
		HeartbeatIntervalS: cmd.HeartbeatIntervalS,
		LastSentSeqNo:      lastSent,
		LastReceivedSeqNo:  lastRecv,
		State:              session.Active,
	}

	lib, _ := f.libraries.Get(cmd.LibraryID)
	lib.AddSession(gs)

	txn := retry.NewTransaction(cmd.CorrelationID,
		func() retry.Result { return f.publishManageConnectionStep(cmd.LibraryID, gs, cmd.CorrelationID) },
		func() retry.Result { return f.publishLogonStep(cmd.LibraryID, gs, LogonNew) },
	)
	f.retryMgr.FirstAttempt(txn)
}

// hasDuplicateSession reports whether key already identifies a session
// owned either by the gateway pool or by some library (spec §4.1 "if
// DUPLICATE, publish DUPLICATE_SESSION").
func (f *Framer) hasDuplicateSession(key session.CompositeKey) bool {
	for _, gs := range f.gatewaySessions.All() {
		if gs.Key == key {
			return true
		}
	}
	for _, info := range f.libraries.All() {
		for _, gs := range info.Sessions() {
			if gs.Key == key {
				return true
			}
		}
	}
	return false
}

// OnLibraryConnect registers a new library, rejecting duplicate ids (spec
// §3 Invariants, §8 end-to-end scenario 2).
func (f *Framer) OnLibraryConnect(cmd LibraryConnectCmd) {
	nowMs := f.clk.TimeMillis()
	info := library.NewInfo(cmd.LibraryID, cmd.ChannelID, f.cfg.ReplyTimeoutInMs, nowMs)
	if err := f.libraries.Register(info); err != nil {
		f.publishError(DuplicateLibraryID, cmd.LibraryID, cmd.CorrelationID, "")
		return
	}
}

// OnApplicationHeartbeat feeds a library's LivenessDetector (SPEC_FULL
// "SUPPLEMENTED FEATURES").
func (f *Framer) OnApplicationHeartbeat(libraryID int32) {
	info, ok := f.libraries.Get(libraryID)
	if !ok {
		return
	}
	info.Liveness.OnHeartbeat(f.clk.TimeMillis())
}

// OnRequestSession implements the library-acquires-a-gateway-session half of
// spec §4.1 "Session handover", including the catch-up phase of §4.4.
func (f *Framer) OnRequestSession(cmd RequestSessionCmd) {
	if result, pending := f.retryMgr.Retry(cmd.CorrelationID); pending && result == retry.Abort {
		return
	}

	lib, ok := f.libraries.Get(cmd.LibraryID)
	if !ok {
		f.publishReply(RequestSessionReply{Kind: "REQUEST_SESSION_REPLY", Status: StatusUnknownLibrary, CorrelationID: cmd.CorrelationID})
		return
	}

	gs, ok := f.gatewaySessions.Get(cmd.ConnectionID)
	if !ok {
		f.publishReply(RequestSessionReply{Kind: "REQUEST_SESSION_REPLY", Status: StatusUnknownSession, CorrelationID: cmd.CorrelationID})
		return
	}

	if gs.State != session.Active {
		f.publishReply(RequestSessionReply{Kind: "REQUEST_SESSION_REPLY", Status: StatusSessionNotLoggedIn, CorrelationID: cmd.CorrelationID})
		return
	}

	// spec §8 Boundaries: "sequenceNumberTooHigh triggers iff
	// replayFromSequenceNumber > lastReceivedSeqNum".
	if f.sequenceNumberTooHigh(cmd.ReplayFromSequenceNumber, gs.LastReceivedSeqNo) {
		f.publishReply(RequestSessionReply{Kind: "REQUEST_SESSION_REPLY", Status: StatusSequenceNumberTooHigh, CorrelationID: cmd.CorrelationID})
		return
	}

	f.gatewaySessions.Remove(cmd.ConnectionID)
	lib.AddSession(gs)

	expectedCount := gs.LastReceivedSeqNo - cmd.ReplayFromSequenceNumber + 1
	if cmd.ReplayFromSequenceNumber <= 0 {
		expectedCount = 0
	}

	txn := retry.NewTransaction(cmd.CorrelationID,
		func() retry.Result { return f.publishManageConnectionStep(cmd.LibraryID, gs, cmd.CorrelationID) },
		func() retry.Result { return f.publishLogonStep(cmd.LibraryID, gs, LogonLibraryNotify) },
		func() retry.Result { return f.publishCatchupStep(cmd.LibraryID, gs.Connection.ID, expectedCount) },
		func() retry.Result {
			return f.publishReplyStep(RequestSessionReply{Kind: "REQUEST_SESSION_REPLY", Status: StatusOK, CorrelationID: cmd.CorrelationID})
		},
	)
	f.retryMgr.FirstAttempt(txn)
}

// sequenceNumberTooHigh implements the predicate of spec §8 Boundaries.
func (f *Framer) sequenceNumberTooHigh(replayFrom, lastReceived int64) bool {
	return replayFrom > lastReceived
}

// OnReleaseSession implements the library-releases-a-session half of spec
// §4.1 "Session handover": "if the OK publish is backpressured, the session
// is returned to the library (the operation is atomic from the caller's
// view)".
func (f *Framer) OnReleaseSession(cmd ReleaseSessionCmd) {
	lib, ok := f.libraries.Get(cmd.LibraryID)
	if !ok {
		f.publishReply(ReleaseSessionReply{Kind: "RELEASE_SESSION_REPLY", Status: StatusUnknownLibrary, CorrelationID: cmd.CorrelationID})
		return
	}

	gs, ok := lib.RemoveSession(cmd.ConnectionID)
	if !ok {
		f.publishReply(ReleaseSessionReply{Kind: "RELEASE_SESSION_REPLY", Status: StatusUnknownSession, CorrelationID: cmd.CorrelationID})
		return
	}

	f.gatewaySessions.Insert(gs)

	if _, err := f.inbound.Offer(mustJSON(ReleaseSessionReply{Kind: "RELEASE_SESSION_REPLY", Status: StatusOK, CorrelationID: cmd.CorrelationID})); err != nil {
		// Atomic handover: undo the move so the library keeps the session
		// it already believes it owns (spec §4.1).
		f.gatewaySessions.Remove(cmd.ConnectionID)
		lib.AddSession(gs)
	}
}

// OnRequestDisconnect is a library-initiated teardown of connectionID
// (SPEC_FULL "SUPPLEMENTED FEATURES").
func (f *Framer) OnRequestDisconnect(connectionID int64, reason string) {
	f.disconnect(connectionID, reason)
}

// OnDisconnect is invoked when a Receiver/Sender observes the peer or local
// side has closed connectionID (SPEC_FULL "SUPPLEMENTED FEATURES").
func (f *Framer) OnDisconnect(connectionID int64, reason string) {
	f.disconnect(connectionID, reason)
}

func (f *Framer) disconnect(connectionID int64, reason string) {
	if c, ok := f.connections[connectionID]; ok {
		_ = c.Close()
		delete(f.connections, connectionID)
	}
	f.endpoints.Remove(connectionID)
	f.gatewaySessions.Remove(connectionID)
	for _, info := range f.libraries.All() {
		info.RemoveSession(connectionID)
	}
	logger.DebugF("framer: connection %d disconnected (%s)", connectionID, reason)
}

func (f *Framer) onConnectionIOError(connectionID int64, err error) {
	if endpoint.IsClosedError(err) {
		f.disconnect(connectionID, "IO_ERROR")
		return
	}
	f.errorHandler(fmt.Errorf("framer: connection %d: %w", connectionID, err))
}

// RequestDisconnect tears down connectionID for reason, callable by any
// collaborator that only knows the connection_id (spec §9 "Cyclic reference
// avoidance": an IlinkSession reaches this through the ilinkOwner adapter
// below instead of importing this package directly).
func (f *Framer) RequestDisconnect(connectionID int64, reason string) {
	f.disconnect(connectionID, reason)
}

// IlinkOwner returns an ilink.Owner backed by this Framer, so that an
// IlinkSession bound to an accepted connection can request disconnects and
// report its own unbinding without internal/ilink importing internal/framer
// (spec §9 "Cyclic reference avoidance").
func (f *Framer) IlinkOwner() ilink.Owner {
	return ilinkOwner{f: f}
}

type ilinkOwner struct {
	f *Framer
}

func (o ilinkOwner) RequestDisconnect(connectionID int64, reason ilink.DisconnectReason) {
	o.f.disconnect(connectionID, string(reason))
}

func (o ilinkOwner) OnUnbind(s *ilink.Session) {
	o.f.disconnect(s.ConnectionID(), "UNBOUND")
}

// --- publish helpers ---

func (f *Framer) publishError(kind ErrorKind, libraryID int32, correlationID int64, message string) {
	_, _ = f.inbound.Offer(mustJSON(Error{Kind: "ERROR", ErrorKind: kind, LibraryID: libraryID, CorrelationID: correlationID, Message: message}))
}

func (f *Framer) publishReply(v any) {
	_, _ = f.inbound.Offer(mustJSON(v))
}

func (f *Framer) publishReplyStep(v any) retry.Result {
	if _, err := f.inbound.Offer(mustJSON(v)); err != nil {
		return retry.BackPressured
	}
	return retry.Complete
}

func (f *Framer) publishManageConnection(libraryID int32, gs *session.GatewaySession, correlationID int64) {
	_, _ = f.inbound.Offer(mustJSON(f.manageConnectionEvent(libraryID, gs, correlationID)))
}

func (f *Framer) publishManageConnectionStep(libraryID int32, gs *session.GatewaySession, correlationID int64) retry.Result {
	if _, err := f.inbound.Offer(mustJSON(f.manageConnectionEvent(libraryID, gs, correlationID))); err != nil {
		return retry.BackPressured
	}
	return retry.Complete
}

func (f *Framer) manageConnectionEvent(libraryID int32, gs *session.GatewaySession, correlationID int64) ManageConnection {
	return ManageConnection{
		Kind:              "MANAGE_CONNECTION",
		ConnectionID:      gs.Connection.ID,
		SessionID:         gs.SessionID,
		Address:           gs.Connection.Address,
		LibraryID:         libraryID,
		Direction:         gs.Connection.Direction,
		LastSentSeqNo:     gs.LastSentSeqNo,
		LastReceivedSeqNo: gs.LastReceivedSeqNo,
		State:             gs.State.String(),
		HeartbeatInS:      gs.HeartbeatIntervalS,
		CorrelationID:     correlationID,
	}
}

func (f *Framer) publishLogon(libraryID int32, gs *session.GatewaySession, status LogonStatus) {
	_, _ = f.inbound.Offer(mustJSON(f.logonEvent(libraryID, gs, status)))
}

func (f *Framer) publishLogonStep(libraryID int32, gs *session.GatewaySession, status LogonStatus) retry.Result {
	if _, err := f.inbound.Offer(mustJSON(f.logonEvent(libraryID, gs, status))); err != nil {
		return retry.BackPressured
	}
	return retry.Complete
}

func (f *Framer) logonEvent(libraryID int32, gs *session.GatewaySession, status LogonStatus) Logon {
	return Logon{
		Kind:              "LOGON",
		LibraryID:         libraryID,
		ConnectionID:      gs.Connection.ID,
		SessionID:         gs.SessionID,
		LastSentSeqNo:     gs.LastSentSeqNo,
		LastReceivedSeqNo: gs.LastReceivedSeqNo,
		CompKey:           gs.Key.String(),
		Username:          gs.Username,
		Password:          gs.Password,
		Status:            status,
	}
}

func (f *Framer) publishCatchupStep(libraryID int32, connectionID int64, expectedCount int64) retry.Result {
	if _, err := f.inbound.Offer(mustJSON(Catchup{Kind: "CATCHUP", LibraryID: libraryID, ConnectionID: connectionID, ExpectedCount: expectedCount})); err != nil {
		return retry.BackPressured
	}
	return retry.Complete
}

// --- admin-facing accessors (used by cmd/gatewayd's query_libraries,
// gateway_sessions, reset_session_ids admin commands, spec §4.1) ---

// Libraries returns every currently registered library.
func (f *Framer) Libraries() []*library.Info {
	return f.libraries.All()
}

// GatewaySessions returns every session currently owned by the gateway pool.
func (f *Framer) GatewaySessions() []*session.GatewaySession {
	return f.gatewaySessions.All()
}

// ResetSessionIds publishes a ResetSessionIds notice on the inbound stream.
// It does not reset any allocator: neither session-id store in
// internal/store has a reset operation.
func (f *Framer) ResetSessionIds() error {
	_, err := f.inbound.Offer(mustJSON(ResetSessionIds{Kind: "RESET_SESSION_IDS"}))
	return err
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("framer: failed to marshal %T: %v", v, err))
	}
	return b
}
