package framer

import (
	"encoding/json"
	"net"
	"strings"
	"testing"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/clock"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/endpoint"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/pubsub"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/store"
)

func newTestFramer(t *testing.T) (*Framer, *pubsub.MemoryLog, *pubsub.Subscriber, *[]error) {
	t.Helper()

	inbound := pubsub.NewMemoryLog(256)
	outboundLibrary := pubsub.NewMemoryLog(256).NewSubscriber()
	replay := pubsub.NewMemoryLog(256).NewSubscriber()
	sub := inbound.NewSubscriber()

	errs := &[]error{}
	f := New(
		Config{
			OutboundLibraryFragmentLimit: 10,
			ReplayFragmentLimit:          10,
			InboundBytesReceivedLimit:    1 << 16,
			NoLogonDisconnectTimeout:     0,
			ReplyTimeoutInMs:             1000,
		},
		&clock.ManualClock{},
		store.NewMemorySessionIDStore(),
		store.NewMemorySequenceIndex(),
		inbound,
		outboundLibrary, outboundLibrary, replay,
		nil,
		func(err error) { *errs = append(*errs, err) },
		nil,
	)
	return f, inbound, sub, errs
}

// laggingSequenceIndex wraps a MemorySequenceIndex but reports not caught up
// for the first notCaughtUpFor calls to IndexedUpTo, exercising the looping
// branch of awaitIndexingUpTo that the always-synchronous real adapters
// never take.
type laggingSequenceIndex struct {
	*store.MemorySequenceIndex
	notCaughtUpFor int
	checks         int
}

func (l *laggingSequenceIndex) IndexedUpTo(sessionID int64) bool {
	l.checks++
	if l.checks <= l.notCaughtUpFor {
		return false
	}
	return true
}

func TestAwaitIndexingUpToYieldsUntilCaughtUp(t *testing.T) {
	lagging := &laggingSequenceIndex{MemorySequenceIndex: store.NewMemorySequenceIndex(), notCaughtUpFor: 3}

	var yields int
	f := New(
		Config{
			OutboundLibraryFragmentLimit: 10,
			ReplayFragmentLimit:          10,
			InboundBytesReceivedLimit:    1 << 16,
			ReplyTimeoutInMs:             1000,
			IdleStrategy:                 func() { yields++ },
		},
		&clock.ManualClock{},
		store.NewMemorySessionIDStore(),
		lagging,
		pubsub.NewMemoryLog(256),
		pubsub.NewMemoryLog(256).NewSubscriber(), pubsub.NewMemoryLog(256).NewSubscriber(), pubsub.NewMemoryLog(256).NewSubscriber(),
		nil,
		func(error) {},
		nil,
	)

	f.awaitIndexingUpTo(42)

	if yields != 3 {
		t.Fatalf("expected the idle strategy to run once per not-caught-up check, got %d", yields)
	}
	if lagging.checks != 4 {
		t.Fatalf("expected IndexedUpTo to be polled until it reported caught up, got %d checks", lagging.checks)
	}
}

func drain(sub *pubsub.Subscriber) []map[string]any {
	var out []map[string]any
	sub.Poll(func(fragment pubsub.Fragment) {
		var m map[string]any
		if err := json.Unmarshal(fragment.Payload, &m); err == nil {
			out = append(out, m)
		}
	}, 1000)
	return out
}

func TestAcceptThenSaveLogonPublishesConnectManageConnectionAndLogon(t *testing.T) {
	f, _, sub, _ := newTestFramer(t)

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	f.acceptConnection(server, 0)

	var connectionID int64
	for id := range f.connections {
		connectionID = id
	}

	key := session.CompositeKey{SenderCompID: "A", TargetCompID: "B"}
	if err := f.OnSaveLogon(SaveLogonCmd{ConnectionID: connectionID, Key: key, Username: "u", Password: "p"}); err != nil {
		t.Fatalf("OnSaveLogon: unexpected error %v", err)
	}

	frames := drain(sub)
	if len(frames) != 3 {
		t.Fatalf("expected 3 published frames (Connect, ManageConnection, Logon), got %d: %+v", len(frames), frames)
	}
	if frames[0]["kind"] != "CONNECT" {
		t.Fatalf("expected first frame CONNECT, got %v", frames[0]["kind"])
	}
	if frames[1]["kind"] != "MANAGE_CONNECTION" || frames[1]["library_id"] != float64(GatewayLibraryID) {
		t.Fatalf("expected second frame MANAGE_CONNECTION with library_id=-1, got %+v", frames[1])
	}
	if frames[2]["kind"] != "LOGON" || frames[2]["status"] != string(LogonNew) {
		t.Fatalf("expected third frame LOGON status=NEW, got %+v", frames[2])
	}

	gs, ok := f.gatewaySessions.Get(connectionID)
	if !ok {
		t.Fatalf("expected session still in gateway pool after logon")
	}
	if gs.State != session.Active {
		t.Fatalf("expected session state ACTIVE after logon, got %v", gs.State)
	}
}

func TestDuplicateLibraryConnectEmitsError(t *testing.T) {
	f, _, sub, _ := newTestFramer(t)

	f.OnLibraryConnect(LibraryConnectCmd{LibraryID: 7, CorrelationID: 1})
	f.OnLibraryConnect(LibraryConnectCmd{LibraryID: 7, CorrelationID: 1})

	frames := drain(sub)
	if len(frames) != 1 {
		t.Fatalf("expected exactly one published frame (the error), got %d: %+v", len(frames), frames)
	}
	if frames[0]["kind"] != "ERROR" || frames[0]["error_kind"] != string(DuplicateLibraryID) {
		t.Fatalf("expected ERROR/DUPLICATE_LIBRARY_ID, got %+v", frames[0])
	}
	if len(f.libraries.All()) != 1 {
		t.Fatalf("expected exactly one library registered, got %d", len(f.libraries.All()))
	}
}

func TestAcceptBackPressureCompletesAnywayAndReportsError(t *testing.T) {
	f, inbound, _, errs := newTestFramer(t)
	inbound.ForceBackPressure(1)

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	f.acceptConnection(server, 0)

	if len(f.connections) != 1 {
		t.Fatalf("expected accept to complete (connection registered) despite backpressure")
	}
	if len(*errs) != 1 {
		t.Fatalf("expected exactly one error reported, got %d", len(*errs))
	}
	if !strings.Contains((*errs)[0].Error(), "illegal state") {
		t.Fatalf("expected an illegal-state shaped error, got %v", (*errs)[0])
	}
}

func TestLibraryDeathReacquiresSessionsAsActive(t *testing.T) {
	f, _, _, _ := newTestFramer(t)

	f.OnLibraryConnect(LibraryConnectCmd{LibraryID: 9, CorrelationID: 1})
	info, ok := f.libraries.Get(9)
	if !ok {
		t.Fatalf("expected library 9 to be registered")
	}

	server1, client1 := net.Pipe()
	defer client1.Close()
	defer server1.Close()
	server2, client2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()

	c1 := endpoint.NewConnection(100, server1, endpoint.Acceptor, 0, 0)
	c2 := endpoint.NewConnection(101, server2, endpoint.Acceptor, 0, 0)

	sessionID1, err := f.sessionIDs.OnLogon(session.CompositeKey{SenderCompID: "X"})
	if err != nil {
		t.Fatalf("OnLogon: %v", err)
	}
	if err := f.seqIndex.RecordReceived(nil, sessionID1, 5); err != nil {
		t.Fatalf("RecordReceived: %v", err)
	}
	info.AddSession(&session.GatewaySession{Connection: c1, SessionID: sessionID1, State: session.Active})
	info.AddSession(&session.GatewaySession{Connection: c2, SessionID: sessionID1 + 1, State: session.Active})

	f.pollLibraries(2000)

	if _, stillThere := f.libraries.Get(9); stillThere {
		t.Fatalf("expected dead library to be removed from the registry")
	}
	if f.gatewaySessions.Len() != 2 {
		t.Fatalf("expected both sessions reacquired into the gateway pool, got %d", f.gatewaySessions.Len())
	}
	gs, ok := f.gatewaySessions.Get(c1.ID)
	if !ok || gs.State != session.Active {
		t.Fatalf("expected reacquired session with a prior logon to be ACTIVE")
	}
}
