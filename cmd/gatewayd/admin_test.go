package main

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/admin"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/clock"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/framer"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/pubsub"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/store"
)

func newTestFramerAndQueue(t *testing.T) (*framer.Framer, *admin.Queue) {
	t.Helper()

	inbound := pubsub.NewMemoryLog(64)
	outbound := pubsub.NewMemoryLog(64).NewSubscriber()
	replay := pubsub.NewMemoryLog(64).NewSubscriber()
	queue := admin.NewQueue(8)

	fr := framer.New(
		framer.Config{OutboundLibraryFragmentLimit: 10, ReplayFragmentLimit: 10, InboundBytesReceivedLimit: 1 << 16},
		&clock.ManualClock{},
		store.NewMemorySessionIDStore(),
		store.NewMemorySequenceIndex(),
		inbound,
		outbound, outbound, replay,
		queue,
		func(error) {},
		nil,
	)
	return fr, queue
}

// TestAdminAPIRoundTripsThroughTheWorkerQueue proves a producer never
// touches Framer state directly: it only enqueues a closure and blocks on
// the Future the worker resolves when it eventually drains the queue
// (spec §4.1 "Admin commands"). The background drainer goroutine stands
// in for do_work()'s step 8 running concurrently with producers.
func TestAdminAPIRoundTripsThroughTheWorkerQueue(t *testing.T) {
	fr, queue := newTestFramerAndQueue(t)
	api := NewAdminAPI(fr, queue)

	fr.OnLibraryConnect(framer.LibraryConnectCmd{LibraryID: 7, ChannelID: 1, CorrelationID: 1})

	stopDrainer := make(chan struct{})
	defer close(stopDrainer)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopDrainer:
				return
			case <-ticker.C:
				queue.Drain()
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	libs, err := api.QueryLibraries(ctx)
	if err != nil {
		t.Fatalf("QueryLibraries: unexpected error %v", err)
	}
	if len(libs) != 1 || libs[0].LibraryID != 7 {
		t.Fatalf("expected exactly library 7 registered, got %+v", libs)
	}

	sessions, err := api.GatewaySessions(ctx)
	if err != nil {
		t.Fatalf("GatewaySessions: unexpected error %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no gateway-owned sessions yet, got %d", len(sessions))
	}

	if err := api.ResetSessionIDs(ctx); err != nil {
		t.Fatalf("ResetSessionIDs: unexpected error %v", err)
	}
}

func TestAdminAPIReportsQueueFull(t *testing.T) {
	fr, queue := newTestFramerAndQueue(t)
	api := NewAdminAPI(fr, queue)

	for {
		if !queue.Enqueue(func() {}) {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := api.QueryLibraries(ctx); err != admin.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
