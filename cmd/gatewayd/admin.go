package main

import (
	"context"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/admin"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/framer"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/library"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
)

// AdminAPI is the producer-side handle to the Framer's admin-command queue
// (spec §4.1 "Admin commands"): each method enqueues a closure that runs on
// the worker's own thread of control and resolves a Future the caller can
// Await, never touching Framer state directly from outside the worker.
type AdminAPI struct {
	framer *framer.Framer
	queue  *admin.Queue
}

// NewAdminAPI binds an AdminAPI to a running Framer and its admin queue.
func NewAdminAPI(fr *framer.Framer, queue *admin.Queue) *AdminAPI {
	return &AdminAPI{framer: fr, queue: queue}
}

// QueryLibraries enqueues query_libraries() and awaits its result.
func (a *AdminAPI) QueryLibraries(ctx context.Context) ([]*library.Info, error) {
	future := admin.NewFuture[[]*library.Info]()
	if !a.queue.Enqueue(func() {
		future.Complete(a.framer.Libraries(), nil)
	}) {
		return nil, admin.ErrQueueFull
	}
	return future.Await(ctx)
}

// GatewaySessions enqueues gateway_sessions() and awaits its result.
func (a *AdminAPI) GatewaySessions(ctx context.Context) ([]*session.GatewaySession, error) {
	future := admin.NewFuture[[]*session.GatewaySession]()
	if !a.queue.Enqueue(func() {
		future.Complete(a.framer.GatewaySessions(), nil)
	}) {
		return nil, admin.ErrQueueFull
	}
	return future.Await(ctx)
}

// ResetSessionIDs enqueues reset_session_ids() and awaits its completion.
func (a *AdminAPI) ResetSessionIDs(ctx context.Context) error {
	future := admin.NewFuture[struct{}]()
	if !a.queue.Enqueue(func() {
		future.Complete(struct{}{}, a.framer.ResetSessionIds())
	}) {
		return admin.ErrQueueFull
	}
	_, err := future.Await(ctx)
	return err
}
