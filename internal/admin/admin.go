// Package admin implements the bounded SPSC admin-command queue of spec
// §4.1/§6: producers outside the worker enqueue closures that execute in
// the Framer's own thread of control, and read results back through a
// one-shot future handle. This is explicitly not a network RPC boundary
// (spec §1 Non-goals / §5 "Shared-resource policy").
package admin

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by a producer-side wrapper when Enqueue reports
// the queue has no room for another command.
var ErrQueueFull = errors.New("admin: command queue is full")

// Command is a unit of work the worker executes against itself. Commands
// close over whatever state they need from the caller's side and are
// expected to resolve their own Future before returning.
type Command func()

// Future is a one-shot handle for a Command's result, held by the
// producer and resolved exactly once by the worker.
type Future[T any] struct {
	ch chan result[T]
}

type result[T any] struct {
	val T
	err error
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan result[T], 1)}
}

// Complete resolves the future. Called exactly once, from the worker.
func (f *Future[T]) Complete(val T, err error) {
	f.ch <- result[T]{val: val, err: err}
}

// Await blocks the caller until the worker resolves the future or ctx is
// done, whichever happens first.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Queue is the bounded, single-consumer admin-command channel: many
// external callers may enqueue (guarded by the channel's own
// synchronization), but only the worker ever drains it.
type Queue struct {
	commands chan Command
}

// NewQueue returns a Queue that can hold up to capacity pending commands.
func NewQueue(capacity int) *Queue {
	return &Queue{commands: make(chan Command, capacity)}
}

// Enqueue submits cmd for execution on the worker's next pass. It never
// blocks: if the queue is full, Enqueue reports false and the caller must
// decide whether to retry.
func (q *Queue) Enqueue(cmd Command) bool {
	select {
	case q.commands <- cmd:
		return true
	default:
		return false
	}
}

// Drain executes every currently queued command and returns how many ran
// (spec §4.1 step 8: "drain_admin_commands() — execute each queued admin
// command against this Framer").
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case cmd := <-q.commands:
			cmd()
			n++
		default:
			return n
		}
	}
}
