// Package retry implements Transactions and Continuations (spec §3, §4.4,
// §9): idempotent multi-step operations modeled as an ordered list of steps
// with a cursor, replacing exception-based control flow. A RetryManager
// tracks in-flight Transactions keyed by correlation_id so a duplicate
// issuance is rejected rather than silently re-started.
package retry

import "fmt"

// Result is the tri-state outcome of a single Continuation or a Transaction
// attempt.
type Result int

const (
	// Complete means the step (or the whole Transaction) finished and
	// produced all of its side effects.
	Complete Result = iota
	// BackPressured means a downstream sink could not accept this step's
	// output; the cursor does not advance and the caller should retry on
	// the next pass.
	BackPressured
	// Abort means a Transaction could not make progress this attempt
	// (used both as the "stop retrying me" signal from attempt() and as
	// the RetryManager's "duplicate correlation_id" response).
	Abort
)

func (r Result) String() string {
	switch r {
	case Complete:
		return "COMPLETE"
	case BackPressured:
		return "BACK_PRESSURED"
	case Abort:
		return "ABORT"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Continuation is a single resumable step within a Transaction. It must be
// idempotent or replay-safe: it may be invoked repeatedly before it
// eventually returns Complete.
type Continuation func() Result

// Transaction is an ordered sequence of Continuations plus an internal
// cursor (spec §3, §4.4). attempt() invokes continuations starting from the
// cursor; Complete advances it, BackPressured freezes it and yields Abort
// to the caller ("try again next pass").
type Transaction struct {
	CorrelationID int64
	steps         []Continuation
	cursor        int
}

// NewTransaction builds a Transaction from an ordered list of steps.
func NewTransaction(correlationID int64, steps ...Continuation) *Transaction {
	return &Transaction{CorrelationID: correlationID, steps: steps}
}

// Done reports whether every step has returned Complete.
func (t *Transaction) Done() bool {
	return t.cursor >= len(t.steps)
}

// Attempt advances the Transaction by at most one Continuation per the
// contract of attempt() in spec §4.4: Complete advances the cursor and, if
// that was the last step, reports Complete for the whole Transaction;
// BackPressured leaves the cursor untouched and reports Abort so the
// RetryManager re-queues it from the same step next pass.
func (t *Transaction) Attempt() Result {
	if t.Done() {
		return Complete
	}

	step := t.steps[t.cursor]
	switch step() {
	case Complete:
		t.cursor++
		if t.Done() {
			return Complete
		}
		return Abort
	case BackPressured:
		return Abort
	default:
		return Abort
	}
}

// Manager holds a FIFO queue of in-flight Transactions keyed by
// correlation_id (spec §4.4). Retry(id) returns Abort if that correlation
// already has a pending Transaction; otherwise it returns false so the
// caller starts a fresh attempt via FirstAttempt.
type Manager struct {
	order   []int64
	pending map[int64]*Transaction
}

// NewManager returns an empty RetryManager.
func NewManager() *Manager {
	return &Manager{pending: make(map[int64]*Transaction)}
}

// Retry reports whether correlationID already has a pending Transaction. If
// it does, the caller must not start a new one for this correlation_id
// (spec §4.4: "retry(correlation_id) returns ABORT ... preventing duplicate
// issuance").
func (m *Manager) Retry(correlationID int64) (result Result, hasPending bool) {
	if _, ok := m.pending[correlationID]; ok {
		return Abort, true
	}
	return Complete, false
}

// FirstAttempt registers a new Transaction for correlationID and performs
// its first attempt immediately. The caller must have already checked
// Retry(correlationID) returned hasPending == false.
func (m *Manager) FirstAttempt(txn *Transaction) Result {
	result := txn.Attempt()
	if result == Complete {
		return Complete
	}
	m.pending[txn.CorrelationID] = txn
	m.order = append(m.order, txn.CorrelationID)
	return result
}

// AttemptSteps advances every in-flight Transaction by at most one
// Continuation (spec §4.1 step 1: "advance each in-flight Transaction by at
// most one Continuation"). It returns the number of Transactions that
// completed and were removed from the queue.
func (m *Manager) AttemptSteps() int {
	completed := 0
	remaining := m.order[:0]
	for _, id := range m.order {
		txn, ok := m.pending[id]
		if !ok {
			continue
		}
		if txn.Attempt() == Complete {
			delete(m.pending, id)
			completed++
			continue
		}
		remaining = append(remaining, id)
	}
	m.order = remaining
	return completed
}

// Pending reports the number of in-flight Transactions.
func (m *Manager) Pending() int {
	return len(m.pending)
}
