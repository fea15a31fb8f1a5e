package retry

import "testing"

func TestTransactionCompletesInOrder(t *testing.T) {
	var order []int
	steps := []Continuation{
		func() Result { order = append(order, 1); return Complete },
		func() Result { order = append(order, 2); return Complete },
		func() Result { order = append(order, 3); return Complete },
	}
	txn := NewTransaction(1, steps...)

	if r := txn.Attempt(); r != Abort {
		t.Fatalf("expected Abort after step 1, got %v", r)
	}
	if r := txn.Attempt(); r != Abort {
		t.Fatalf("expected Abort after step 2, got %v", r)
	}
	if r := txn.Attempt(); r != Complete {
		t.Fatalf("expected Complete after step 3, got %v", r)
	}
	if !txn.Done() {
		t.Fatalf("expected transaction to be done")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("steps executed out of order: %v", order)
	}
}

func TestTransactionBackPressureFreezesCursor(t *testing.T) {
	attempts := 0
	blocked := true
	steps := []Continuation{
		func() Result {
			attempts++
			if blocked {
				return BackPressured
			}
			return Complete
		},
	}
	txn := NewTransaction(1, steps...)

	if r := txn.Attempt(); r != Abort {
		t.Fatalf("expected Abort while back-pressured, got %v", r)
	}
	if r := txn.Attempt(); r != Abort {
		t.Fatalf("expected Abort while back-pressured, got %v", r)
	}
	blocked = false
	if r := txn.Attempt(); r != Complete {
		t.Fatalf("expected Complete once unblocked, got %v", r)
	}
	if attempts != 3 {
		t.Fatalf("expected the step invoked 3 times (idempotent retry), got %d", attempts)
	}
}

func TestManagerRejectsDuplicateCorrelationID(t *testing.T) {
	m := NewManager()
	txn := NewTransaction(42, func() Result { return BackPressured })

	if _, pending := m.Retry(42); pending {
		t.Fatalf("expected no pending transaction before FirstAttempt")
	}
	m.FirstAttempt(txn)

	result, pending := m.Retry(42)
	if !pending || result != Abort {
		t.Fatalf("expected Abort/true for duplicate correlation id, got %v/%v", result, pending)
	}
}

func TestManagerAttemptStepsDrainsToCompletion(t *testing.T) {
	m := NewManager()

	remaining := 2
	txn := NewTransaction(7, func() Result {
		remaining--
		if remaining > 0 {
			return BackPressured
		}
		return Complete
	})
	if r := m.FirstAttempt(txn); r != Abort {
		t.Fatalf("expected first attempt to report Abort (back-pressured), got %v", r)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending transaction, got %d", m.Pending())
	}

	completed := m.AttemptSteps()
	if completed != 1 {
		t.Fatalf("expected AttemptSteps to complete 1 transaction, got %d", completed)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected 0 pending transactions after completion, got %d", m.Pending())
	}
}
